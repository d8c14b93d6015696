package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI flag counts.
//
// These control what the operator sees on the console, mapped onto zap
// levels. Default (no flags) shows run summaries, warnings and errors;
// -v adds per-item progress; -vv adds per-call detail (HTTP requests,
// retry waits, claim churn).
const (
	VerbosityUser  = 0 // No flags: summaries, warnings and errors only
	VerbosityInfo  = 1 // -v: + per-item progress, page fetches
	VerbosityDebug = 2 // -vv: + HTTP calls, backoff waits, claims
)

// VerbosityToLevel maps verbosity flags (-v, -vv, etc.) to zap log levels.
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch verbosity {
	case VerbosityUser:
		return zapcore.WarnLevel
	case VerbosityInfo:
		return zapcore.InfoLevel
	default:
		// -vv and anything beyond
		return zapcore.DebugLevel
	}
}
