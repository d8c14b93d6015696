package logger

// Standard field names for consistent structured logging across inkest.
// Use these constants instead of raw strings so console extraction and
// downstream log queries stay aligned.
const (
	// Identity and context
	FieldItemID = "item_id"
	FieldRunID  = "run_id"
	FieldStage  = "stage"

	// Components
	FieldComponent = "component"

	// Operations
	FieldOperation = "operation"
	FieldURL       = "url"
	FieldCursor    = "cursor"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError   = "error"
	FieldAttempt = "attempt"

	// Counts and sizes
	FieldCount     = "count"
	FieldByteSize  = "byte_size"
	FieldPageSize  = "page_size"
	FieldRemaining = "remaining"
)
