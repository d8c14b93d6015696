// Package ledger tracks per-item processing state in SQLite. It is the
// dedup authority: one row per item, atomic claims with a lease so that
// concurrent workers (or overlapping runs) never process the same item
// twice.
package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/inkest/errors"
)

// Stage is an item's position in the pipeline.
type Stage string

const (
	StageFetched   Stage = "fetched"
	StageMediaDone Stage = "media_done"
	StageExtracted Stage = "extracted"
	StagePersisted Stage = "persisted"
	StageFailed    Stage = "failed"
)

// stageOrder drives the monotonic-forward rule. StageFailed sits outside
// the order: reachable from anywhere, restartable to anywhere.
var stageOrder = map[Stage]int{
	StageFetched:   0,
	StageMediaDone: 1,
	StageExtracted: 2,
	StagePersisted: 3,
}

// ValidStage reports whether s is a known stage.
func ValidStage(s Stage) bool {
	_, ok := stageOrder[s]
	return ok || s == StageFailed
}

// validTransition enforces forward-only progress: a stage never
// regresses. Re-asserting the current stage is allowed so a worker
// resuming an expired claim can replay its last step. Failure is
// reachable from any stage, and a failed item may resume at any stage
// on retry.
func validTransition(from, to Stage) bool {
	if to == StageFailed || from == StageFailed {
		return true
	}
	fromOrd, okFrom := stageOrder[from]
	toOrd, okTo := stageOrder[to]
	return okFrom && okTo && toOrd >= fromOrd
}

// Outcome of releasing a claim.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// Record is one item's ledger row.
type Record struct {
	ItemID       string
	Stage        Stage
	AttemptCount int
	LastError    string
	MediaPartial bool
	UpdatedAt    time.Time
}

// Ledger is the SQLite-backed processing ledger.
type Ledger struct {
	db    *sql.DB
	lease time.Duration
	log   *zap.SugaredLogger

	// now is injectable for lease expiry tests
	now func() time.Time
}

// DefaultLease bounds how long a crashed worker holds an item before it
// becomes claimable again.
const DefaultLease = 5 * time.Minute

// New creates a Ledger over an already-migrated database. lease <= 0
// uses DefaultLease.
func New(db *sql.DB, lease time.Duration, log *zap.SugaredLogger) *Ledger {
	if lease <= 0 {
		lease = DefaultLease
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ledger{
		db:    db,
		lease: lease,
		log:   log,
		now:   time.Now,
	}
}

// Get returns the record for an item. The second return is false if the
// item has never been seen.
func (l *Ledger) Get(ctx context.Context, itemID string) (*Record, bool, error) {
	var rec Record
	var lastError sql.NullString
	err := l.db.QueryRowContext(ctx, `
		SELECT item_id, stage, attempt_count, last_error, media_partial, updated_at
		FROM processing_records WHERE item_id = ?`,
		itemID,
	).Scan(&rec.ItemID, &rec.Stage, &rec.AttemptCount, &lastError, &rec.MediaPartial, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to read record for %s", itemID)
	}
	rec.LastError = lastError.String
	return &rec, true, nil
}

// Stage returns an item's stage. The second return is false if the item
// has never been seen.
func (l *Ledger) Stage(ctx context.Context, itemID string) (Stage, bool, error) {
	rec, ok, err := l.Get(ctx, itemID)
	if err != nil || !ok {
		return "", ok, err
	}
	return rec.Stage, true, nil
}

// TryClaim atomically claims an item for a run. Unseen items are
// inserted at StageFetched. The claim succeeds when no live claim
// exists (none, or an expired lease) and the item is not persisted.
// Returns ok=false when someone else holds the item or it is already
// done.
func (l *Ledger) TryClaim(ctx context.Context, itemID, runID string) (string, bool, error) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO processing_records (item_id, stage, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(item_id) DO NOTHING`,
		itemID, StageFetched, l.now().UTC(),
	)
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to insert record for %s", itemID)
	}

	token := uuid.NewString()
	now := l.now().UTC()

	// Single UPDATE: the WHERE clause is the whole claim protocol.
	res, err := l.db.ExecContext(ctx, `
		UPDATE processing_records
		SET claim_token = ?, claim_run_id = ?, claim_expires_at = ?, updated_at = ?
		WHERE item_id = ?
		  AND stage != ?
		  AND (claim_token IS NULL OR claim_expires_at < ?)`,
		token, runID, now.Add(l.lease), now,
		itemID,
		StagePersisted,
		now,
	)
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to claim %s", itemID)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, errors.Wrap(err, "failed to read claim result")
	}
	if affected == 0 {
		return "", false, nil
	}

	return token, true, nil
}

// holdsClaim verifies token currently holds the item's claim.
func (l *Ledger) holdsClaim(ctx context.Context, itemID, token string) (Stage, error) {
	var stage Stage
	var claimToken sql.NullString
	var expiresAt sql.NullTime
	err := l.db.QueryRowContext(ctx, `
		SELECT stage, claim_token, claim_expires_at
		FROM processing_records WHERE item_id = ?`,
		itemID,
	).Scan(&stage, &claimToken, &expiresAt)
	if err == sql.ErrNoRows {
		return "", errors.Wrapf(errors.ErrStaleClaim, "no record for %s", itemID)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read claim for %s", itemID)
	}

	if !claimToken.Valid || claimToken.String != token {
		return "", errors.Wrapf(errors.ErrStaleClaim, "claim on %s held elsewhere", itemID)
	}
	if !expiresAt.Valid || expiresAt.Time.Before(l.now().UTC()) {
		return "", errors.Wrapf(errors.ErrStaleClaim, "lease on %s expired", itemID)
	}

	return stage, nil
}

// Advance moves a claimed item to newStage. Returns ErrStaleClaim if
// token no longer holds the claim; transitions must move forward.
func (l *Ledger) Advance(ctx context.Context, itemID, token string, newStage Stage) error {
	if !ValidStage(newStage) {
		return errors.Newf("unknown stage %q", newStage)
	}

	current, err := l.holdsClaim(ctx, itemID, token)
	if err != nil {
		return err
	}

	if !validTransition(current, newStage) {
		return errors.Newf("invalid stage transition %s -> %s for %s", current, newStage, itemID)
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE processing_records
		SET stage = ?, updated_at = ?
		WHERE item_id = ? AND claim_token = ?`,
		newStage, l.now().UTC(), itemID, token,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to advance %s", itemID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read advance result")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrStaleClaim, "claim on %s lost during advance", itemID)
	}

	return nil
}

// MarkMediaPartial flags a claimed item as having permanently failed
// media refs. The item still proceeds through the pipeline.
func (l *Ledger) MarkMediaPartial(ctx context.Context, itemID, token string) error {
	if _, err := l.holdsClaim(ctx, itemID, token); err != nil {
		return err
	}

	_, err := l.db.ExecContext(ctx, `
		UPDATE processing_records
		SET media_partial = 1, updated_at = ?
		WHERE item_id = ? AND claim_token = ?`,
		l.now().UTC(), itemID, token,
	)
	return errors.Wrapf(err, "failed to mark media partial for %s", itemID)
}

// Release ends a claim. Success keeps the stage and clears the claim;
// failure moves the item to StageFailed, bumps attempt_count, and
// records the error text.
func (l *Ledger) Release(ctx context.Context, itemID, token string, outcome Outcome, cause error) error {
	if _, err := l.holdsClaim(ctx, itemID, token); err != nil {
		return err
	}

	var err error
	if outcome == OutcomeSuccess {
		_, err = l.db.ExecContext(ctx, `
			UPDATE processing_records
			SET claim_token = NULL, claim_run_id = NULL, claim_expires_at = NULL, updated_at = ?
			WHERE item_id = ? AND claim_token = ?`,
			l.now().UTC(), itemID, token,
		)
	} else {
		lastError := ""
		if cause != nil {
			lastError = cause.Error()
		}
		_, err = l.db.ExecContext(ctx, `
			UPDATE processing_records
			SET stage = ?, attempt_count = attempt_count + 1, last_error = ?,
			    claim_token = NULL, claim_run_id = NULL, claim_expires_at = NULL, updated_at = ?
			WHERE item_id = ? AND claim_token = ?`,
			StageFailed, lastError, l.now().UTC(), itemID, token,
		)
	}
	return errors.Wrapf(err, "failed to release %s", itemID)
}

// PermanentlyFailed lists failed items whose attempt count has reached
// ceiling, for operator inspection.
func (l *Ledger) PermanentlyFailed(ctx context.Context, ceiling int) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT item_id, stage, attempt_count, last_error, media_partial, updated_at
		FROM processing_records
		WHERE stage = ? AND attempt_count >= ?
		ORDER BY updated_at DESC`,
		StageFailed, ceiling,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list permanently failed items")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var lastError sql.NullString
		if err := rows.Scan(&rec.ItemID, &rec.Stage, &rec.AttemptCount, &lastError, &rec.MediaPartial, &rec.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan failed record")
		}
		rec.LastError = lastError.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// StageCounts returns item counts per stage for operator tooling.
func (l *Ledger) StageCounts(ctx context.Context) (map[Stage]int, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT stage, COUNT(*) FROM processing_records GROUP BY stage`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count stages")
	}
	defer rows.Close()

	counts := map[Stage]int{}
	for rows.Next() {
		var stage Stage
		var count int
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan stage count")
		}
		counts[stage] = count
	}
	return counts, rows.Err()
}
