package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ziadkadry99/audit-trail/internal/db"
)

// DefaultVerifyBatchSize is how many entries the verifier loads per batch.
const DefaultVerifyBatchSize = 500

// DivergenceReason says why the chain stopped verifying.
type DivergenceReason string

const (
	ReasonHashMismatch DivergenceReason = "hash_mismatch"
	ReasonSequenceGap  DivergenceReason = "sequence_gap"
	// ReasonTruncated means the stored chain ends before the tenant's chain
	// head: entries at the tail are missing.
	ReasonTruncated DivergenceReason = "truncated"
	// ReasonHeadMismatch means the last stored entry disagrees with the
	// recorded chain head in any other way.
	ReasonHeadMismatch DivergenceReason = "head_mismatch"
)

// Checkpoint is a verified chain position: every entry up to and including
// SequenceNumber has been checked, and HashChain is that entry's hash.
type Checkpoint struct {
	SequenceNumber int64     `json:"sequenceNumber"`
	HashChain      string    `json:"hashChain"`
	VerifiedAt     time.Time `json:"verifiedAt,omitzero"`
}

// VerifyResult is the outcome of a chain verification. A divergence is a
// finding, not an error.
type VerifyResult struct {
	OK                     bool             `json:"ok"`
	Checked                int64            `json:"checked"`
	Checkpoint             Checkpoint       `json:"checkpoint"`
	FirstDivergentSequence int64            `json:"firstDivergentSequence,omitempty"`
	ExpectedHash           string           `json:"expectedHash,omitempty"`
	ActualHash             string           `json:"actualHash,omitempty"`
	Reason                 DivergenceReason `json:"reason,omitempty"`
}

// VerifyOptions controls a verification run.
type VerifyOptions struct {
	// From resumes after a previously verified checkpoint instead of genesis.
	From *Checkpoint
	// Progress, if set, is called after each batch.
	Progress func(checked, total int64)
}

// Verifier replays a tenant's hash chain across both tiers.
type Verifier struct {
	db        *db.DB
	batchSize int
	logger    *zap.Logger
	metrics   *Metrics
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithBatchSize sets how many entries are loaded per batch.
func WithBatchSize(n int) VerifierOption {
	return func(v *Verifier) {
		if n > 0 {
			v.batchSize = n
		}
	}
}

// WithVerifierLogger sets the verifier's logger.
func WithVerifierLogger(l *zap.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

// WithVerifierMetrics sets the verifier's metrics.
func WithVerifierMetrics(m *Metrics) VerifierOption {
	return func(v *Verifier) { v.metrics = m }
}

// NewVerifier creates a Verifier.
func NewVerifier(database *db.DB, opts ...VerifierOption) *Verifier {
	v := &Verifier{db: database, batchSize: DefaultVerifyBatchSize, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify recomputes the tenant's chain in ascending sequence order and
// compares it with the stored hashes, stopping at the first divergence.
//
// The scan runs in one read transaction, so it sees a single snapshot and
// entries committed meanwhile are neither reported nor waited for. Entries
// are loaded in keyset batches. When ctx is cancelled between batches, the
// result's Checkpoint marks how far the scan got and ctx.Err() is returned;
// passing that checkpoint as From resumes the scan.
func (v *Verifier) Verify(ctx context.Context, tenantID string, opts VerifyOptions) (VerifyResult, error) {
	if tenantID == "" {
		return VerifyResult{}, ErrMissingTenant
	}
	start := time.Now()

	cp := Checkpoint{HashChain: GenesisHash}
	if opts.From != nil {
		cp = Checkpoint{SequenceNumber: opts.From.SequenceNumber, HashChain: opts.From.HashChain}
	}
	res := VerifyResult{Checkpoint: cp}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("audit: beginning verification snapshot: %w", err)
	}
	defer tx.Rollback()

	var total int64
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_view_all WHERE tenant_id = ? AND sequence_number > ?`,
		tenantID, cp.SequenceNumber,
	).Scan(&total)
	if err != nil {
		return res, fmt.Errorf("audit: counting entries to verify: %w", err)
	}

	head, err := loadHead(ctx, tx, tenantID)
	if err != nil {
		return res, err
	}

	for {
		if err := ctx.Err(); err != nil {
			v.metrics.integrityRun("cancelled", res.Checked)
			return res, err
		}

		batch, err := v.loadBatch(ctx, tx, tenantID, res.Checkpoint.SequenceNumber)
		if err != nil {
			return res, err
		}

		for _, e := range batch {
			if e.SequenceNumber != res.Checkpoint.SequenceNumber+1 {
				res.FirstDivergentSequence = e.SequenceNumber
				res.ExpectedHash = ChainHash(res.Checkpoint.HashChain, Canonicalize(e))
				res.ActualHash = e.HashChain
				res.Reason = ReasonSequenceGap
				v.reportDivergence(tenantID, res, start)
				return res, nil
			}

			expected := ChainHash(res.Checkpoint.HashChain, Canonicalize(e))
			if expected != e.HashChain {
				res.FirstDivergentSequence = e.SequenceNumber
				res.ExpectedHash = expected
				res.ActualHash = e.HashChain
				res.Reason = ReasonHashMismatch
				v.reportDivergence(tenantID, res, start)
				return res, nil
			}

			res.Checked++
			res.Checkpoint = Checkpoint{SequenceNumber: e.SequenceNumber, HashChain: e.HashChain}
		}

		if opts.Progress != nil {
			opts.Progress(res.Checked, total)
		}
		if len(batch) < v.batchSize {
			break
		}
	}

	if reason, ok := head.check(res.Checkpoint); !ok {
		res.FirstDivergentSequence = res.Checkpoint.SequenceNumber + 1
		res.ExpectedHash = head.Hash
		res.ActualHash = res.Checkpoint.HashChain
		res.Reason = reason
		if reason == ReasonHeadMismatch {
			res.FirstDivergentSequence = res.Checkpoint.SequenceNumber
		}
		v.reportDivergence(tenantID, res, start)
		return res, nil
	}

	res.OK = true
	res.Checkpoint.VerifiedAt = time.Now().UTC()
	v.metrics.integrityRun("ok", res.Checked)
	v.logger.Info("audit chain verified",
		zap.String("tenant_id", tenantID),
		zap.Int64("checked", res.Checked),
		zap.Int64("last_sequence", res.Checkpoint.SequenceNumber),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

func (v *Verifier) reportDivergence(tenantID string, res VerifyResult, start time.Time) {
	v.metrics.integrityRun("divergent", res.Checked)
	v.logger.Warn("audit chain divergence",
		zap.String("tenant_id", tenantID),
		zap.Int64("sequence", res.FirstDivergentSequence),
		zap.String("reason", string(res.Reason)),
		zap.String("expected_hash", res.ExpectedHash),
		zap.String("actual_hash", res.ActualHash),
		zap.Duration("elapsed", time.Since(start)))
}

// chainHead is the tenant's row in audit_chain_heads. A tenant that never
// wrote has the genesis head.
type chainHead struct {
	Sequence int64
	Hash     string
}

func loadHead(ctx context.Context, tx *sql.Tx, tenantID string) (chainHead, error) {
	head := chainHead{Hash: GenesisHash}
	err := tx.QueryRowContext(ctx,
		`SELECT last_sequence, last_hash FROM audit_chain_heads WHERE tenant_id = ?`, tenantID,
	).Scan(&head.Sequence, &head.Hash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return head, fmt.Errorf("audit: loading chain head: %w", err)
	}
	return head, nil
}

// check compares the last verified position with the head. The head is
// read in the same snapshot as the entries, so they must agree exactly.
func (h chainHead) check(last Checkpoint) (DivergenceReason, bool) {
	switch {
	case last.SequenceNumber == h.Sequence && last.HashChain == h.Hash:
		return "", true
	case last.SequenceNumber < h.Sequence:
		return ReasonTruncated, false
	default:
		return ReasonHeadMismatch, false
	}
}

// loadBatch reads the next batch after sequence `after` and closes the
// cursor before returning.
func (v *Verifier) loadBatch(ctx context.Context, tx *sql.Tx, tenantID string, after int64) ([]Entry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT tenant_id, user_id, action, entity_type, entity_id,
		       previous_state, new_state, metadata, timestamp,
		       sequence_number, hash_chain
		FROM audit_view_all
		WHERE tenant_id = ? AND sequence_number > ?
		ORDER BY sequence_number
		LIMIT ?`,
		tenantID, after, v.batchSize)
	if err != nil {
		return nil, fmt.Errorf("audit: loading entries after seq=%d: %w", after, err)
	}
	defer rows.Close()

	batch := make([]Entry, 0, v.batchSize)
	for rows.Next() {
		var (
			e                       Entry
			userID                  sql.NullString
			previousState, newState sql.NullString
			metadata, ts            string
		)
		if err := rows.Scan(&e.TenantID, &userID, &e.Action, &e.EntityType, &e.EntityID,
			&previousState, &newState, &metadata, &ts, &e.SequenceNumber, &e.HashChain); err != nil {
			return nil, fmt.Errorf("audit: scanning entry: %w", err)
		}
		e.UserID = userID.String
		if e.Timestamp, err = ParseTimestamp(ts); err != nil {
			return nil, fmt.Errorf("audit: entry seq=%d has malformed timestamp: %w", e.SequenceNumber, err)
		}
		if e.PreviousState, err = documentFromNull(previousState); err != nil {
			return nil, fmt.Errorf("audit: entry seq=%d: %w", e.SequenceNumber, err)
		}
		if e.NewState, err = documentFromNull(newState); err != nil {
			return nil, fmt.Errorf("audit: entry seq=%d: %w", e.SequenceNumber, err)
		}
		if e.Metadata, err = ParseDocument([]byte(metadata)); err != nil {
			return nil, fmt.Errorf("audit: entry seq=%d: %w", e.SequenceNumber, err)
		}
		batch = append(batch, e)
	}
	return batch, rows.Err()
}

// checkpointSaveTimeout bounds the save that follows a cancelled run.
const checkpointSaveTimeout = 5 * time.Second

// RunOptions controls Run.
type RunOptions struct {
	// Resume starts from the tenant's saved checkpoint, if any.
	Resume bool
	// Save persists the position reached.
	Save     bool
	Progress func(checked, total int64)
}

// Run verifies the tenant's chain and, with Save, records the position
// reached: after a clean run, and after a cancelled run that got past at
// least one entry, so a later Resume picks up where it stopped. A divergent
// run saves nothing.
func (v *Verifier) Run(ctx context.Context, tenantID string, opts RunOptions) (VerifyResult, error) {
	vo := VerifyOptions{Progress: opts.Progress}
	if opts.Resume {
		cp, err := v.LoadCheckpoint(ctx, tenantID)
		if err != nil {
			return VerifyResult{}, err
		}
		vo.From = cp
	}

	// Verify has released its snapshot by the time it returns, so the save
	// below never competes with it for the connection.
	res, err := v.Verify(ctx, tenantID, vo)
	if !opts.Save {
		return res, err
	}

	switch {
	case err == nil && res.OK:
		if err := v.SaveCheckpoint(ctx, tenantID, res.Checkpoint); err != nil {
			return res, err
		}
	case err != nil && ctx.Err() != nil && res.Checked > 0:
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointSaveTimeout)
		defer cancel()
		if serr := v.SaveCheckpoint(saveCtx, tenantID, res.Checkpoint); serr != nil {
			return res, errors.Join(err, serr)
		}
		v.logger.Info("saved partial verification checkpoint",
			zap.String("tenant_id", tenantID),
			zap.Int64("sequence", res.Checkpoint.SequenceNumber),
			zap.Int64("checked", res.Checked))
	}
	return res, err
}

// SaveCheckpoint records a verified position for later resumption.
func (v *Verifier) SaveCheckpoint(ctx context.Context, tenantID string, cp Checkpoint) error {
	if tenantID == "" {
		return ErrMissingTenant
	}
	verifiedAt := cp.VerifiedAt
	if verifiedAt.IsZero() {
		verifiedAt = time.Now()
	}
	_, err := v.db.ExecContext(ctx, `
		INSERT INTO integrity_checkpoints (tenant_id, sequence_number, hash_chain, verified_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			sequence_number = excluded.sequence_number,
			hash_chain = excluded.hash_chain,
			verified_at = excluded.verified_at`,
		tenantID, cp.SequenceNumber, cp.HashChain, FormatTimestamp(verifiedAt))
	if err != nil {
		return fmt.Errorf("audit: saving checkpoint for tenant %s: %w", tenantID, err)
	}
	return nil
}

// LoadCheckpoint returns the tenant's last saved checkpoint, or nil if none.
func (v *Verifier) LoadCheckpoint(ctx context.Context, tenantID string) (*Checkpoint, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}
	var cp Checkpoint
	var verifiedAt string
	err := v.db.QueryRowContext(ctx,
		`SELECT sequence_number, hash_chain, verified_at FROM integrity_checkpoints WHERE tenant_id = ?`,
		tenantID,
	).Scan(&cp.SequenceNumber, &cp.HashChain, &verifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: loading checkpoint for tenant %s: %w", tenantID, err)
	}
	if t, err := ParseTimestamp(verifiedAt); err == nil {
		cp.VerifiedAt = t
	}
	return &cp, nil
}
