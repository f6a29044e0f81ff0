package audit

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	actionPattern     = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)
	identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// Writer appends entries to a tenant's chain inside the caller's transaction.
//
// Sequence numbers come from an atomic increment of the tenant's row in
// audit_chain_heads, so concurrent writers (in this or any other process)
// serialize per tenant on that row and never reuse a number. The row also
// carries the chain tail, so writing never scans history.
type Writer struct {
	now     func() time.Time
	logger  *zap.Logger
	metrics *Metrics
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// WithWriterLogger sets the writer's logger.
func WithWriterLogger(l *zap.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

// WithWriterMetrics sets the writer's metrics.
func WithWriterMetrics(m *Metrics) WriterOption {
	return func(w *Writer) { w.metrics = m }
}

// NewWriter creates a Writer.
func NewWriter(opts ...WriterOption) *Writer {
	w := &Writer{now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write appends one entry. Any error must abort the enclosing transaction.
func (w *Writer) Write(ctx context.Context, tx *sql.Tx, in NewEntry) (Receipt, error) {
	receipts, err := w.WriteBatch(ctx, tx, []NewEntry{in})
	if err != nil {
		return Receipt{}, err
	}
	return receipts[0], nil
}

// WriteBatch appends entries for a single tenant with consecutive sequence
// numbers, threading the chain through the batch. Any error must abort the
// enclosing transaction.
func (w *Writer) WriteBatch(ctx context.Context, tx *sql.Tx, entries []NewEntry) ([]Receipt, error) {
	if tx == nil {
		return nil, ErrNoTransaction
	}
	if len(entries) == 0 {
		return nil, nil
	}

	tenantID := entries[0].TenantID
	for i, in := range entries {
		if err := validateNewEntry(in); err != nil {
			w.metrics.writeFailed()
			return nil, err
		}
		if in.TenantID != tenantID {
			w.metrics.writeFailed()
			return nil, fmt.Errorf("audit: batch entry %d belongs to tenant %q, batch tenant is %q", i, in.TenantID, tenantID)
		}
	}

	receipts, err := w.writeBatch(ctx, tx, tenantID, entries)
	if err != nil {
		w.metrics.writeFailed()
		w.logger.Error("audit write failed",
			zap.String("tenant_id", tenantID),
			zap.String("action", entries[0].Action),
			zap.Int("batch_size", len(entries)),
			zap.Error(err))
		return nil, err
	}

	w.metrics.written(len(receipts))
	w.logger.Debug("audit entries written",
		zap.String("tenant_id", tenantID),
		zap.Int64("first_sequence", receipts[0].SequenceNumber),
		zap.Int("count", len(receipts)))
	return receipts, nil
}

func (w *Writer) writeBatch(ctx context.Context, tx *sql.Tx, tenantID string, entries []NewEntry) ([]Receipt, error) {
	n := int64(len(entries))

	// Claim n sequence numbers. The upsert is the first write of this step so
	// the row lock (or SQLite's write lock) is taken before the tail is read.
	var last int64
	var prevHash string
	err := tx.QueryRowContext(ctx, `
		INSERT INTO audit_chain_heads (tenant_id, last_sequence, last_hash)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET last_sequence = last_sequence + excluded.last_sequence
		RETURNING last_sequence, last_hash`,
		tenantID, n, GenesisHash,
	).Scan(&last, &prevHash)
	if err != nil {
		return nil, fmt.Errorf("audit: advancing sequence for tenant %s: %w", tenantID, err)
	}

	first := last - n + 1
	ts := w.now().UTC().Truncate(time.Microsecond)

	receipts := make([]Receipt, 0, len(entries))
	for i, in := range entries {
		e := Entry{
			ID:             uuid.New().String(),
			TenantID:       tenantID,
			UserID:         in.UserID,
			Action:         in.Action,
			EntityType:     in.EntityType,
			EntityID:       in.EntityID,
			PreviousState:  in.PreviousState,
			NewState:       in.NewState,
			Metadata:       in.Metadata.orEmpty(),
			IPAddress:      capLength(in.IPAddress, MaxIPAddressLen),
			UserAgent:      capLength(in.UserAgent, MaxUserAgentLen),
			Timestamp:      ts,
			SequenceNumber: first + int64(i),
		}
		e.HashChain = ChainHash(prevHash, Canonicalize(e))

		if err := insertLive(ctx, tx, e); err != nil {
			return nil, err
		}

		prevHash = e.HashChain
		receipts = append(receipts, Receipt{ID: e.ID, SequenceNumber: e.SequenceNumber, HashChain: e.HashChain})
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE audit_chain_heads SET last_hash = ? WHERE tenant_id = ? AND last_sequence = ?`,
		prevHash, tenantID, last,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: updating chain head for tenant %s: %w", tenantID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("audit: updating chain head for tenant %s: %w", tenantID, err)
	}
	if affected != 1 {
		return nil, ErrChainConflict
	}

	return receipts, nil
}

func validateNewEntry(in NewEntry) error {
	if strings.TrimSpace(in.TenantID) == "" {
		return ErrMissingTenant
	}

	verr := &ValidationError{}
	if !actionPattern.MatchString(in.Action) {
		verr.Add("action", "must look like verb.noun (lowercase, dot separated), got %q", in.Action)
	}
	if !identifierPattern.MatchString(in.EntityType) {
		verr.Add("entityType", "must be a lowercase identifier, got %q", in.EntityType)
	}
	if strings.TrimSpace(in.EntityID) == "" {
		verr.Add("entityId", "is required")
	}
	if in.UserID != "" {
		if _, err := uuid.Parse(in.UserID); err != nil {
			verr.Add("userId", "must be a UUID")
		}
	}
	return verr.OrNil()
}

// capLength truncates s to at most max bytes without splitting a rune.
func capLength(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.ToValidUTF8(s[:max], "")
}
