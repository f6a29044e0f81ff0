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

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Store reads the audit trail across the live and archive tiers and
// relocates entries between them. Inserts go through Writer only.
type Store struct {
	db            *db.DB
	logger        *zap.Logger
	metrics       *Metrics
	now           func() time.Time
	defaultLimit  int
	maxLimit      int
	ignoreActions []string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics sets the store's metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithStoreClock overrides "now" for summaries whose window ends at the
// current time.
func WithStoreClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithPageLimits sets the default and maximum page size.
func WithPageLimits(defaultLimit, maxLimit int) Option {
	return func(s *Store) {
		if defaultLimit > 0 {
			s.defaultLimit = defaultLimit
		}
		if maxLimit > 0 {
			s.maxLimit = maxLimit
		}
	}
}

// WithAnomalyIgnore excludes actions matching any of the glob patterns from
// anomaly detection.
func WithAnomalyIgnore(patterns []string) Option {
	return func(s *Store) { s.ignoreActions = patterns }
}

// NewStore creates a Store backed by the given database.
func NewStore(database *db.DB, opts ...Option) *Store {
	s := &Store{
		db:           database,
		logger:       zap.NewNop(),
		now:          time.Now,
		defaultLimit: DefaultPageLimit,
		maxLimit:     MaxPageLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// entryColumns selects a full Entry from a tier view aliased e, joined to
// the user directory aliased u.
const entryColumns = `e.id, e.tenant_id, e.user_id, u.display_name, e.action,
	e.entity_type, e.entity_id, e.previous_state, e.new_state, e.metadata,
	e.ip_address, e.user_agent, e.timestamp, e.sequence_number, e.hash_chain, e.tier`

const userJoin = ` LEFT JOIN users u ON u.id = e.user_id AND u.tenant_id = e.tenant_id`

// source returns the relation reads run against. Both views expose the same
// columns, so every predicate and join applies identically to either.
func source(includeArchived bool) string {
	if includeArchived {
		return "audit_view_all"
	}
	return "audit_view_live"
}

func insertLive(ctx context.Context, tx *sql.Tx, e Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_entries (
			id, tenant_id, user_id, action, entity_type, entity_id,
			previous_state, new_state, metadata, ip_address, user_agent,
			timestamp, sequence_number, hash_chain
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.TenantID,
		nullIfEmpty(e.UserID),
		e.Action,
		e.EntityType,
		e.EntityID,
		e.PreviousState.nullString(),
		e.NewState.nullString(),
		string(e.Metadata.orEmpty().Bytes()),
		nullIfEmpty(e.IPAddress),
		nullIfEmpty(e.UserAgent),
		FormatTimestamp(e.Timestamp),
		e.SequenceNumber,
		e.HashChain,
	)
	if err != nil {
		return fmt.Errorf("audit: inserting entry seq=%d: %w", e.SequenceNumber, err)
	}
	return nil
}

// Get retrieves a single entry of the tenant.
func (s *Store) Get(ctx context.Context, tenantID, id string, includeArchived bool) (*Entry, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}
	defer s.metrics.observeQuery("get", time.Now())

	row := s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM "+source(includeArchived)+" e"+userJoin+
			" WHERE e.tenant_id = ? AND e.id = ?",
		tenantID, id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("audit: getting entry %s: %w", id, err)
	}
	return e, nil
}

// RelocateBefore moves the tenant's live entries older than before into the
// archive tier in one transaction. Rows are copied column for column, so id,
// sequence number and chain hash are preserved. Returns the number moved.
func (s *Store) RelocateBefore(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	if tenantID == "" {
		return 0, ErrMissingTenant
	}

	const columns = `id, tenant_id, user_id, action, entity_type, entity_id,
		previous_state, new_state, metadata, ip_address, user_agent,
		timestamp, sequence_number, hash_chain`
	cutoff := FormatTimestamp(before)

	var moved int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO audit_entries_archive ("+columns+") SELECT "+columns+
				" FROM audit_entries WHERE tenant_id = ? AND timestamp < ?",
			tenantID, cutoff)
		if err != nil {
			return fmt.Errorf("copying entries to archive: %w", err)
		}
		copied, err := res.RowsAffected()
		if err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx,
			"DELETE FROM audit_entries WHERE tenant_id = ? AND timestamp < ?",
			tenantID, cutoff)
		if err != nil {
			return fmt.Errorf("removing relocated entries: %w", err)
		}
		deleted, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if copied != deleted {
			return fmt.Errorf("relocation mismatch: copied %d, deleted %d", copied, deleted)
		}
		moved = copied
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("audit: relocating entries for tenant %s: %w", tenantID, err)
	}

	s.logger.Info("relocated audit entries to archive",
		zap.String("tenant_id", tenantID),
		zap.String("before", cutoff),
		zap.Int64("count", moved))
	return moved, nil
}

// TierCounts reports how many of a tenant's entries sit in each tier.
type TierCounts struct {
	Live    int `json:"live"`
	Archive int `json:"archive"`
}

// CountByTier returns the tenant's entry count per tier.
func (s *Store) CountByTier(ctx context.Context, tenantID string) (TierCounts, error) {
	var tc TierCounts
	if tenantID == "" {
		return tc, ErrMissingTenant
	}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM audit_entries WHERE tenant_id = ?),
			(SELECT COUNT(*) FROM audit_entries_archive WHERE tenant_id = ?)`,
		tenantID, tenantID,
	).Scan(&tc.Live, &tc.Archive)
	if err != nil {
		return tc, fmt.Errorf("audit: counting tiers for tenant %s: %w", tenantID, err)
	}
	return tc, nil
}

// Tenants lists every tenant that has written at least one entry.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM audit_chain_heads ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("audit: listing tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e                                  Entry
		userID, userName, ipAddress, agent sql.NullString
		previousState, newState            sql.NullString
		metadata, ts, tier                 string
	)

	err := sc.Scan(
		&e.ID, &e.TenantID, &userID, &userName, &e.Action,
		&e.EntityType, &e.EntityID, &previousState, &newState, &metadata,
		&ipAddress, &agent, &ts, &e.SequenceNumber, &e.HashChain, &tier,
	)
	if err != nil {
		return nil, err
	}

	e.UserID = userID.String
	e.UserName = userName.String
	e.IPAddress = ipAddress.String
	e.UserAgent = agent.String
	e.Tier = Tier(tier)

	if e.Timestamp, err = ParseTimestamp(ts); err != nil {
		return nil, fmt.Errorf("parsing timestamp of entry %s: %w", e.ID, err)
	}
	if e.PreviousState, err = documentFromNull(previousState); err != nil {
		return nil, fmt.Errorf("decoding previous_state of entry %s: %w", e.ID, err)
	}
	if e.NewState, err = documentFromNull(newState); err != nil {
		return nil, fmt.Errorf("decoding new_state of entry %s: %w", e.ID, err)
	}
	if e.Metadata, err = ParseDocument([]byte(metadata)); err != nil {
		return nil, fmt.Errorf("decoding metadata of entry %s: %w", e.ID, err)
	}

	return &e, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
