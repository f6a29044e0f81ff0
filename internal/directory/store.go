package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ziadkadry99/audit-trail/internal/audit"
	"github.com/ziadkadry99/audit-trail/internal/db"
	"github.com/ziadkadry99/audit-trail/internal/tenant"
)

const maxDisplayNameLen = 200

// Store manages persistence of users.
type Store struct {
	db     *db.DB
	audit  AuditWriter
	logger *zap.Logger
}

// NewStore creates a new directory store.
func NewStore(database *db.DB, w AuditWriter, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: database, audit: w, logger: logger}
}

// Get retrieves a user of the tenant.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*User, error) {
	if tenantID == "" {
		return nil, audit.ErrMissingTenant
	}
	u, err := getUser(ctx, s.db, tenantID, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, audit.ErrNotFound
	}
	return u, nil
}

// Put creates or updates a user on behalf of the acting identity. Only
// changed fields are recorded. An unchanged profile writes nothing and
// returns a nil receipt. If the audit write fails the change is rolled back.
func (s *Store) Put(ctx context.Context, actor tenant.Identity, id string, p Profile) (*User, *audit.Receipt, error) {
	if actor.TenantID == "" {
		return nil, nil, audit.ErrMissingTenant
	}
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	p.Email = strings.TrimSpace(p.Email)
	if err := validate(id, p); err != nil {
		return nil, nil, err
	}

	var (
		user    *User
		receipt *audit.Receipt
	)
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := getUser(ctx, tx, actor.TenantID, id)
		if err != nil {
			return err
		}
		if existing == nil {
			taken, err := idTaken(ctx, tx, id)
			if err != nil {
				return err
			}
			if taken {
				return ErrIDTaken
			}
		}

		action, previous, next := diff(existing, p)
		if action == "" {
			user = existing
			return nil
		}

		now := time.Now().UTC()
		if existing == nil {
			user = &User{ID: id, TenantID: actor.TenantID, CreatedAt: now}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO users (id, tenant_id, display_name, email, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
				id, actor.TenantID, p.DisplayName, p.Email, now, now)
		} else {
			user = existing
			_, err = tx.ExecContext(ctx,
				`UPDATE users SET display_name = ?, email = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
				p.DisplayName, p.Email, now, actor.TenantID, id)
		}
		if err != nil {
			return fmt.Errorf("saving user: %w", err)
		}
		user.DisplayName = p.DisplayName
		user.Email = p.Email
		user.UpdatedAt = now

		meta, err := audit.Document{}.Set("entityName", p.DisplayName)
		if err != nil {
			return err
		}
		r, err := s.audit.Write(ctx, tx, audit.NewEntry{
			TenantID:      actor.TenantID,
			UserID:        actor.UserID,
			Action:        action,
			EntityType:    "user",
			EntityID:      id,
			PreviousState: previous,
			NewState:      next,
			Metadata:      meta,
			IPAddress:     actor.IPAddress,
			UserAgent:     actor.UserAgent,
		})
		if err != nil {
			return err
		}
		receipt = &r
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("directory: putting user %s: %w", id, err)
	}

	if receipt != nil {
		s.logger.Info("user changed",
			zap.String("tenant_id", actor.TenantID),
			zap.String("user_id", id),
			zap.Int64("audit_sequence", receipt.SequenceNumber))
	}
	return user, receipt, nil
}

// diff returns the audit action and the changed fields before and after.
// An empty action means nothing changed.
func diff(existing *User, p Profile) (string, audit.Document, audit.Document) {
	if existing == nil {
		return "user.created", audit.Document{}, audit.MustDocument(map[string]any{
			"displayName": p.DisplayName,
			"email":       p.Email,
		})
	}

	before := map[string]any{}
	after := map[string]any{}
	if existing.DisplayName != p.DisplayName {
		before["displayName"], after["displayName"] = existing.DisplayName, p.DisplayName
	}
	if existing.Email != p.Email {
		before["email"], after["email"] = existing.Email, p.Email
	}
	if len(after) == 0 {
		return "", audit.Document{}, audit.Document{}
	}
	return "user.updated", audit.MustDocument(before), audit.MustDocument(after)
}

func validate(id string, p Profile) error {
	verr := &audit.ValidationError{}
	if _, err := uuid.Parse(id); err != nil {
		verr.Add("id", "must be a UUID")
	}
	if p.DisplayName == "" {
		verr.Add("displayName", "is required")
	} else if len(p.DisplayName) > maxDisplayNameLen {
		verr.Add("displayName", "must be at most %d characters", maxDisplayNameLen)
	}
	if p.Email != "" {
		if _, err := mail.ParseAddress(p.Email); err != nil {
			verr.Add("email", "must be an email address")
		}
	}
	return verr.OrNil()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getUser(ctx context.Context, q queryer, tenantID, id string) (*User, error) {
	var u User
	err := q.QueryRowContext(ctx,
		`SELECT id, tenant_id, display_name, email, created_at, updated_at FROM users WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	).Scan(&u.ID, &u.TenantID, &u.DisplayName, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return &u, nil
}

func idTaken(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("checking user id: %w", err)
	}
	return n > 0, nil
}
