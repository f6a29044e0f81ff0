// Package directory keeps the tenant user directory. Every change to a user
// is recorded in the audit trail within the same transaction.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ziadkadry99/audit-trail/internal/audit"
)

// ErrIDTaken is returned when a user id already belongs to another tenant.
var ErrIDTaken = errors.New("directory: user id belongs to another tenant")

// User is a member of a tenant.
type User struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Profile is the mutable part of a user.
type Profile struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// AuditWriter appends audit entries inside a caller-owned transaction.
type AuditWriter interface {
	Write(ctx context.Context, tx *sql.Tx, e audit.NewEntry) (audit.Receipt, error)
}
