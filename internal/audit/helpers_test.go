package audit

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/audit-trail/internal/db"
)

const (
	tenantA = "11111111-1111-4111-8111-111111111111"
	tenantB = "22222222-2222-4222-8222-222222222222"
	userA   = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	userB   = "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"
)

var baseTime = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	db     *db.DB
	store  *Store
	writer *Writer
	clock  *testClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return fixtureOn(database, opts...)
}

func fixtureOn(database *db.DB, opts ...Option) *fixture {
	clock := &testClock{t: baseTime}
	opts = append([]Option{WithStoreClock(clock.Now)}, opts...)
	return &fixture{
		db:     database,
		store:  NewStore(database, opts...),
		writer: NewWriter(WithClock(clock.Now)),
		clock:  clock,
	}
}

// write commits the entries in one transaction and returns their receipts.
func (f *fixture) write(t *testing.T, entries ...NewEntry) []Receipt {
	t.Helper()
	var receipts []Receipt
	err := f.db.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		receipts, err = f.writer.WriteBatch(context.Background(), tx, entries)
		return err
	})
	require.NoError(t, err)
	return receipts
}

func entry(tenantID, action, entityType, entityID string) NewEntry {
	return NewEntry{
		TenantID:   tenantID,
		UserID:     userA,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
	}
}

// seedParts writes the create/update history used by several tests:
// P1 created, P1 renamed, P2 created, one hour apart.
func (f *fixture) seedParts(t *testing.T) []Receipt {
	t.Helper()
	created := entry(tenantA, "part.created", "part", "P1")
	created.NewState = MustDocument(map[string]any{"name": "Bolt"})
	created.Metadata = MustDocument(map[string]any{"entityName": "Bolt M6"})

	renamed := entry(tenantA, "part.updated", "part", "P1")
	renamed.PreviousState = MustDocument(map[string]any{"name": "Bolt"})
	renamed.NewState = MustDocument(map[string]any{"name": "Hex Bolt"})
	renamed.Metadata = MustDocument(map[string]any{"entityName": "Hex Bolt M6"})

	other := entry(tenantA, "part.created", "part", "P2")
	other.UserID = userB
	other.NewState = MustDocument(map[string]any{"name": "Washer"})
	other.Metadata = MustDocument(map[string]any{"entityName": "Washer 6mm"})

	var receipts []Receipt
	for _, e := range []NewEntry{created, renamed, other} {
		receipts = append(receipts, f.write(t, e)...)
		f.clock.Advance(time.Hour)
	}
	return receipts
}
