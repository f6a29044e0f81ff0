package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/audit-trail/internal/db"
)

func TestWriteChainsEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	receipts := f.seedParts(t)

	require.Len(t, receipts, 3)
	prev := GenesisHash
	for i, r := range receipts {
		assert.Equal(t, int64(i+1), r.SequenceNumber)

		stored, err := f.store.Get(ctx, tenantA, r.ID, false)
		require.NoError(t, err)
		assert.Equal(t, r.HashChain, stored.HashChain)
		assert.Equal(t, ChainHash(prev, Canonicalize(*stored)), stored.HashChain)
		prev = stored.HashChain
	}
}

func TestWriteBatchSharesTimestampAndThreadsChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipts := f.write(t,
		entry(tenantA, "part.created", "part", "P1"),
		entry(tenantA, "part.created", "part", "P2"),
		entry(tenantA, "part.created", "part", "P3"),
	)
	require.Len(t, receipts, 3)

	prev := GenesisHash
	for i, r := range receipts {
		assert.Equal(t, int64(i+1), r.SequenceNumber)
		stored, err := f.store.Get(ctx, tenantA, r.ID, false)
		require.NoError(t, err)
		assert.True(t, stored.Timestamp.Equal(baseTime))
		assert.Equal(t, ChainHash(prev, Canonicalize(*stored)), r.HashChain)
		prev = r.HashChain
	}
}

func TestWriteStoresEntryFields(t *testing.T) {
	f := newFixture(t)
	in := entry(tenantA, "sales_order.status_changed", "sales_order", "SO-9")
	in.PreviousState = MustDocument(map[string]any{"status": "draft"})
	in.NewState = MustDocument(map[string]any{"status": "approved"})
	in.IPAddress = "198.51.100.4"
	in.UserAgent = "browser"

	r := f.write(t, in)[0]
	got, err := f.store.Get(context.Background(), tenantA, r.ID, false)
	require.NoError(t, err)

	assert.Equal(t, "sales_order.status_changed", got.Action)
	assert.Equal(t, "draft", got.PreviousState.Status())
	assert.Equal(t, "approved", got.NewState.Status())
	assert.Equal(t, "{}", string(got.Metadata.Bytes()))
	assert.Equal(t, "198.51.100.4", got.IPAddress)
	assert.Equal(t, "browser", got.UserAgent)
	assert.Equal(t, TierLive, got.Tier)
}

func TestWriteRollbackLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("business write failed")

	err := f.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := f.writer.Write(ctx, tx, entry(tenantA, "part.created", "part", "P1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	counts, err := f.store.CountByTier(ctx, tenantA)
	require.NoError(t, err)
	assert.Equal(t, TierCounts{}, counts)

	// The sequence claimed by the rolled back write is reused.
	r := f.write(t, entry(tenantA, "part.created", "part", "P1"))
	assert.Equal(t, int64(1), r[0].SequenceNumber)
}

func TestSequencesArePerTenant(t *testing.T) {
	f := newFixture(t)
	f.write(t, entry(tenantA, "part.created", "part", "P1"))
	f.write(t, entry(tenantA, "part.created", "part", "P2"))
	r := f.write(t, entry(tenantB, "part.created", "part", "P1"))

	assert.Equal(t, int64(1), r[0].SequenceNumber)

	tenants, err := f.store.Tenants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{tenantA, tenantB}, tenants)
}

func TestWriteValidation(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*NewEntry)
		field string
	}{
		{"action not verb.noun", func(e *NewEntry) { e.Action = "created" }, "action"},
		{"action uppercase", func(e *NewEntry) { e.Action = "Part.Created" }, "action"},
		{"entity type", func(e *NewEntry) { e.EntityType = "Part Type" }, "entityType"},
		{"entity id", func(e *NewEntry) { e.EntityID = " " }, "entityId"},
		{"user id", func(e *NewEntry) { e.UserID = "alice" }, "userId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := entry(tenantA, "part.created", "part", "P1")
			tt.edit(&in)

			err := f.db.WithTx(context.Background(), func(tx *sql.Tx) error {
				_, err := f.writer.Write(context.Background(), tx, in)
				return err
			})
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Len(t, verr.Fields, 1)
			assert.Equal(t, tt.field, verr.Fields[0].Field)
		})
	}
}

func TestWriteMissingTenant(t *testing.T) {
	f := newFixture(t)
	err := f.db.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := f.writer.Write(context.Background(), tx, entry("", "part.created", "part", "P1"))
		return err
	})
	assert.ErrorIs(t, err, ErrMissingTenant)
}

func TestWriteRequiresTransaction(t *testing.T) {
	_, err := NewWriter().Write(context.Background(), nil, entry(tenantA, "part.created", "part", "P1"))
	assert.ErrorIs(t, err, ErrNoTransaction)
}

func TestWriteBatchRejectsMixedTenants(t *testing.T) {
	f := newFixture(t)
	err := f.db.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := f.writer.WriteBatch(context.Background(), tx, []NewEntry{
			entry(tenantA, "part.created", "part", "P1"),
			entry(tenantB, "part.created", "part", "P1"),
		})
		return err
	})
	require.Error(t, err)

	counts, err := f.store.CountByTier(context.Background(), tenantA)
	require.NoError(t, err)
	assert.Zero(t, counts.Live)
}

func TestWriteCapsProvenance(t *testing.T) {
	f := newFixture(t)
	in := entry(tenantA, "part.created", "part", "P1")
	in.IPAddress = strings.Repeat("1", 100)
	in.UserAgent = strings.Repeat("é", 300) // 600 bytes

	r := f.write(t, in)[0]
	got, err := f.store.Get(context.Background(), tenantA, r.ID, false)
	require.NoError(t, err)
	assert.Len(t, got.IPAddress, MaxIPAddressLen)
	assert.LessOrEqual(t, len(got.UserAgent), MaxUserAgentLen)
	assert.Equal(t, strings.Repeat("é", 256), got.UserAgent)
}

func TestConcurrentWritersProduceGaplessSequence(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	f := fixtureOn(database)
	ctx := context.Background()

	const workers, perWorker = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				err := database.WithTx(ctx, func(tx *sql.Tx) error {
					_, err := f.writer.Write(ctx, tx, entry(tenantA, "part.created", "part", fmt.Sprintf("P%d-%d", w, i)))
					return err
				})
				if err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent write: %v", err)
	}

	rows, err := database.QueryContext(ctx,
		`SELECT sequence_number FROM audit_entries WHERE tenant_id = ? ORDER BY sequence_number`, tenantA)
	require.NoError(t, err)
	defer rows.Close()
	var want int64 = 1
	for rows.Next() {
		var seq int64
		require.NoError(t, rows.Scan(&seq))
		require.Equal(t, want, seq)
		want++
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, int64(workers*perWorker+1), want)

	res, err := NewVerifier(database).Verify(ctx, tenantA, VerifyOptions{})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, int64(workers*perWorker), res.Checked)
}
