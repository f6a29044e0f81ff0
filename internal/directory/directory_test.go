package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ziadkadry99/audit-trail/internal/audit"
	"github.com/ziadkadry99/audit-trail/internal/db"
	"github.com/ziadkadry99/audit-trail/internal/tenant"
)

const (
	tenantA = "11111111-1111-4111-8111-111111111111"
	tenantB = "22222222-2222-4222-8222-222222222222"
	actorID = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	userID  = "cccccccc-cccc-4ccc-8ccc-cccccccccccc"
)

var actor = tenant.Identity{TenantID: tenantA, UserID: actorID, IPAddress: "198.51.100.4"}

func setupTestStore(t *testing.T) (*Store, *db.DB) {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(database, audit.NewWriter(), nil), database
}

func history(t *testing.T, database *db.DB) []audit.Entry {
	t.Helper()
	page, err := audit.NewStore(database).EntityHistory(context.Background(), tenantA, "user", userID, audit.PageRequest{}, false)
	if err != nil {
		t.Fatalf("EntityHistory: %v", err)
	}
	return page.Rows
}

func TestPutCreatesAndAudits(t *testing.T) {
	store, database := setupTestStore(t)
	ctx := context.Background()

	u, receipt, err := store.Put(ctx, actor, userID, Profile{DisplayName: "Dana", Email: "dana@example.com"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if receipt == nil || receipt.SequenceNumber != 1 {
		t.Fatalf("expected receipt with sequence 1, got %+v", receipt)
	}
	if u.DisplayName != "Dana" || u.TenantID != tenantA {
		t.Errorf("unexpected user %+v", u)
	}

	entries := history(t, database)
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Action != "user.created" {
		t.Errorf("expected user.created, got %s", e.Action)
	}
	if e.UserID != actorID || e.IPAddress != "198.51.100.4" {
		t.Errorf("actor not recorded: %+v", e)
	}
	if !e.PreviousState.IsZero() {
		t.Errorf("expected no previous state, got %s", e.PreviousState.Bytes())
	}
	if got := e.NewState.Get("email").String(); got != "dana@example.com" {
		t.Errorf("expected email in new state, got %q", got)
	}
}

func TestPutRecordsOnlyChangedFields(t *testing.T) {
	store, database := setupTestStore(t)
	ctx := context.Background()

	if _, _, err := store.Put(ctx, actor, userID, Profile{DisplayName: "Dana", Email: "dana@example.com"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_, receipt, err := store.Put(ctx, actor, userID, Profile{DisplayName: "Dana Scully", Email: "dana@example.com"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if receipt == nil || receipt.SequenceNumber != 2 {
		t.Fatalf("expected receipt with sequence 2, got %+v", receipt)
	}

	entries := history(t, database)
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	upd := entries[1]
	if upd.Action != "user.updated" {
		t.Errorf("expected user.updated, got %s", upd.Action)
	}
	if keys := upd.NewState.Keys(); len(keys) != 1 || keys[0] != "displayName" {
		t.Errorf("expected only displayName to change, got %v", keys)
	}
	if got := upd.PreviousState.Get("displayName").String(); got != "Dana" {
		t.Errorf("expected previous name Dana, got %q", got)
	}

	got, err := store.Get(ctx, tenantA, userID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DisplayName != "Dana Scully" {
		t.Errorf("expected updated name, got %q", got.DisplayName)
	}
}

func TestPutUnchangedWritesNothing(t *testing.T) {
	store, database := setupTestStore(t)
	ctx := context.Background()
	p := Profile{DisplayName: "Dana"}

	if _, _, err := store.Put(ctx, actor, userID, p); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_, receipt, err := store.Put(ctx, actor, userID, p)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if receipt != nil {
		t.Errorf("expected no receipt, got %+v", receipt)
	}
	if n := len(history(t, database)); n != 1 {
		t.Errorf("expected 1 audit entry, got %d", n)
	}
}

type failingWriter struct{}

func (failingWriter) Write(context.Context, *sql.Tx, audit.NewEntry) (audit.Receipt, error) {
	return audit.Receipt{}, errors.New("audit store unavailable")
}

func TestPutRollsBackWhenAuditFails(t *testing.T) {
	_, database := setupTestStore(t)
	store := NewStore(database, failingWriter{}, nil)
	ctx := context.Background()

	if _, _, err := store.Put(ctx, actor, userID, Profile{DisplayName: "Dana"}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := store.Get(ctx, tenantA, userID); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected user to be rolled back, got %v", err)
	}
}

func TestPutValidation(t *testing.T) {
	store, _ := setupTestStore(t)
	_, _, err := store.Put(context.Background(), actor, "not-a-uuid", Profile{Email: "nope"})

	var verr *audit.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Fields) != 3 {
		t.Errorf("expected 3 field errors, got %+v", verr.Fields)
	}
}

func TestPutRejectsIDOfOtherTenant(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	if _, _, err := store.Put(ctx, actor, userID, Profile{DisplayName: "Dana"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	other := tenant.Identity{TenantID: tenantB}
	if _, _, err := store.Put(ctx, other, userID, Profile{DisplayName: "Eve"}); !errors.Is(err, ErrIDTaken) {
		t.Errorf("expected ErrIDTaken, got %v", err)
	}
	if _, err := store.Get(ctx, tenantB, userID); !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected not found for other tenant, got %v", err)
	}
}

func TestPutRoute(t *testing.T) {
	store, _ := setupTestStore(t)
	r := chi.NewRouter()
	r.Use(tenant.Middleware)
	RegisterRoutes(r, store)

	req := httptest.NewRequest(http.MethodPut, "/api/users/"+userID, strings.NewReader(`{"displayName":"Dana"}`))
	req.Header.Set(tenant.HeaderTenantID, tenantA)
	req.Header.Set(tenant.HeaderUserID, actorID)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp putResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Audit == nil || resp.Audit.SequenceNumber != 1 {
		t.Errorf("expected audit receipt, got %+v", resp.Audit)
	}

	req = httptest.NewRequest(http.MethodPut, "/api/users/"+userID, strings.NewReader(`{"displayName":"Dana"}`))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without tenant, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/users/"+userID, nil)
	req.Header.Set(tenant.HeaderTenantID, tenantA)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"displayName":"Dana"`) {
		t.Errorf("unexpected GET response %d: %s", rec.Code, rec.Body.String())
	}
}

func TestConcurrentPutsAreSerialized(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	store := NewStore(database, audit.NewWriter(), nil)

	const workers, perWorker = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := uuid.NewString()
				_, _, err := store.Put(context.Background(), actor, id, Profile{DisplayName: fmt.Sprintf("user %d-%d", w, i)})
				if err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	failed := 0
	for err := range errs {
		failed++
		t.Log(err)
	}
	if failed > 0 {
		t.Fatalf("%d of %d concurrent puts failed", failed, workers*perWorker)
	}

	page, err := audit.NewStore(database).List(context.Background(), tenantA, audit.Filters{}, audit.PageRequest{Limit: 500})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != workers*perWorker {
		t.Fatalf("expected %d audit entries, got %d", workers*perWorker, page.Total)
	}
	seen := make(map[int64]bool)
	for _, e := range page.Rows {
		seen[e.SequenceNumber] = true
	}
	for seq := int64(1); seq <= workers*perWorker; seq++ {
		if !seen[seq] {
			t.Errorf("sequence %d missing", seq)
		}
	}
}
