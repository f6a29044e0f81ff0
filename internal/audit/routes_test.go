package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/audit-trail/internal/tenant"
)

func setupRouter(t *testing.T) (*fixture, *Checker, chi.Router) {
	t.Helper()
	f := newFixture(t)
	checker := NewChecker(context.Background(), NewVerifier(f.db))
	t.Cleanup(checker.Close)

	r := chi.NewRouter()
	r.Use(tenant.Middleware)
	RegisterRoutes(r, f.store, checker, nil)
	return f, checker, r
}

func doRequest(r http.Handler, method, path, tenantID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if tenantID != "" {
		req.Header.Set(tenant.HeaderTenantID, tenantID)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRoutesRequireTenant(t *testing.T) {
	_, _, r := setupRouter(t)

	for _, path := range []string{
		"/api/audit",
		"/api/audit/summary",
		"/api/audit/integrity",
		"/api/audit/some-id",
		"/api/audit?userId=bob",
	} {
		rec := doRequest(r, http.MethodGet, path, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String(), path)
	}
}

func TestListRoute(t *testing.T) {
	f, _, r := setupRouter(t)
	f.seedParts(t)

	rec := doRequest(r, http.MethodGet, "/api/audit?limit=2&entityType=part", tenantA)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data       []Entry `json:"data"`
		Pagination struct {
			Page, Limit, Total, Pages int
		} `json:"pagination"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Data, 2)
	assert.Equal(t, "P2", resp.Data[0].EntityID)
	assert.Equal(t, 1, resp.Pagination.Page)
	assert.Equal(t, 2, resp.Pagination.Limit)
	assert.Equal(t, 3, resp.Pagination.Total)
	assert.Equal(t, 2, resp.Pagination.Pages)
}

func TestListRouteEmptyDataIsArray(t *testing.T) {
	_, _, r := setupRouter(t)
	rec := doRequest(r, http.MethodGet, "/api/audit", tenantB)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestListRouteValidation(t *testing.T) {
	_, _, r := setupRouter(t)
	rec := doRequest(r, http.MethodGet, "/api/audit?userId=bob&dateFrom=soon&limit=9999", tenantA)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Error   string       `json:"error"`
		Details []FieldError `json:"details"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "validation_failed", resp.Error)

	var fields []string
	for _, d := range resp.Details {
		fields = append(fields, d.Field)
	}
	assert.ElementsMatch(t, []string{"userId", "dateFrom"}, fields)
}

func TestGetRoute(t *testing.T) {
	f, _, r := setupRouter(t)
	receipts := f.seedParts(t)

	rec := doRequest(r, http.MethodGet, "/api/audit/"+receipts[0].ID, tenantA)
	require.Equal(t, http.StatusOK, rec.Code)
	var e Entry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	assert.Equal(t, receipts[0].HashChain, e.HashChain)
	assert.Equal(t, "Bolt", e.NewState.Get("name").String())

	rec = doRequest(r, http.MethodGet, "/api/audit/"+receipts[0].ID, tenantB)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(r, http.MethodGet, "/api/audit/"+receipts[0].ID+"?includeArchived=perhaps", tenantA)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEntityHistoryRoute(t *testing.T) {
	f, _, r := setupRouter(t)
	f.seedParts(t)

	rec := doRequest(r, http.MethodGet, "/api/audit/entity/part/P1", tenantA)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp pageResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "part.created", resp.Data[0].Action)
	assert.Equal(t, 2, resp.Pagination.Total)
}

func TestSummaryRoute(t *testing.T) {
	f, _, r := setupRouter(t)
	f.seedParts(t)

	rec := doRequest(r, http.MethodGet, "/api/audit/summary?granularity=week&entityType=part", tenantA)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data    Summary `json:"data"`
		Filters Filters `json:"filters"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 3, resp.Data.Total)
	assert.Equal(t, GranularityWeek, resp.Data.Granularity)
	assert.Equal(t, "part", resp.Filters.EntityType)

	rec = doRequest(r, http.MethodGet, "/api/audit/summary?granularity=hourly", tenantA)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIntegrityRoutes(t *testing.T) {
	f, checker, r := setupRouter(t)
	f.seedParts(t)

	rec := doRequest(r, http.MethodGet, "/api/audit/integrity", tenantA)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"phase":"idle"`)

	rec = doRequest(r, http.MethodPost, "/api/audit/integrity", tenantA)
	require.Equal(t, http.StatusAccepted, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := checker.Wait(ctx, tenantA)
	require.NoError(t, err)

	rec = doRequest(r, http.MethodGet, "/api/audit/integrity", tenantA)
	require.Equal(t, http.StatusOK, rec.Code)
	var status CheckStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, PhaseDone, status.Phase)
	require.NotNil(t, status.Result)
	assert.True(t, status.Result.OK)
	assert.Equal(t, int64(3), status.Result.Checked)

	rec = doRequest(r, http.MethodPost, "/api/audit/integrity?resume=sometimes", tenantA)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIntegrityStream(t *testing.T) {
	f, checker, r := setupRouter(t)
	f.seedParts(t)

	ts := httptest.NewServer(r)
	defer ts.Close()

	_, err := checker.Start(tenantA, false)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = checker.Wait(ctx, tenantA)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/audit/integrity/stream"
	header := http.Header{}
	header.Set(tenant.HeaderTenantID, tenantA)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	var status CheckStatus
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, PhaseDone, status.Phase)
	assert.Equal(t, int64(3), status.Checked)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
