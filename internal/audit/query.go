package audit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Filters narrows list and summary queries. Zero values mean "no filter".
type Filters struct {
	Action          string     `json:"action,omitempty"`
	EntityType      string     `json:"entityType,omitempty"`
	EntityID        string     `json:"entityId,omitempty"`
	UserID          string     `json:"userId,omitempty"`
	DateFrom        *time.Time `json:"dateFrom,omitempty"`
	DateTo          *time.Time `json:"dateTo,omitempty"`
	ActorName       string     `json:"actorName,omitempty"`
	EntityName      string     `json:"entityName,omitempty"`
	Search          string     `json:"search,omitempty"`
	IncludeArchived bool       `json:"includeArchived"`
}

// PageRequest selects a page. Page is 1-based.
type PageRequest struct {
	Page  int
	Limit int
}

// Page is one page of entries plus the total over all pages.
type Page struct {
	Rows  []Entry
	Total int
	Page  int
	Limit int
}

// Pages returns the number of pages for the total.
func (p Page) Pages() int {
	if p.Limit <= 0 {
		return 0
	}
	return (p.Total + p.Limit - 1) / p.Limit
}

// MaxPage bounds page numbers so the row offset cannot overflow.
const MaxPage = 1_000_000_000

func (s *Store) normalizePage(p PageRequest) PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Page > MaxPage {
		p.Page = MaxPage
	}
	if p.Limit <= 0 {
		p.Limit = s.defaultLimit
	}
	if p.Limit > s.maxLimit {
		p.Limit = s.maxLimit
	}
	return p
}

// predicate is a WHERE clause with its positional arguments. User input only
// ever travels in args.
type predicate struct {
	clauses []string
	args    []any
}

func (p *predicate) add(clause string, args ...any) {
	p.clauses = append(p.clauses, clause)
	p.args = append(p.args, args...)
}

func (p *predicate) where() string {
	return " WHERE " + strings.Join(p.clauses, " AND ")
}

// buildPredicate translates filters into a predicate over the tier view e
// joined to users u. withDates=false leaves out the date range, which the
// anomaly windows replace with their own bounds.
func buildPredicate(tenantID string, f Filters, withDates bool) *predicate {
	p := &predicate{}
	p.add("e.tenant_id = ?", tenantID)

	if f.Action != "" {
		p.add("e.action = ?", f.Action)
	}
	if f.EntityType != "" {
		p.add("e.entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		p.add("e.entity_id = ?", f.EntityID)
	}
	if f.UserID != "" {
		p.add("e.user_id = ?", f.UserID)
	}
	if withDates && f.DateFrom != nil {
		p.add("e.timestamp >= ?", FormatTimestamp(*f.DateFrom))
	}
	if withDates && f.DateTo != nil {
		p.add("e.timestamp <= ?", FormatTimestamp(*f.DateTo))
	}
	if f.ActorName != "" {
		p.add(`casefold(u.display_name) LIKE ? ESCAPE '\'`, containsPattern(f.ActorName))
	}
	if f.EntityName != "" {
		p.add(`casefold(json_text(e.metadata)) LIKE ? ESCAPE '\'`, containsPattern(f.EntityName))
	}
	if f.Search != "" {
		pat := containsPattern(f.Search)
		p.add(`(casefold(e.action) LIKE ? ESCAPE '\'
			OR casefold(e.entity_type) LIKE ? ESCAPE '\'
			OR casefold(e.entity_id) LIKE ? ESCAPE '\'
			OR casefold(json_text(e.metadata)) LIKE ? ESCAPE '\')`, pat, pat, pat, pat)
	}
	return p
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds a substring LIKE pattern for a casefold()ed column,
// with the input's own wildcards escaped. Metadata is matched through
// json_text so escaped characters compare by their decoded value.
func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(s)) + "%"
}

// List returns the tenant's entries matching f, newest first.
func (s *Store) List(ctx context.Context, tenantID string, f Filters, p PageRequest) (*Page, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}
	defer s.metrics.observeQuery("list", time.Now())
	return s.page(ctx, tenantID, f, p, "e.timestamp DESC, e.sequence_number DESC")
}

// EntityHistory returns every entry about one entity, oldest first.
func (s *Store) EntityHistory(ctx context.Context, tenantID, entityType, entityID string, p PageRequest, includeArchived bool) (*Page, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}
	verr := &ValidationError{}
	if entityType == "" {
		verr.Add("entityType", "is required")
	}
	if entityID == "" {
		verr.Add("entityId", "is required")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	defer s.metrics.observeQuery("entity_history", time.Now())
	f := Filters{EntityType: entityType, EntityID: entityID, IncludeArchived: includeArchived}
	return s.page(ctx, tenantID, f, p, "e.timestamp ASC, e.sequence_number ASC")
}

// page runs the count and the row query in one read transaction so both see
// the same snapshot. With IncludeArchived the source is the union view, so
// LIMIT/OFFSET and the count apply to the combined tiers.
func (s *Store) page(ctx context.Context, tenantID string, f Filters, req PageRequest, orderBy string) (*Page, error) {
	req = s.normalizePage(req)
	pred := buildPredicate(tenantID, f, true)
	from := " FROM " + source(f.IncludeArchived) + " e" + userJoin

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("audit: beginning read: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*)"+from+pred.where(), pred.args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("audit: counting entries: %w", err)
	}

	query := "SELECT " + entryColumns + from + pred.where() + " ORDER BY " + orderBy + " LIMIT ? OFFSET ?"
	args := append(append([]any{}, pred.args...), req.Limit, (req.Page-1)*req.Limit)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: querying entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, req.Limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("audit: scanning entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: reading entries: %w", err)
	}

	return &Page{Rows: entries, Total: total, Page: req.Page, Limit: req.Limit}, nil
}
