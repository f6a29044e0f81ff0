package audit

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
)

// Granularity is the width of a summary time bucket.
type Granularity string

const (
	GranularityDay  Granularity = "day"
	GranularityWeek Granularity = "week"
)

// Severity grades an anomaly.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

const (
	topActionsLimit = 5
	anomalyLimit    = 5
	anomalyWindow   = 7 * 24 * time.Hour
)

type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

type EntityTypeCount struct {
	EntityType string `json:"entityType"`
	Count      int    `json:"count"`
}

type BucketCount struct {
	Bucket string `json:"bucket"`
	Count  int    `json:"count"`
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// Anomaly is a week-over-week increase in one action's frequency.
// PercentChange is nil when the previous window was empty.
type Anomaly struct {
	Action        string   `json:"action"`
	CurrentCount  int      `json:"currentCount"`
	PreviousCount int      `json:"previousCount"`
	Delta         int      `json:"delta"`
	PercentChange *int     `json:"percentChange"`
	Severity      Severity `json:"severity"`
}

// Summary aggregates the entries matching a filter set.
type Summary struct {
	Total                  int               `json:"total"`
	Granularity            Granularity       `json:"granularity"`
	ByAction               []ActionCount     `json:"byAction"`
	ByEntityType           []EntityTypeCount `json:"byEntityType"`
	ByTimeBucket           []BucketCount     `json:"byTimeBucket"`
	TopActions             []ActionCount     `json:"topActions"`
	StatusTransitionFunnel []StatusCount     `json:"statusTransitionFunnel"`
	RecentAnomalies        []Anomaly         `json:"recentAnomalies"`
}

// WindowCounts holds one action's counts in the current and previous window.
type WindowCounts struct {
	Current  int
	Previous int
}

// Summarize aggregates the tenant's entries matching f. The aggregates run
// concurrently inside one read transaction, so every figure comes from the
// same snapshot even while writers commit.
func (s *Store) Summarize(ctx context.Context, tenantID string, f Filters, g Granularity) (*Summary, error) {
	if tenantID == "" {
		return nil, ErrMissingTenant
	}
	if g == "" {
		g = GranularityDay
	}
	if g != GranularityDay && g != GranularityWeek {
		verr := &ValidationError{}
		verr.Add("granularity", "must be one of day, week")
		return nil, verr
	}
	defer s.metrics.observeQuery("summary", time.Now())

	pred := buildPredicate(tenantID, f, true)
	from := " FROM " + source(f.IncludeArchived) + " e" + userJoin

	sum := &Summary{Granularity: g}
	var days []BucketCount
	var windows map[string]WindowCounts

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("audit: beginning summary snapshot: %w", err)
	}
	defer tx.Rollback()

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		err := tx.QueryRowContext(ctx, "SELECT COUNT(*)"+from+pred.where(), pred.args...).Scan(&sum.Total)
		if err != nil {
			return fmt.Errorf("counting entries: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		var err error
		sum.ByAction, err = groupCounts(ctx, tx, "e.action", from, pred, func(k string, n int) ActionCount {
			return ActionCount{Action: k, Count: n}
		})
		return err
	})

	eg.Go(func() error {
		var err error
		sum.ByEntityType, err = groupCounts(ctx, tx, "e.entity_type", from, pred, func(k string, n int) EntityTypeCount {
			return EntityTypeCount{EntityType: k, Count: n}
		})
		return err
	})

	eg.Go(func() error {
		var err error
		days, err = groupCounts(ctx, tx, "substr(e.timestamp, 1, 10)", from, pred, func(k string, n int) BucketCount {
			return BucketCount{Bucket: k, Count: n}
		})
		return err
	})

	eg.Go(func() error {
		funnelPred := &predicate{
			clauses: append(append([]string{}, pred.clauses...), `e.action LIKE '%status\_changed' ESCAPE '\'`),
			args:    pred.args,
		}
		var err error
		sum.StatusTransitionFunnel, err = groupCounts(ctx, tx,
			"COALESCE(CAST(json_extract(e.new_state, '$.status') AS TEXT), 'unknown')", from, funnelPred,
			func(k string, n int) StatusCount { return StatusCount{Status: k, Count: n} })
		if err != nil {
			return err
		}
		sort.SliceStable(sum.StatusTransitionFunnel, func(i, j int) bool {
			return sum.StatusTransitionFunnel[i].Count > sum.StatusTransitionFunnel[j].Count
		})
		return nil
	})

	eg.Go(func() error {
		end := s.now().UTC()
		if f.DateTo != nil {
			end = f.DateTo.UTC()
		}
		var err error
		windows, err = windowCounts(ctx, tx, tenantID, f, end)
		return err
	})

	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("audit: summarizing tenant %s: %w", tenantID, err)
	}

	if g == GranularityWeek {
		sum.ByTimeBucket = foldWeeks(days)
	} else {
		sum.ByTimeBucket = days
	}
	sum.TopActions = TopActions(sum.ByAction, topActionsLimit)

	for action := range windows {
		if s.anomalyIgnored(action) {
			delete(windows, action)
		}
	}
	sum.RecentAnomalies = DetectAnomalies(windows)

	return sum, nil
}

// groupCounts runs "SELECT key, COUNT(*) ... GROUP BY key ORDER BY key".
// keyExpr is always a constant expression chosen by this package.
func groupCounts[T any](ctx context.Context, tx *sql.Tx, keyExpr, from string, pred *predicate, mk func(string, int) T) ([]T, error) {
	query := "SELECT " + keyExpr + " AS k, COUNT(*)" + from + pred.where() + " GROUP BY k ORDER BY k"
	rows, err := tx.QueryContext(ctx, query, pred.args...)
	if err != nil {
		return nil, fmt.Errorf("grouping by %s: %w", keyExpr, err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out = append(out, mk(k, n))
	}
	return out, rows.Err()
}

// windowCounts counts each action in (end-14d, end-7d] and (end-7d, end],
// applying every filter except the date range.
func windowCounts(ctx context.Context, tx *sql.Tx, tenantID string, f Filters, end time.Time) (map[string]WindowCounts, error) {
	pred := buildPredicate(tenantID, f, false)
	split := end.Add(-anomalyWindow)
	start := split.Add(-anomalyWindow)
	pred.add("e.timestamp > ?", FormatTimestamp(start))
	pred.add("e.timestamp <= ?", FormatTimestamp(end))

	query := "SELECT e.action," +
		" SUM(CASE WHEN e.timestamp > ? THEN 1 ELSE 0 END)," +
		" SUM(CASE WHEN e.timestamp <= ? THEN 1 ELSE 0 END)" +
		" FROM " + source(f.IncludeArchived) + " e" + userJoin + pred.where() +
		" GROUP BY e.action"
	args := append([]any{FormatTimestamp(split), FormatTimestamp(split)}, pred.args...)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("counting anomaly windows: %w", err)
	}
	defer rows.Close()

	out := make(map[string]WindowCounts)
	for rows.Next() {
		var action string
		var wc WindowCounts
		if err := rows.Scan(&action, &wc.Current, &wc.Previous); err != nil {
			return nil, err
		}
		out[action] = wc
	}
	return out, rows.Err()
}

func (s *Store) anomalyIgnored(action string) bool {
	for _, pattern := range s.ignoreActions {
		if ok, err := doublestar.Match(pattern, action); err == nil && ok {
			return true
		}
	}
	return false
}

// TopActions returns up to n actions ordered by count, highest first.
func TopActions(byAction []ActionCount, n int) []ActionCount {
	top := append([]ActionCount{}, byAction...)
	sort.SliceStable(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Action < top[j].Action
	})
	if len(top) > n {
		top = top[:n]
	}
	return top
}

// ClassifyAnomaly applies the week-over-week rules to one action. An
// increase is anomalous when it is a spike from zero (previous 0, current at
// least 5) or accelerated growth (delta at least 3 and at least 50% of the
// previous count).
func ClassifyAnomaly(action string, current, previous int) (Anomaly, bool) {
	delta := current - previous
	if delta <= 0 {
		return Anomaly{}, false
	}

	spike := previous == 0 && current >= 5
	growth := previous > 0 && delta >= 3 && float64(delta)/float64(previous) >= 0.5
	if !spike && !growth {
		return Anomaly{}, false
	}

	a := Anomaly{
		Action:        action,
		CurrentCount:  current,
		PreviousCount: previous,
		Delta:         delta,
		Severity:      SeverityMedium,
	}
	if previous == 0 {
		a.Severity = SeverityHigh
		return a, true
	}

	pct := int(math.Round(float64(delta) / float64(previous) * 100))
	a.PercentChange = &pct
	if pct >= 200 {
		a.Severity = SeverityHigh
	}
	return a, true
}

// DetectAnomalies classifies every action and returns the top anomalies by
// delta, then current count.
func DetectAnomalies(counts map[string]WindowCounts) []Anomaly {
	out := []Anomaly{}
	for action, wc := range counts {
		if a, ok := ClassifyAnomaly(action, wc.Current, wc.Previous); ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Delta != out[j].Delta {
			return out[i].Delta > out[j].Delta
		}
		if out[i].CurrentCount != out[j].CurrentCount {
			return out[i].CurrentCount > out[j].CurrentCount
		}
		return out[i].Action < out[j].Action
	})
	if len(out) > anomalyLimit {
		out = out[:anomalyLimit]
	}
	return out
}

// foldWeeks merges day buckets (YYYY-MM-DD) into ISO week buckets (YYYY-Www).
func foldWeeks(days []BucketCount) []BucketCount {
	totals := make(map[string]int)
	for _, d := range days {
		t, err := time.Parse(time.DateOnly, d.Bucket)
		if err != nil {
			continue
		}
		year, week := t.ISOWeek()
		totals[fmt.Sprintf("%04d-W%02d", year, week)] += d.Count
	}

	out := make([]BucketCount, 0, len(totals))
	for bucket, n := range totals {
		out = append(out, BucketCount{Bucket: bucket, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}
