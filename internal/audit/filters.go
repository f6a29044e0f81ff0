package audit

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxTextFilterLen = 200

// ParseFilters validates query parameters into Filters. Every problem is
// reported in one *ValidationError; on error no filter is returned.
func ParseFilters(q url.Values) (Filters, error) {
	var f Filters
	verr := &ValidationError{}

	if v := strings.TrimSpace(q.Get("action")); v != "" {
		if !actionPattern.MatchString(v) {
			verr.Add("action", "must look like verb.noun, got %q", v)
		}
		f.Action = v
	}
	if v := strings.TrimSpace(q.Get("entityType")); v != "" {
		if !identifierPattern.MatchString(v) {
			verr.Add("entityType", "must be a lowercase identifier, got %q", v)
		}
		f.EntityType = v
	}
	f.EntityID = strings.TrimSpace(q.Get("entityId"))

	if v := strings.TrimSpace(q.Get("userId")); v != "" {
		if _, err := uuid.Parse(v); err != nil {
			verr.Add("userId", "must be a UUID")
		}
		f.UserID = v
	}

	if v := q.Get("dateFrom"); v != "" {
		t, err := parseDate(v, false)
		if err != nil {
			verr.Add("dateFrom", "must be RFC 3339 or YYYY-MM-DD")
		} else {
			f.DateFrom = &t
		}
	}
	if v := q.Get("dateTo"); v != "" {
		t, err := parseDate(v, true)
		if err != nil {
			verr.Add("dateTo", "must be RFC 3339 or YYYY-MM-DD")
		} else {
			f.DateTo = &t
		}
	}
	if f.DateFrom != nil && f.DateTo != nil && f.DateFrom.After(*f.DateTo) {
		verr.Add("dateFrom", "must not be after dateTo")
	}

	for _, name := range []string{"actorName", "entityName", "search"} {
		v := strings.TrimSpace(q.Get(name))
		if len(v) > maxTextFilterLen {
			verr.Add(name, "must be at most %d characters", maxTextFilterLen)
			continue
		}
		switch name {
		case "actorName":
			f.ActorName = v
		case "entityName":
			f.EntityName = v
		case "search":
			f.Search = v
		}
	}

	if v := q.Get("includeArchived"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			verr.Add("includeArchived", "must be a boolean")
		}
		f.IncludeArchived = b
	}

	if err := verr.OrNil(); err != nil {
		return Filters{}, err
	}
	return f, nil
}

// ParsePage validates page and limit. Absent values fall back to page 1 and
// defaultLimit.
func ParsePage(q url.Values, defaultLimit, maxLimit int) (PageRequest, error) {
	p := PageRequest{Page: 1, Limit: defaultLimit}
	verr := &ValidationError{}

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxPage {
			verr.Add("page", "must be an integer between 1 and %d", MaxPage)
		}
		p.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			verr.Add("limit", "must be an integer between 1 and %d", maxLimit)
		}
		p.Limit = n
	}

	if err := verr.OrNil(); err != nil {
		return PageRequest{}, err
	}
	return p, nil
}

// ParseGranularity validates the summary bucket size; empty means day.
func ParseGranularity(v string) (Granularity, error) {
	switch Granularity(v) {
	case "", GranularityDay:
		return GranularityDay, nil
	case GranularityWeek:
		return GranularityWeek, nil
	}
	verr := &ValidationError{}
	verr.Add("granularity", "must be one of day, week")
	return "", verr
}

// parseDate accepts RFC 3339 timestamps and plain dates. A plain date used
// as an upper bound covers the whole day.
func parseDate(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Microsecond)
	}
	return t, nil
}
