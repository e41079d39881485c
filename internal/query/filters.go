package query

import (
	"strings"
	"time"

	"github.com/agentic-research/synapsd/internal/xerrors"
)

// Action selects which document timestamp a DatetimeFilter inspects.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Timeframe is a named relative window, resolved against a Clock.
type Timeframe string

const (
	TimeframeToday     Timeframe = "today"
	TimeframeYesterday Timeframe = "yesterday"
	TimeframeThisWeek  Timeframe = "thisWeek"
	TimeframeThisMonth Timeframe = "thisMonth"
	TimeframeThisYear  Timeframe = "thisYear"
)

// dateLayout is deliberately date-only (no time-of-day), so that the
// colon-delimited "datetime:<action>:range:<start>:<end>" string grammar
// stays unambiguous — a full RFC3339 timestamp's own colons would otherwise
// collide with the grammar's field separators.
const dateLayout = "2006-01-02"

// DatetimeFilter is one parsed "datetime:..." predicate (spec §6).
type DatetimeFilter struct {
	Action     Action
	Timeframe  Timeframe // zero value when RangeStart/RangeEnd carry an explicit range
	RangeStart time.Time
	RangeEnd   time.Time
}

func (f DatetimeFilter) isRange() bool {
	return !f.RangeStart.IsZero() || !f.RangeEnd.IsZero()
}

// Bounds resolves the filter to a concrete half-open [start, end) window,
// evaluating any relative Timeframe against now. Weeks start on Monday.
func (f DatetimeFilter) Bounds(now time.Time) (start, end time.Time) {
	if f.isRange() {
		return f.RangeStart, f.RangeEnd
	}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch f.Timeframe {
	case TimeframeToday:
		return dayStart, dayStart.AddDate(0, 0, 1)
	case TimeframeYesterday:
		return dayStart.AddDate(0, 0, -1), dayStart
	case TimeframeThisWeek:
		offset := int(now.Weekday()) - 1
		if offset < 0 {
			offset = 6 // Sunday: 6 days since Monday
		}
		weekStart := dayStart.AddDate(0, 0, -offset)
		return weekStart, weekStart.AddDate(0, 0, 7)
	case TimeframeThisMonth:
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return monthStart, monthStart.AddDate(0, 1, 0)
	case TimeframeThisYear:
		yearStart := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location())
		return yearStart, yearStart.AddDate(1, 0, 0)
	default:
		return time.Time{}, time.Time{}
	}
}

func validAction(a Action) bool {
	switch a {
	case ActionCreated, ActionUpdated, ActionDeleted:
		return true
	}
	return false
}

func validTimeframe(tf Timeframe) bool {
	switch tf {
	case TimeframeToday, TimeframeYesterday, TimeframeThisWeek, TimeframeThisMonth, TimeframeThisYear:
		return true
	}
	return false
}

// ParseDatetimeString parses "datetime:<action>:<timeframe>" or
// "datetime:<action>:range:<start>:<end>" (spec §6).
func ParseDatetimeString(s string) (DatetimeFilter, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 || parts[0] != "datetime" {
		return DatetimeFilter{}, xerrors.Validationf("query: malformed datetime filter %q", s)
	}
	action := Action(parts[1])
	if !validAction(action) {
		return DatetimeFilter{}, xerrors.Validationf("query: unknown datetime action %q", parts[1])
	}
	if parts[2] == "range" {
		if len(parts) != 5 {
			return DatetimeFilter{}, xerrors.Validationf("query: malformed datetime range filter %q", s)
		}
		start, err := time.Parse(dateLayout, parts[3])
		if err != nil {
			return DatetimeFilter{}, xerrors.Validationf("query: invalid range start %q: %v", parts[3], err)
		}
		end, err := time.Parse(dateLayout, parts[4])
		if err != nil {
			return DatetimeFilter{}, xerrors.Validationf("query: invalid range end %q: %v", parts[4], err)
		}
		return DatetimeFilter{Action: action, RangeStart: start, RangeEnd: end}, nil
	}
	tf := Timeframe(parts[2])
	if !validTimeframe(tf) {
		return DatetimeFilter{}, xerrors.Validationf("query: unknown timeframe %q", parts[2])
	}
	return DatetimeFilter{Action: action, Timeframe: tf}, nil
}

// ParseDatetimeObject parses the object form {type:'datetime', action,
// timeframe?, range?}. obj["type"] is assumed already checked by the caller.
func ParseDatetimeObject(obj map[string]any) (DatetimeFilter, error) {
	actionRaw, _ := obj["action"].(string)
	action := Action(actionRaw)
	if !validAction(action) {
		return DatetimeFilter{}, xerrors.Validationf("query: unknown datetime action %q", actionRaw)
	}
	if rangeRaw, ok := obj["range"]; ok {
		rangeMap, ok := rangeRaw.(map[string]any)
		if !ok {
			return DatetimeFilter{}, xerrors.Validationf("query: datetime range must be an object with start/end")
		}
		startStr, _ := rangeMap["start"].(string)
		endStr, _ := rangeMap["end"].(string)
		start, err := time.Parse(dateLayout, startStr)
		if err != nil {
			return DatetimeFilter{}, xerrors.Validationf("query: invalid range start %q: %v", startStr, err)
		}
		end, err := time.Parse(dateLayout, endStr)
		if err != nil {
			return DatetimeFilter{}, xerrors.Validationf("query: invalid range end %q: %v", endStr, err)
		}
		return DatetimeFilter{Action: action, RangeStart: start, RangeEnd: end}, nil
	}
	tfRaw, _ := obj["timeframe"].(string)
	tf := Timeframe(tfRaw)
	if !validTimeframe(tf) {
		return DatetimeFilter{}, xerrors.Validationf("query: unknown timeframe %q", tfRaw)
	}
	return DatetimeFilter{Action: action, Timeframe: tf}, nil
}

// ParseFilters splits filterArray into bitmap filter keys and datetime
// filters (spec §4.6 "Query" step 2). Each entry is a string or a
// map[string]any (the JSON object form).
func ParseFilters(filterArray []any) (bitmapKeys []string, datetimeFilters []DatetimeFilter, err error) {
	for _, raw := range filterArray {
		switch v := raw.(type) {
		case string:
			if strings.HasPrefix(v, "datetime:") {
				f, err := ParseDatetimeString(v)
				if err != nil {
					return nil, nil, err
				}
				datetimeFilters = append(datetimeFilters, f)
			} else {
				bitmapKeys = append(bitmapKeys, v)
			}
		case map[string]any:
			if t, _ := v["type"].(string); t == "datetime" {
				f, err := ParseDatetimeObject(v)
				if err != nil {
					return nil, nil, err
				}
				datetimeFilters = append(datetimeFilters, f)
			} else if key, ok := v["key"].(string); ok {
				bitmapKeys = append(bitmapKeys, key)
			} else {
				return nil, nil, xerrors.Validationf("query: filter object missing key")
			}
		default:
			return nil, nil, xerrors.Validationf("query: unsupported filter entry %v", raw)
		}
	}
	return bitmapKeys, datetimeFilters, nil
}
