package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"reportd/internal/cronspec"
	"reportd/internal/report"
)

// Column order shared by the SQL drivers. Times are unix milliseconds.
const reportColumns = `id, dashboard_id, dashboard_name, base_url, widgets, recurrence_type, cron_expression,
	time_of_day, start_at, end_at, is_active, recipients, last_run, last_failure, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(sc rowScanner) (report.Definition, error) {
	var (
		d                    report.Definition
		widgets, recipients  string
		kind                 string
		startMS, endMS       int64
		lastRun, lastFailure *int64
		createdMS, updatedMS int64
	)
	err := sc.Scan(
		&d.ID, &d.Dashboard.ID, &d.Dashboard.Name, &d.Dashboard.BaseURL, &widgets, &kind, &d.Recurrence.Expression,
		&d.Recurrence.TimeOfDay, &startMS, &endMS, &d.IsActive, &recipients, &lastRun, &lastFailure, &d.LastError,
		&createdMS, &updatedMS,
	)
	if err != nil {
		return report.Definition{}, err
	}
	d.Recurrence.Type = cronspec.Kind(kind)
	d.Window = report.Window{Start: fromMillis(startMS), End: fromMillis(endMS)}
	d.CreatedAt = fromMillis(createdMS)
	d.UpdatedAt = fromMillis(updatedMS)
	d.LastRun = fromMillisPtr(lastRun)
	d.LastFailure = fromMillisPtr(lastFailure)
	if d.Widgets, err = decodeList(widgets); err != nil {
		return report.Definition{}, fmt.Errorf("decode widgets: %w", err)
	}
	if d.Recipients, err = decodeList(recipients); err != nil {
		return report.Definition{}, fmt.Errorf("decode recipients: %w", err)
	}
	return d, nil
}

// definitionArgs returns bind values in reportColumns order.
func definitionArgs(d report.Definition, boolArg func(bool) any) ([]any, error) {
	widgets, err := encodeList(d.Widgets)
	if err != nil {
		return nil, err
	}
	recipients, err := encodeList(d.Recipients)
	if err != nil {
		return nil, err
	}
	return []any{
		d.ID, d.Dashboard.ID, d.Dashboard.Name, d.Dashboard.BaseURL, widgets, string(d.Recurrence.Type), d.Recurrence.Expression,
		d.Recurrence.TimeOfDay, toMillis(d.Window.Start), toMillis(d.Window.End), boolArg(d.IsActive), recipients,
		toMillisPtr(d.LastRun), toMillisPtr(d.LastFailure), d.LastError, toMillis(d.CreatedAt), toMillis(d.UpdatedAt),
	}, nil
}

// dialect captures the differences between the SQL drivers.
type dialect struct {
	placeholder func(i int) string // 1-based
	boolArg     func(bool) any
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	boolArg: func(b bool) any {
		if b {
			return 1
		}
		return 0
	},
}

var postgresDialect = dialect{
	placeholder: func(i int) string { return fmt.Sprintf("$%d", i) },
	boolArg:     func(b bool) any { return b },
}

func (dl dialect) placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = dl.placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

// where renders a filter as a WHERE clause (empty when the filter matches all).
func (dl dialect) where(f report.Filter, start int) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.IsActive != nil {
		args = append(args, dl.boolArg(*f.IsActive))
		conds = append(conds, "is_active = "+dl.placeholder(start+len(args)-1))
	}
	if f.EndAtOrBefore != nil {
		args = append(args, toMillis(*f.EndAtOrBefore))
		conds = append(conds, "end_at <= "+dl.placeholder(start+len(args)-1))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (dl dialect) insertSQL() string {
	return "INSERT INTO reports (" + reportColumns + ") VALUES (" + dl.placeholders(17) + ")"
}

func (dl dialect) updateSQL() string {
	cols := strings.Split(strings.ReplaceAll(reportColumns, "\n", ""), ",")
	sets := make([]string, 0, len(cols)-1)
	for i, c := range cols[1:] {
		sets = append(sets, strings.TrimSpace(c)+" = "+dl.placeholder(i+1))
	}
	return "UPDATE reports SET " + strings.Join(sets, ", ") + " WHERE id = " + dl.placeholder(len(cols))
}

// updateArgs reorders definitionArgs output for updateSQL (id goes last).
func updateArgs(args []any) []any {
	out := make([]any, 0, len(args))
	out = append(out, args[1:]...)
	return append(out, args[0])
}

func encodeList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func decodeList(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func toMillisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}
