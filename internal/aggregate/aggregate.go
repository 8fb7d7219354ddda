package aggregate

import (
	"sort"
	"time"

	"github.com/dunamismax/metricflow/internal/domain"
	"golang.org/x/text/cases"
)

// Aggregate groups records by case-folded user name. Duration is
// end minus start, summed as-is. Output is sorted by user name.
func Aggregate(records []domain.RawRecord) []domain.UserMetric {
	fold := cases.Fold()
	byUser := make(map[string]*domain.UserMetric, len(records)/4+1)

	for _, rec := range records {
		name := fold.String(rec.UserName)
		ts := time.UnixMilli(rec.TimestampMS).UTC()
		duration := rec.EndMetric - rec.StartMetric

		m, ok := byUser[name]
		if !ok {
			byUser[name] = &domain.UserMetric{
				UserName:          name,
				TotalDuration:     duration,
				ActionCount:       1,
				FirstTimestampUTC: ts,
				LastTimestampUTC:  ts,
			}
			continue
		}

		m.TotalDuration += duration
		m.ActionCount++
		if ts.Before(m.FirstTimestampUTC) {
			m.FirstTimestampUTC = ts
		}
		if ts.After(m.LastTimestampUTC) {
			m.LastTimestampUTC = ts
		}
	}

	out := make([]domain.UserMetric, 0, len(byUser))
	for _, m := range byUser {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserName < out[j].UserName
	})
	return out
}
