package history

import (
	"sort"
	"time"
)

// GroupByDay buckets units by calendar day in loc (time.Local when nil). Sections are
// ordered newest day first and units newest first within a section; equal timestamps
// are ordered by event id so the result depends only on the set of units. Units whose
// timestamp cannot be placed on a calendar day are left out. The input is not modified.
func GroupByDay(units []RevisionUnit, loc *time.Location) []DaySection {
	if len(units) == 0 {
		return []DaySection{}
	}
	if loc == nil {
		loc = time.Local
	}

	buckets := make(map[DayKey][]RevisionUnit)
	for _, unit := range units {
		day, ok := DayKeyOf(unit.Timestamp, loc)
		if !ok {
			continue
		}
		buckets[day] = append(buckets[day], unit)
	}

	sections := make([]DaySection, 0, len(buckets))
	for day, bucket := range buckets {
		sort.SliceStable(bucket, func(i, j int) bool {
			return unitNewer(bucket[i], bucket[j])
		})
		sections = append(sections, DaySection{Day: day, Units: bucket})
	}
	sort.Slice(sections, func(i, j int) bool {
		return sections[i].Day.Compare(sections[j].Day) > 0
	})
	return sections
}

func unitNewer(a, b RevisionUnit) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if a.Original != b.Original {
		// the original precedes every edit made in the same instant
		return !a.Original
	}
	return a.EventID > b.EventID
}
