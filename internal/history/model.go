package history

import (
	"fmt"
	"time"
)

// DefaultPageSize is the number of revisions requested per fetch.
const DefaultPageSize = 30

// Cursor is an opaque continuation token issued by the fetch port. The empty cursor
// means "start from the newest edit" before the first fetch and "no more edits" after one.
type Cursor string

// IsZero reports whether the cursor is absent.
func (c Cursor) IsZero() bool {
	return c == ""
}

// String returns the raw token.
func (c Cursor) String() string {
	return string(c)
}

// RenderedContent is the display payload produced by the formatter.
type RenderedContent struct {
	SenderID string
	MsgType  string
	Body     string
	HTML     string
}

// RevisionUnit is one successfully formatted edit, or the original message when Original is set.
type RevisionUnit struct {
	EventID   string
	Timestamp time.Time
	Content   RenderedContent
	Original  bool
}

// DayKey identifies a calendar day with the time of day stripped.
type DayKey struct {
	Year  int
	Month time.Month
	Day   int
}

// DayKeyOf resolves the calendar day of ts in loc. It reports false for the zero time.
func DayKeyOf(ts time.Time, loc *time.Location) (DayKey, bool) {
	if ts.IsZero() {
		return DayKey{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	year, month, day := ts.In(loc).Date()
	return DayKey{Year: year, Month: month, Day: day}, true
}

// Compare returns -1, 0 or +1 depending on whether k is before, equal to or after other.
func (k DayKey) Compare(other DayKey) int {
	switch {
	case k.Year != other.Year:
		return compareInts(k.Year, other.Year)
	case k.Month != other.Month:
		return compareInts(int(k.Month), int(other.Month))
	default:
		return compareInts(k.Day, other.Day)
	}
}

// Time returns midnight of the day in loc.
func (k DayKey) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.Date(k.Year, k.Month, k.Day, 0, 0, 0, 0, loc)
}

func (k DayKey) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", k.Year, int(k.Month), k.Day)
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// DaySection groups the units of one calendar day, newest first.
type DaySection struct {
	Day   DayKey
	Units []RevisionUnit
}

// Phase enumerates the engine load states.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseLoaded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseLoaded:
		return "loaded"
	case PhaseFailed:
		return "error"
	default:
		return "unknown"
	}
}

// LoadState is the snapshot delivered to observers. Sections, AddedCount and
// AllDataLoaded are meaningful only in PhaseLoaded; Err only in PhaseFailed.
type LoadState struct {
	Phase         Phase
	Sections      []DaySection
	AddedCount    int
	AllDataLoaded bool
	Err           error
}

// UnitCount returns the number of units across all sections.
func (s LoadState) UnitCount() int {
	total := 0
	for _, section := range s.Sections {
		total += len(section.Units)
	}
	return total
}
