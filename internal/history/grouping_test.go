package history

import (
	"math/rand"
	"reflect"
	"testing"
	"time"
)

func unitAt(id string, ts time.Time) RevisionUnit {
	return RevisionUnit{EventID: id, Timestamp: ts, Content: RenderedContent{Body: id}}
}

func TestGroupByDayEmptyInput(testContext *testing.T) {
	sections := GroupByDay(nil, time.UTC)
	if sections == nil {
		testContext.Fatalf("expected empty non-nil sections")
	}
	if len(sections) != 0 {
		testContext.Fatalf("expected no sections, got %d", len(sections))
	}
}

func TestGroupByDayOrdersSectionsAndUnitsNewestFirst(testContext *testing.T) {
	units := []RevisionUnit{
		unitAt("$a", time.Date(2024, 3, 9, 23, 59, 0, 0, time.UTC)),
		unitAt("$b", time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC)),
		unitAt("$c", time.Date(2024, 3, 9, 0, 1, 0, 0, time.UTC)),
		unitAt("$d", time.Date(2024, 3, 11, 17, 30, 0, 0, time.UTC)),
		unitAt("$e", time.Date(2023, 12, 31, 12, 0, 0, 0, time.UTC)),
	}

	sections := GroupByDay(units, time.UTC)

	expectedDays := []string{"2024-03-11", "2024-03-09", "2023-12-31"}
	if len(sections) != len(expectedDays) {
		testContext.Fatalf("expected %d sections, got %d", len(expectedDays), len(sections))
	}
	for index, day := range expectedDays {
		if sections[index].Day.String() != day {
			testContext.Fatalf("expected section %d to be %s, got %s", index, day, sections[index].Day)
		}
	}
	if sections[0].Units[0].EventID != "$d" || sections[0].Units[1].EventID != "$b" {
		testContext.Fatalf("unexpected order in newest section: %+v", sections[0].Units)
	}
	if sections[1].Units[0].EventID != "$a" || sections[1].Units[1].EventID != "$c" {
		testContext.Fatalf("unexpected order in middle section: %+v", sections[1].Units)
	}
	assertOrdered(testContext, sections)
}

func TestGroupByDayUsesProvidedLocation(testContext *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	units := []RevisionUnit{
		unitAt("$late", time.Date(2024, 3, 9, 20, 0, 0, 0, time.UTC)),
		unitAt("$early", time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)),
	}

	if got := len(GroupByDay(units, time.UTC)); got != 1 {
		testContext.Fatalf("expected a single UTC day, got %d", got)
	}
	sections := GroupByDay(units, tokyo)
	if len(sections) != 2 {
		testContext.Fatalf("expected two JST days, got %d", len(sections))
	}
	if sections[0].Day.String() != "2024-03-10" {
		testContext.Fatalf("expected newest JST day 2024-03-10, got %s", sections[0].Day)
	}
}

func TestGroupByDayExcludesUnresolvableTimestamps(testContext *testing.T) {
	units := []RevisionUnit{
		unitAt("$dated", time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)),
		unitAt("$undated", time.Time{}),
	}

	sections := GroupByDay(units, time.UTC)
	if len(sections) != 1 || len(sections[0].Units) != 1 {
		testContext.Fatalf("expected one dated unit, got %+v", sections)
	}
	if sections[0].Units[0].EventID != "$dated" {
		testContext.Fatalf("unexpected unit %s", sections[0].Units[0].EventID)
	}
}

func TestGroupByDayIsDeterministicAcrossInputOrder(testContext *testing.T) {
	instant := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	units := []RevisionUnit{
		unitAt("$x", instant),
		unitAt("$y", instant),
		unitAt("$z", instant.Add(time.Minute)),
		{EventID: "$orig", Timestamp: instant, Original: true},
		unitAt("$w", instant.Add(-26*time.Hour)),
	}

	expected := GroupByDay(units, time.UTC)
	random := rand.New(rand.NewSource(7))
	for attempt := 0; attempt < 20; attempt++ {
		shuffled := append([]RevisionUnit(nil), units...)
		random.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		if got := GroupByDay(shuffled, time.UTC); !reflect.DeepEqual(expected, got) {
			testContext.Fatalf("grouping depends on input order:\nwant %+v\ngot  %+v", expected, got)
		}
	}

	newest := expected[0].Units
	if newest[len(newest)-1].EventID != "$orig" {
		testContext.Fatalf("expected original to sort after same-instant edits, got %+v", newest)
	}
	assertOrdered(testContext, expected)
}

func TestGroupByDayDoesNotMutateInput(testContext *testing.T) {
	units := []RevisionUnit{
		unitAt("$old", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)),
		unitAt("$new", time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)),
	}
	before := append([]RevisionUnit(nil), units...)

	GroupByDay(units, time.UTC)

	if !reflect.DeepEqual(before, units) {
		testContext.Fatalf("input was reordered: %+v", units)
	}
}

func assertOrdered(testContext *testing.T, sections []DaySection) {
	testContext.Helper()
	for index := 1; index < len(sections); index++ {
		if sections[index-1].Day.Compare(sections[index].Day) <= 0 {
			testContext.Fatalf("sections out of order at %d: %s then %s", index, sections[index-1].Day, sections[index].Day)
		}
	}
	for _, section := range sections {
		for index := 1; index < len(section.Units); index++ {
			if section.Units[index-1].Timestamp.Before(section.Units[index].Timestamp) {
				testContext.Fatalf("units out of order in %s at %d", section.Day, index)
			}
		}
	}
}
