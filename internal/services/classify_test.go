package services

import (
	"testing"
	"time"
	"unicode/utf8"
)

func TestClassifyReviewTask_PriorityOrder(t *testing.T) {
	cases := []struct {
		name string
		want reviewKind
	}{
		{"[Rejected] login form", reviewRejected},
		{"[rejected] [scenario] both markers", reviewRejected},
		{"[Scenario] checkout flow QA", reviewScenario},
		{"[scenario] qa: still a scenario", reviewScenario},
		{"[QA] smoke suite", reviewQA},
		{"qa: regression pass", reviewQA},
		{"[Support] prod incident", reviewSupport},
		{"[qa] [support] qa wins", reviewQA},
		{"plain feature work", reviewNone},
		{"", reviewNone},
	}
	for _, c := range cases {
		if got := classifyReviewTask(c.name); got != c.want {
			t.Errorf("classifyReviewTask(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestStoryPointsFromEstimate(t *testing.T) {
	if got := storyPointsFromEstimate(3600000); got != 1 { t.Fatalf("1h = %v, want 1", got) }
	if got := storyPointsFromEstimate(5400000); got != 1.5 { t.Fatalf("1.5h = %v, want 1.5", got) }
	if got := storyPointsFromEstimate(0); got != 0 { t.Fatalf("zero estimate = %v, want 0", got) }
	if got := storyPointsFromEstimate(-100); got != 0 { t.Fatalf("negative estimate = %v, want 0", got) }
}

func TestFormatPercent(t *testing.T) {
	if got := formatPercent(50); got != "50%" { t.Fatalf("got %q, want 50%%", got) }
	if got := formatPercent(0); got != "0%" { t.Fatalf("got %q, want 0%%", got) }
	if got := formatPercent(100.0 / 3.0); got != "33.33%" { t.Fatalf("got %q, want 33.33%%", got) }
	if got := formatPercent(66.666); got != "66.67%" { t.Fatalf("got %q, want 66.67%%", got) }
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 3); got != "abc" { t.Fatalf("got %q", got) }
	if got := truncate("ab", 3); got != "ab" { t.Fatalf("got %q", got) }
	// Never cut through a multibyte rune.
	if got := truncate("Séprint", 2); got != "S" { t.Fatalf("got %q", got) }
	if got := truncate("спринт", 3); got != "с" { t.Fatalf("got %q", got) }
	if !utf8.ValidString(truncate("спринт 12", 5)) { t.Fatalf("invalid utf-8 after truncate") }
}

func TestDayBounds(t *testing.T) {
	ts := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	if got := dayStart(ts); !got.Equal(time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("dayStart = %v", got)
	}
	if got := dayEnd(ts); !got.Equal(time.Date(2025, 3, 14, 23, 59, 59, 0, time.UTC)) {
		t.Fatalf("dayEnd = %v", got)
	}
}

func TestChunk(t *testing.T) {
	got := chunk([]int{1, 2, 3, 4, 5}, 2)
	if len(got) != 3 { t.Fatalf("expected 3 chunks, got %d", len(got)) }
	if len(got[0]) != 2 || len(got[1]) != 2 || len(got[2]) != 1 { t.Fatalf("bad chunk sizes: %v", got) }
	if got[2][0] != 5 { t.Fatalf("bad tail chunk: %v", got[2]) }
	if chunk([]int{}, 2) != nil { t.Fatalf("empty input should yield nil") }
	if chunk([]int{1}, 0) != nil { t.Fatalf("zero size should yield nil") }
}
