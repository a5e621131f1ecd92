package services

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// One story point is one hour of estimate; upstream reports milliseconds.
const msPerStoryPoint = 3600000.0

func storyPointsFromEstimate(ms int64) float64 {
	if ms <= 0 { return 0 }
	return float64(ms) / msPerStoryPoint
}

type reviewKind int

const (
	reviewNone reviewKind = iota
	reviewRejected
	reviewScenario
	reviewQA
	reviewSupport
)

// classifyReviewTask matches the task name against the review prefixes in
// priority order: rejected > scenario > qa > support. Scenario is checked
// before qa, so a "[Scenario] ... QA" name never counts as a QA task.
func classifyReviewTask(name string) reviewKind {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "[rejected]"):
		return reviewRejected
	case strings.Contains(n, "[scenario]"):
		return reviewScenario
	case strings.Contains(n, "[qa]") || strings.Contains(n, "qa:"):
		return reviewQA
	case strings.Contains(n, "[support]"):
		return reviewSupport
	}
	return reviewNone
}

func (k reviewKind) label() string {
	switch k {
	case reviewRejected:
		return "rejected"
	case reviewScenario:
		return "scenario"
	case reviewQA:
		return "qa"
	case reviewSupport:
		return "support"
	}
	return ""
}

// pointsDue is the story-point amount a task should have credited through an
// assignee link given its current approval state.
func pointsDue(approved bool, storyPoint float64) float64 {
	if !approved || storyPoint <= 0 { return 0 }
	return storyPoint
}

// reviewWeight is the counter weight of a classification: scenario authoring
// is weighted by story points, every other review kind counts once.
func reviewWeight(kind reviewKind, storyPoint float64) float64 {
	switch kind {
	case reviewNone:
		return 0
	case reviewScenario:
		return storyPoint
	}
	return 1
}

// reviewCounters expands a stored classification into its sprint_reviewers
// contribution. The buckets are mutually exclusive.
func reviewCounters(kind string, weight float64) (taskCount, rejected int, scenario float64, supported int) {
	switch kind {
	case "rejected":
		rejected = 1
	case "scenario":
		scenario = weight
	case "qa":
		taskCount = 1
	case "support":
		supported = 1
	}
	return
}

// reviewCounterDelta is the adjustment to apply when a reviewer link moves
// from one stored classification to another: debit the old, credit the new.
func reviewCounterDelta(prevKind string, prevWeight float64, kind string, weight float64) (int, int, float64, int) {
	pt, pr, ps, psup := reviewCounters(prevKind, prevWeight)
	nt, nr, ns, nsup := reviewCounters(kind, weight)
	return nt - pt, nr - pr, ns - ps, nsup - psup
}

// formatPercent renders a ratio already scaled to 0..100 with two decimals
// only when fractional: 33.333 -> "33.33%", 50.0 -> "50%".
func formatPercent(v float64) string {
	if v == math.Trunc(v) { return fmt.Sprintf("%d%%", int64(v)) }
	return fmt.Sprintf("%.2f%%", v)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n { return s }
	for n > 0 && !utf8.RuneStart(s[n]) { n-- }
	return s[:n]
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func dayEnd(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, time.UTC)
}

func chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 { return nil }
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) { end = len(items) }
		out = append(out, items[start:end])
	}
	return out
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), sub)
}
