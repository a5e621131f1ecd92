package services

import (
	"testing"

	"github.com/robbywh/perf-reporting/internal/adapters/clickup"
	"github.com/robbywh/perf-reporting/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPointsDue_ApprovedAfterFirstSync(t *testing.T) {
	// A task is usually linked while still in progress; the credit must land
	// once the status flips, as the difference against what was counted.
	counted := 0.0

	due := pointsDue(false, 5)
	require.Equal(t, 0.0, due-counted)
	counted = due

	due = pointsDue(true, 5)
	require.Equal(t, 5.0, due-counted)
	counted = due

	// Re-sync of the settled state credits nothing more.
	due = pointsDue(true, 5)
	require.Equal(t, 0.0, due-counted)
}

func TestPointsDue_ApprovalRevoked(t *testing.T) {
	counted := pointsDue(true, 3)
	due := pointsDue(false, 3)
	require.Equal(t, -3.0, due-counted)
}

func TestPointsDue_ZeroOrNegativeEstimate(t *testing.T) {
	require.Equal(t, 0.0, pointsDue(true, 0))
	require.Equal(t, 0.0, pointsDue(true, -1))
	require.Equal(t, 0.0, pointsDue(false, 4))
}

func TestReviewCounterDelta_RenamedToRejected(t *testing.T) {
	// "[rejected]" is typically appended to the name after the first sync.
	kind := classifyReviewTask("Login form").label()
	require.Equal(t, "", kind)

	next := classifyReviewTask("[Rejected] Login form")
	dt, dr, ds, dsup := reviewCounterDelta(kind, 0, next.label(), reviewWeight(next, 2))
	require.Equal(t, 0, dt)
	require.Equal(t, 1, dr)
	require.Equal(t, 0.0, ds)
	require.Equal(t, 0, dsup)
}

func TestReviewCounterDelta_QABecomesRejected(t *testing.T) {
	dt, dr, ds, dsup := reviewCounterDelta("qa", 1, "rejected", 1)
	require.Equal(t, -1, dt)
	require.Equal(t, 1, dr)
	require.Equal(t, 0.0, ds)
	require.Equal(t, 0, dsup)
}

func TestReviewCounterDelta_ScenarioReestimated(t *testing.T) {
	_, _, ds, _ := reviewCounterDelta("scenario", 3, "scenario", 5)
	require.Equal(t, 2.0, ds)
}

func TestReviewCounterDelta_MarkerRemoved(t *testing.T) {
	dt, dr, ds, dsup := reviewCounterDelta("support", 1, "", 0)
	require.Equal(t, 0, dt)
	require.Equal(t, 0, dr)
	require.Equal(t, 0.0, ds)
	require.Equal(t, -1, dsup)
}

func TestReviewCounterDelta_NoChange(t *testing.T) {
	dt, dr, ds, dsup := reviewCounterDelta("qa", 1, "qa", 1)
	require.Equal(t, 0, dt)
	require.Equal(t, 0, dr)
	require.Equal(t, 0.0, ds)
	require.Equal(t, 0, dsup)
}

func TestReviewWeight(t *testing.T) {
	require.Equal(t, 0.0, reviewWeight(reviewNone, 5))
	require.Equal(t, 5.0, reviewWeight(reviewScenario, 5))
	require.Equal(t, 1.0, reviewWeight(reviewQA, 5))
	require.Equal(t, 1.0, reviewWeight(reviewRejected, 5))
	require.Equal(t, 1.0, reviewWeight(reviewSupport, 5))
}

func TestClassifyBatchItems_ApprovalTransition(t *testing.T) {
	s := &Service{log: zerolog.Nop()}
	refs := &refData{
		statusMap:   map[string]int64{"in progress": 1, "approved": 2},
		approvedIDs: map[int64]bool{2: true},
		engineers:   map[int64]domain.Engineer{7: {ID: 7, Name: "Dina"}},
		reviewers:   map[int64]domain.Reviewer{},
	}
	sp := domain.Sprint{ID: 100}
	task := clickup.RawTask{
		ID: "t1", Name: "Login form", Status: clickup.RawStatus{Status: "In Progress"},
		TimeEstimate: 18000000, Assignees: []clickup.RawUser{{ID: 7, Username: "dina"}},
	}

	first := s.classifyBatchItems(sp, []clickup.RawTask{task}, refs)
	require.Len(t, first, 1)
	require.False(t, first[0].approved)
	require.Equal(t, 0.0, pointsDue(first[0].approved, first[0].task.StoryPoint))

	task.Status = clickup.RawStatus{Status: "Approved"}
	second := s.classifyBatchItems(sp, []clickup.RawTask{task}, refs)
	require.Len(t, second, 1)
	require.True(t, second[0].approved)
	require.Equal(t, 5.0, pointsDue(second[0].approved, second[0].task.StoryPoint))
}

func TestClassifyBatchItems_ReviewerFilter(t *testing.T) {
	s := &Service{log: zerolog.Nop()}
	refs := &refData{
		statusMap:   map[string]int64{"open": 1},
		approvedIDs: map[int64]bool{},
		engineers:   map[int64]domain.Engineer{},
		reviewers: map[int64]domain.Reviewer{
			20: {ID: 20, Name: "Quinn"},
			21: {ID: 21, Name: "Riko"},
		},
		reviewerFilter: map[int64]bool{21: true},
	}
	task := clickup.RawTask{
		ID: "t2", Name: "[QA] smoke", Status: clickup.RawStatus{Status: "open"},
		Assignees: []clickup.RawUser{{ID: 20}, {ID: 21}},
	}
	items := s.classifyBatchItems(domain.Sprint{ID: 100}, []clickup.RawTask{task}, refs)
	require.Len(t, items, 1)
	require.Equal(t, []int64{21}, items[0].reviewers)
}
