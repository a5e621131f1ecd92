package services

import (
	"testing"

	"github.com/robbywh/perf-reporting/internal/adapters/clickup"
	"github.com/robbywh/perf-reporting/internal/domain"
	"github.com/robbywh/perf-reporting/internal/repo"
	"github.com/stretchr/testify/require"
)

func TestAverageRows_DividesByRequestedSprints(t *testing.T) {
	rows := []domain.SprintEngineer{
		{StoryPoints: 10, Target: 8, Baseline: 6, CodingHours: 30},
		{StoryPoints: 6, Target: 8, Baseline: 6, CodingHours: 10},
	}
	// 4 sprints requested, only 2 rows present: missing sprints count as zero.
	avg := averageRows(rows, 4)
	require.Equal(t, 4.0, avg.StoryPoints)
	require.Equal(t, 4.0, avg.Target)
	require.Equal(t, 3.0, avg.Baseline)
	require.Equal(t, 10.0, avg.CodingHours)
	require.Equal(t, avg.StoryPoints, avg.StoryPointHours)
	require.Equal(t, avg.Target, avg.TargetHours)
	require.Equal(t, avg.Baseline, avg.BaselineHours)
}

func TestAverageRows_ZeroSprints(t *testing.T) {
	avg := averageRows(nil, 0)
	require.Equal(t, EngineerAverages{}, avg)
}

func TestRatioPercent(t *testing.T) {
	if got := ratioPercent(1, 0); got != "0%" { t.Fatalf("zero denominator: got %q", got) }
	if got := ratioPercent(1, 2); got != "50%" { t.Fatalf("got %q", got) }
	if got := ratioPercent(1, 3); got != "33.33%" { t.Fatalf("got %q", got) }
}

func TestBuildReportRow_Buckets(t *testing.T) {
	line := repo.EngineerLine{
		SprintEngineer: domain.SprintEngineer{
			EngineerID:  7,
			StoryPoints: 5,
			Target:      10,
			CodingHours: 12.5,
			MergedCount: 3,
			MRSubmitted: 4,
			MRRejected:  1,
		},
		Name: "Dina",
	}
	facts := []repo.TaskFact{
		{EngineerID: 7, Category: "Development", Status: "Approved"},
		{EngineerID: 7, Category: "Development", Status: "In Progress"},
		{EngineerID: 7, Category: "Support", Status: "Approved by QA"},
		{EngineerID: 7, Category: "Support", Status: "To Do"},
		{EngineerID: 7, Category: "", Status: "In Review"},
	}
	rev := repo.ReviewerStat{TaskCount: 3, RejectedCount: 1}

	row := buildReportRow("Sprint 12", line, facts, rev)
	require.Equal(t, "Dina", row.Name)
	require.Equal(t, "Sprint 12", row.Sprint)
	require.Equal(t, 5, row.TotalTaken)
	require.Equal(t, 1, row.DevelopmentApproved)
	require.Equal(t, 1, row.SupportApproved)
	require.Equal(t, 1, row.OngoingDevelopment)
	require.Equal(t, 1, row.OngoingSupport)
	require.Equal(t, 1, row.NonDevelopment)
	require.Equal(t, 2, row.TotalApproved)
	require.Equal(t, "50%", row.SPCompletion)
	require.Equal(t, 4, row.MRSubmitted)
	require.Equal(t, 3, row.MRApproved)
	require.Equal(t, 1, row.MRRejected)
	require.Equal(t, "25%", row.MRRejectionRatio)
	require.Equal(t, 3, row.TasksToQA)
	require.Equal(t, 1, row.RejectedTasks)
	require.Equal(t, "33.33%", row.QARejectionRatio)
}

func TestBuildReportRow_NoActivity(t *testing.T) {
	line := repo.EngineerLine{SprintEngineer: domain.SprintEngineer{EngineerID: 1}, Name: "Idle"}
	row := buildReportRow("Sprint 1", line, nil, repo.ReviewerStat{})
	require.Equal(t, 0, row.TotalTaken)
	require.Equal(t, "0%", row.SPCompletion)
	require.Equal(t, "0%", row.MRRejectionRatio)
	require.Equal(t, "0%", row.QARejectionRatio)
}

func TestFlattenParents(t *testing.T) {
	p := func(s string) *string { return &s }
	tasks := []clickup.RawTask{
		{ID: "a"},
		{ID: "b", Parent: p("a")},
		{ID: "c", Parent: p("b")},
		{ID: "d", Parent: p("zz")}, // parent outside the sprint stays as-is
	}
	var warned []string
	flattenParents(tasks, func(id string) { warned = append(warned, id) })

	if tasks[1].Parent == nil || *tasks[1].Parent != "a" { t.Fatalf("b parent = %v", tasks[1].Parent) }
	if tasks[2].Parent == nil || *tasks[2].Parent != "a" { t.Fatalf("c should flatten to a, got %v", *tasks[2].Parent) }
	if tasks[3].Parent == nil || *tasks[3].Parent != "zz" { t.Fatalf("d parent = %v", tasks[3].Parent) }
	if len(warned) != 1 || warned[0] != "c" { t.Fatalf("warned = %v, want [c]", warned) }
}

func TestFlattenParents_CycleTerminates(t *testing.T) {
	p := func(s string) *string { return &s }
	tasks := []clickup.RawTask{
		{ID: "a", Parent: p("b")},
		{ID: "b", Parent: p("a")},
	}
	flattenParents(tasks, func(string) {})
	// No assertion beyond termination: a cycle must not hang the sync.
}
