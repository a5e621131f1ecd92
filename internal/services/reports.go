package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/robbywh/perf-reporting/internal/domain"
	"github.com/robbywh/perf-reporting/internal/repo"
	"github.com/robbywh/perf-reporting/internal/report"
)

// Read-side aggregation. Pure queries and folds over synced rows.

func (s *Service) CapacityVsReality(ctx context.Context, sprintIDs []int64) ([]repo.SprintCapacity, error) {
	return s.repo.CapacityVsReality(ctx, sprintIDs)
}

func (s *Service) TopPerformers(ctx context.Context, sprintIDs []int64) ([]repo.Performer, error) {
	return s.repo.TopPerformers(ctx, sprintIDs)
}

func (s *Service) EngineerTrend(ctx context.Context, sprintIDs []int64) ([]repo.TrendPoint, error) {
	return s.repo.EngineerTrend(ctx, sprintIDs)
}

type EngineerAverages struct {
	StoryPoints      float64 `json:"storyPoints"`
	Target           float64 `json:"target"`
	Baseline         float64 `json:"baseline"`
	CodingHours      float64 `json:"codingHours"`
	StoryPointHours  float64 `json:"storyPointHours"`
	TargetHours      float64 `json:"targetHours"`
	BaselineHours    float64 `json:"baselineHours"`
}

// EngineerAveragesFor divides by the number of requested sprint ids, not the
// number of rows present: a sprint the engineer was never linked to counts as
// zero. Hour equivalents follow the 1 SP == 1 hour conversion.
func (s *Service) EngineerAveragesFor(ctx context.Context, engineerID int64, sprintIDs []int64) (EngineerAverages, error) {
	var avg EngineerAverages
	if len(sprintIDs) == 0 { return avg, nil }
	rows, err := s.repo.SprintEngineerRows(ctx, engineerID, sprintIDs)
	if err != nil { return avg, err }
	avg = averageRows(rows, len(sprintIDs))
	return avg, nil
}

func averageRows(rows []domain.SprintEngineer, n int) EngineerAverages {
	var avg EngineerAverages
	if n <= 0 { return avg }
	for _, r := range rows {
		avg.StoryPoints += r.StoryPoints
		avg.Target += r.Target
		avg.Baseline += r.Baseline
		avg.CodingHours += r.CodingHours
	}
	d := float64(n)
	avg.StoryPoints /= d
	avg.Target /= d
	avg.Baseline /= d
	avg.CodingHours /= d
	avg.StoryPointHours = avg.StoryPoints
	avg.TargetHours = avg.Target
	avg.BaselineHours = avg.Baseline
	return avg
}

// ReportRowsForSprint assembles the per-engineer report lines for one sprint.
// A non-nil categoryID narrows the task buckets to that category; the
// sprint-level accumulators (points, MR and QA counters) are category-blind.
func (s *Service) ReportRowsForSprint(ctx context.Context, sprintID int64, categoryID *int64) ([]domain.ReportRow, error) {
	sp, err := s.repo.GetSprint(ctx, sprintID)
	if err != nil { return nil, err }
	lines, err := s.repo.SprintEngineersWithNames(ctx, sprintID)
	if err != nil { return nil, err }
	facts, err := s.repo.TaskFactsBySprint(ctx, sprintID, categoryID)
	if err != nil { return nil, err }
	revStats, err := s.repo.ReviewerStatsByEngineer(ctx, sprintID)
	if err != nil { return nil, err }

	byEng := map[int64][]repo.TaskFact{}
	for _, f := range facts { byEng[f.EngineerID] = append(byEng[f.EngineerID], f) }

	rows := make([]domain.ReportRow, 0, len(lines))
	for _, l := range lines {
		row := buildReportRow(sp.Name, l, byEng[l.EngineerID], revStats[l.EngineerID])
		rows = append(rows, row)
	}
	return rows, nil
}

func buildReportRow(sprintName string, l repo.EngineerLine, facts []repo.TaskFact, rev repo.ReviewerStat) domain.ReportRow {
	row := domain.ReportRow{
		EngineerID:  l.EngineerID,
		Name:        l.Name,
		Sprint:      sprintName,
		CodingHours: l.CodingHours,
		MRSubmitted: l.MRSubmitted,
		MRApproved:  l.MergedCount,
		MRRejected:  l.MRRejected,
	}
	for _, f := range facts {
		approved := containsFold(f.Status, "approved")
		dev := containsFold(f.Category, "development")
		support := containsFold(f.Category, "support")
		row.TotalTaken++
		switch {
		case approved && dev:
			row.DevelopmentApproved++
		case approved && support:
			row.SupportApproved++
		case !approved && dev:
			row.OngoingDevelopment++
		case !approved && support:
			row.OngoingSupport++
		}
		if !dev && !support { row.NonDevelopment++ }
		if approved { row.TotalApproved++ }
	}
	row.SPCompletion = ratioPercent(l.StoryPoints, l.Target)
	row.MRRejectionRatio = ratioPercent(float64(l.MRRejected), float64(l.MRSubmitted))
	row.TasksToQA = rev.TaskCount
	row.RejectedTasks = rev.RejectedCount
	row.QARejectionRatio = ratioPercent(float64(rev.RejectedCount), float64(rev.TaskCount))
	return row
}

// ratioPercent formats num/den as a percentage; a zero denominator is 0%,
// never a division error.
func ratioPercent(num, den float64) string {
	if den == 0 { return "0%" }
	return formatPercent(num / den * 100)
}

// ApprovedTasksMarkdown renders the approved-tasks report as a Markdown table.
func (s *Service) ApprovedTasksMarkdown(ctx context.Context, sprintIDs []int64, categoryID *int64) (string, error) {
	tasks, err := s.repo.ApprovedTasks(ctx, sprintIDs, categoryID)
	if err != nil { return "", err }
	if len(tasks) == 0 { return "No data available\n", nil }
	var b strings.Builder
	b.WriteString("| Sprint | Engineer | Task | SP |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, t := range tasks {
		name := strings.ReplaceAll(t.TaskName, "|", "\\|")
		fmt.Fprintf(&b, "| %s | %s | %s | %g |\n", t.SprintName, t.Engineer, name, t.StoryPoint)
	}
	return b.String(), nil
}

// DownloadWorkbook builds the spreadsheet: one sheet per sprint, ordered by
// the caller-supplied sprint-id order; unmatched ids keep their stored order
// and are appended after the matched ones.
func (s *Service) DownloadWorkbook(ctx context.Context, sprintIDs []int64, categoryID *int64) (*report.Workbook, error) {
	sprints, err := s.repo.SprintsByIDs(ctx, sprintIDs)
	if err != nil { return nil, err }
	sheets := make([]report.Sheet, 0, len(sprints))
	for _, sp := range sprints {
		rows, err := s.ReportRowsForSprint(ctx, sp.ID, categoryID)
		if err != nil { return nil, err }
		sheets = append(sheets, report.Sheet{SprintID: sp.ID, Name: sp.Name, Rows: rows})
	}
	return report.Build(sprintIDs, sheets)
}
