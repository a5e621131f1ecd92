package repo

import (
	"context"

	"github.com/robbywh/perf-reporting/internal/domain"
)

// Read-side aggregation queries. All of these operate on already-synced rows;
// none of them touch the external APIs.

type SprintCapacity struct {
	SprintID    int64   `json:"sprintId"`
	SprintName  string  `json:"sprintName"`
	StoryPoints float64 `json:"storyPoints"`
	Baseline    float64 `json:"baseline"`
	Target      float64 `json:"target"`
	LeaveDays   int     `json:"leaveDays"`
	HolidayDays int     `json:"holidayDays"`
}

func (r *Repository) CapacityVsReality(ctx context.Context, sprintIDs []int64) ([]SprintCapacity, error) {
	if len(sprintIDs) == 0 { return nil, nil }
	const q = `
		SELECT s.id, s.name,
			COALESCE(SUM(se.story_points),0),
			COALESCE(SUM(se.baseline),0),
			COALESCE(SUM(se.target),0)
		FROM sprints s
		LEFT JOIN sprint_engineers se ON se.sprint_id = s.id
		WHERE s.id = ANY($1)
		GROUP BY s.id, s.name
		ORDER BY s.start_date`
	rows, err := r.db.Pool.Query(ctx, q, sprintIDs)
	if err != nil { return nil, err }
	defer rows.Close()
	var out []SprintCapacity
	for rows.Next() {
		var c SprintCapacity
		if err := rows.Scan(&c.SprintID, &c.SprintName, &c.StoryPoints, &c.Baseline, &c.Target); err != nil { return nil, err }
		out = append(out, c)
	}
	if err := rows.Err(); err != nil { return nil, err }

	leaves, err := r.countLeaveDays(ctx, sprintIDs)
	if err != nil { return nil, err }
	holidays, err := r.countHolidayDays(ctx, sprintIDs)
	if err != nil { return nil, err }
	for i := range out {
		out[i].LeaveDays = leaves[out[i].SprintID]
		out[i].HolidayDays = holidays[out[i].SprintID]
	}
	return out, nil
}

func (r *Repository) countLeaveDays(ctx context.Context, sprintIDs []int64) (map[int64]int, error) {
	const q = `
		SELECT se.sprint_id, COUNT(*)
		FROM sprint_engineers se
		JOIN sprints s ON s.id = se.sprint_id
		JOIN leaves l ON l.engineer_id = se.engineer_id AND l.date >= s.start_date AND l.date <= s.end_date
		WHERE se.sprint_id = ANY($1)
		GROUP BY 1`
	rows, err := r.db.Pool.Query(ctx, q, sprintIDs)
	if err != nil { return nil, err }
	defer rows.Close()
	out := map[int64]int{}
	for rows.Next() {
		var id int64
		var c int
		if err := rows.Scan(&id, &c); err != nil { return nil, err }
		out[id] = c
	}
	return out, rows.Err()
}

func (r *Repository) countHolidayDays(ctx context.Context, sprintIDs []int64) (map[int64]int, error) {
	const q = `
		SELECT s.id, COUNT(*)
		FROM sprints s
		JOIN public_holidays h ON h.organization_id = s.organization_id AND h.date >= s.start_date AND h.date <= s.end_date
		WHERE s.id = ANY($1)
		GROUP BY 1`
	rows, err := r.db.Pool.Query(ctx, q, sprintIDs)
	if err != nil { return nil, err }
	defer rows.Close()
	out := map[int64]int{}
	for rows.Next() {
		var id int64
		var c int
		if err := rows.Scan(&id, &c); err != nil { return nil, err }
		out[id] = c
	}
	return out, rows.Err()
}

type Performer struct {
	EngineerID     int64   `json:"engineerId"`
	Name           string  `json:"name"`
	AvgStoryPoints float64 `json:"avgStoryPoints"`
}

// TopPerformers averages story points over the requested sprint set; a sprint
// an engineer was not linked to counts as zero (divisor is len(sprintIDs)).
func (r *Repository) TopPerformers(ctx context.Context, sprintIDs []int64) ([]Performer, error) {
	if len(sprintIDs) == 0 { return nil, nil }
	const q = `
		SELECT e.id, e.name, SUM(se.story_points) / $2::float
		FROM sprint_engineers se
		JOIN engineers e ON e.id = se.engineer_id
		WHERE se.sprint_id = ANY($1)
		GROUP BY e.id, e.name
		ORDER BY 3 DESC, e.name`
	rows, err := r.db.Pool.Query(ctx, q, sprintIDs, len(sprintIDs))
	if err != nil { return nil, err }
	defer rows.Close()
	var out []Performer
	for rows.Next() {
		var p Performer
		if err := rows.Scan(&p.EngineerID, &p.Name, &p.AvgStoryPoints); err != nil { return nil, err }
		out = append(out, p)
	}
	return out, rows.Err()
}

type TrendPoint struct {
	SprintID     int64   `json:"sprintId"`
	SprintName   string  `json:"sprintName"`
	EngineerID   int64   `json:"engineerId"`
	EngineerName string  `json:"engineerName"`
	StoryPoints  float64 `json:"storyPoints"`
}

func (r *Repository) EngineerTrend(ctx context.Context, sprintIDs []int64) ([]TrendPoint, error) {
	if len(sprintIDs) == 0 { return nil, nil }
	const q = `
		SELECT s.id, s.name, e.id, e.name, se.story_points
		FROM sprint_engineers se
		JOIN sprints s ON s.id = se.sprint_id
		JOIN engineers e ON e.id = se.engineer_id
		WHERE se.sprint_id = ANY($1)
		ORDER BY s.start_date, se.story_points DESC, e.name`
	rows, err := r.db.Pool.Query(ctx, q, sprintIDs)
	if err != nil { return nil, err }
	defer rows.Close()
	var out []TrendPoint
	for rows.Next() {
		var t TrendPoint
		if err := rows.Scan(&t.SprintID, &t.SprintName, &t.EngineerID, &t.EngineerName, &t.StoryPoints); err != nil { return nil, err }
		out = append(out, t)
	}
	return out, rows.Err()
}

// SprintEngineerRows returns the rows present for one engineer across the
// sprint set. Missing sprints yield no row; the averages divisor is the
// caller's concern.
func (r *Repository) SprintEngineerRows(ctx context.Context, engineerID int64, sprintIDs []int64) ([]domain.SprintEngineer, error) {
	if len(sprintIDs) == 0 { return nil, nil }
	const q = `
		SELECT sprint_id, engineer_id, story_points, target, baseline, coding_hours, merged_count, mr_submitted, mr_rejected
		FROM sprint_engineers WHERE engineer_id=$1 AND sprint_id = ANY($2)`
	rows, err := r.db.Pool.Query(ctx, q, engineerID, sprintIDs)
	if err != nil { return nil, err }
	defer rows.Close()
	var out []domain.SprintEngineer
	for rows.Next() {
		var se domain.SprintEngineer
		if err := rows.Scan(&se.SprintID, &se.EngineerID, &se.StoryPoints, &se.Target, &se.Baseline, &se.CodingHours, &se.MergedCount, &se.MRSubmitted, &se.MRRejected); err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

type EngineerLine struct {
	domain.SprintEngineer
	Name string
}

func (r *Repository) SprintEngineersWithNames(ctx context.Context, sprintID int64) ([]EngineerLine, error) {
	const q = `
		SELECT se.sprint_id, se.engineer_id, se.story_points, se.target, se.baseline, se.coding_hours,
			se.merged_count, se.mr_submitted, se.mr_rejected, e.name
		FROM sprint_engineers se
		JOIN engineers e ON e.id = se.engineer_id
		WHERE se.sprint_id=$1
		ORDER BY e.name`
	rows, err := r.db.Pool.Query(ctx, q, sprintID)
	if err != nil { return nil, err }
	defer rows.Close()
	var out []EngineerLine
	for rows.Next() {
		var l EngineerLine
		if err := rows.Scan(&l.SprintID, &l.EngineerID, &l.StoryPoints, &l.Target, &l.Baseline, &l.CodingHours,
			&l.MergedCount, &l.MRSubmitted, &l.MRRejected, &l.Name); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// TaskFact is one assigned task with its vocabulary names, for in-Go
// classification of the report counters.
type TaskFact struct {
	EngineerID int64
	Category   string
	Status     string
}

// TaskFactsBySprint lists the sprint's assigned tasks; a non-nil categoryID
// narrows to one category.
func (r *Repository) TaskFactsBySprint(ctx context.Context, sprintID int64, categoryID *int64) ([]TaskFact, error) {
	const q = `
		SELECT ta.engineer_id, COALESCE(c.name,''), st.name
		FROM task_assignees ta
		JOIN tasks t ON t.id = ta.task_id AND t.sprint_id = ta.sprint_id
		JOIN statuses st ON st.id = t.status_id
		LEFT JOIN categories c ON c.id = t.category_id
		WHERE ta.sprint_id=$1 AND ($2::bigint IS NULL OR t.category_id=$2)`
	rows, err := r.db.Pool.Query(ctx, q, sprintID, categoryID)
	if err != nil { return nil, err }
	defer rows.Close()
	var out []TaskFact
	for rows.Next() {
		var f TaskFact
		if err := rows.Scan(&f.EngineerID, &f.Category, &f.Status); err != nil { return nil, err }
		out = append(out, f)
	}
	return out, rows.Err()
}

type ReviewerStat struct {
	TaskCount     int
	RejectedCount int
}

// ReviewerStatsByEngineer joins QA counters to engineers through the persisted
// reviewers.engineer_id link. Reviewers without a link contribute nothing.
func (r *Repository) ReviewerStatsByEngineer(ctx context.Context, sprintID int64) (map[int64]ReviewerStat, error) {
	const q = `
		SELECT rv.engineer_id, SUM(sr.task_count), SUM(sr.rejected_count)
		FROM sprint_reviewers sr
		JOIN reviewers rv ON rv.id = sr.reviewer_id
		WHERE sr.sprint_id=$1 AND rv.engineer_id IS NOT NULL
		GROUP BY rv.engineer_id`
	rows, err := r.db.Pool.Query(ctx, q, sprintID)
	if err != nil { return nil, err }
	defer rows.Close()
	out := map[int64]ReviewerStat{}
	for rows.Next() {
		var id int64
		var s ReviewerStat
		if err := rows.Scan(&id, &s.TaskCount, &s.RejectedCount); err != nil { return nil, err }
		out[id] = s
	}
	return out, rows.Err()
}

type ApprovedTask struct {
	SprintID   int64
	SprintName string
	Engineer   string
	TaskName   string
	StoryPoint float64
}

func (r *Repository) ApprovedTasks(ctx context.Context, sprintIDs []int64, categoryID *int64) ([]ApprovedTask, error) {
	if len(sprintIDs) == 0 { return nil, nil }
	const q = `
		SELECT s.id, s.name, e.name, t.name, t.story_point
		FROM tasks t
		JOIN sprints s ON s.id = t.sprint_id
		JOIN statuses st ON st.id = t.status_id
		JOIN task_assignees ta ON ta.task_id = t.id AND ta.sprint_id = t.sprint_id
		JOIN engineers e ON e.id = ta.engineer_id
		WHERE t.sprint_id = ANY($1) AND st.name ILIKE '%approved%'
			AND ($2::bigint IS NULL OR t.category_id=$2)
		ORDER BY s.start_date, e.name, t.name`
	rows, err := r.db.Pool.Query(ctx, q, sprintIDs, categoryID)
	if err != nil { return nil, err }
	defer rows.Close()
	var out []ApprovedTask
	for rows.Next() {
		var a ApprovedTask
		if err := rows.Scan(&a.SprintID, &a.SprintName, &a.Engineer, &a.TaskName, &a.StoryPoint); err != nil { return nil, err }
		out = append(out, a)
	}
	return out, rows.Err()
}
