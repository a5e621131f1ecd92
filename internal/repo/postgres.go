package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robbywh/perf-reporting/internal/config"
	"github.com/robbywh/perf-reporting/internal/domain"
	"github.com/rs/zerolog"
)

const (
	// Window for one task batch transaction and the max wait to acquire it.
	batchTxTimeout = 10 * time.Second
	batchTxAcquire = 5 * time.Second
)

type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

func MustOpen(ctx context.Context, cfg config.Config, log zerolog.Logger) *DB {
	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil { log.Fatal().Err(err).Msg("db connect failed") }
	ctx2, cancel := context.WithTimeout(ctx, 10*time.Second); defer cancel()
	if err := pool.Ping(ctx2); err != nil { log.Fatal().Err(err).Msg("db ping failed") }
	return &DB{Pool: pool, log: log}
}

func (d *DB) Close() { d.Pool.Close() }

type Repository struct {
	db  *DB
	log zerolog.Logger
}

func NewRepository(d *DB, log zerolog.Logger) *Repository { return &Repository{db: d, log: log} }

func (r *Repository) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var ok bool
	err := r.db.Pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok)
	return ok, err
}

func (r *Repository) AdvisoryUnlock(ctx context.Context, key int64) error {
	var ok bool
	err := r.db.Pool.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&ok)
	if !ok && err == nil { return errors.New("advisory unlock returned false") }
	return err
}

// IsStatementTimeout reports whether err is the Postgres query-cancel
// SQLSTATE (57014) or a blown batch deadline, the only conditions that
// trigger the chunked batch retry.
func IsStatementTimeout(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "57014" { return true }
	return errors.Is(err, context.DeadlineExceeded)
}

// WithBatchTx runs fn inside one transaction bounded by the batch timeout.
// Acquiring the transaction waits at most batchTxAcquire.
func (r *Repository) WithBatchTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	acquireCtx, cancelAcq := context.WithTimeout(ctx, batchTxAcquire)
	tx, err := r.db.Pool.Begin(acquireCtx)
	cancelAcq()
	if err != nil { return err }
	txCtx, cancel := context.WithTimeout(ctx, batchTxTimeout)
	defer cancel()
	defer func() { _ = tx.Rollback(context.Background()) }()
	if err := fn(txCtx, tx); err != nil { return err }
	return tx.Commit(txCtx)
}

// ---- Organizations & settings ----

func (r *Repository) ListOrganizations(ctx context.Context) ([]domain.Organization, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id, name FROM organizations ORDER BY id`)
	if err != nil { return nil, err }
	defer rows.Close()
	var out []domain.Organization
	for rows.Next() {
		var o domain.Organization
		if err := rows.Scan(&o.ID, &o.Name); err != nil { return nil, err }
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetOrgSettings loads the key/value settings rows for one organization into
// an explicit struct. Read once per sync invocation, never cached.
func (r *Repository) GetOrgSettings(ctx context.Context, orgID int64) (domain.OrgSettings, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT key, value FROM organization_settings WHERE organization_id=$1`, orgID)
	if err != nil { return domain.OrgSettings{}, err }
	defer rows.Close()
	s := domain.OrgSettings{OrganizationID: orgID}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil { return domain.OrgSettings{}, err }
		switch k {
		case "clickup_token": s.ClickUpToken = v
		case "clickup_base_url": s.ClickUpBaseURL = v
		case "clickup_folder_id": s.ClickUpFolderID = v
		case "gitlab_token": s.GitLabToken = v
		case "gitlab_base_url": s.GitLabBaseURL = v
		case "gitlab_group_ids":
			for _, g := range strings.Split(v, ",") {
				g = strings.TrimSpace(g)
				if g != "" { s.GitLabGroupIDs = append(s.GitLabGroupIDs, g) }
			}
		}
	}
	if s.ClickUpToken == "" || s.ClickUpFolderID == "" {
		return s, errors.New("organization settings incomplete: clickup_token and clickup_folder_id are required")
	}
	return s, rows.Err()
}

// ---- Reference vocabularies ----

// StatusMap returns lower-cased status name -> id, built once per sync run.
func (r *Repository) StatusMap(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id, name FROM statuses`)
	if err != nil { return nil, err }
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil { return nil, err }
		out[strings.ToLower(strings.TrimSpace(name))] = id
	}
	return out, rows.Err()
}

func (r *Repository) CategoryMap(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id, name FROM categories`)
	if err != nil { return nil, err }
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil { return nil, err }
		out[strings.ToLower(strings.TrimSpace(name))] = id
	}
	return out, rows.Err()
}

// TagsByName returns the curated tag vocabulary keyed by lower-cased name.
// Name is the authoritative key; the externally supplied id is incidental.
func (r *Repository) TagsByName(ctx context.Context) (map[string]domain.Tag, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id, name FROM tags`)
	if err != nil { return nil, err }
	defer rows.Close()
	out := map[string]domain.Tag{}
	for rows.Next() {
		var t domain.Tag
		if err := rows.Scan(&t.ID, &t.Name); err != nil { return nil, err }
		out[strings.ToLower(strings.TrimSpace(t.Name))] = t
	}
	return out, rows.Err()
}

func (r *Repository) EngineersByOrg(ctx context.Context, orgID int64) ([]domain.Engineer, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id, name, job_level_id, gitlab_user_id, organization_id FROM engineers WHERE organization_id=$1`, orgID)
	if err != nil { return nil, err }
	defer rows.Close()
	var out []domain.Engineer
	for rows.Next() {
		var e domain.Engineer
		if err := rows.Scan(&e.ID, &e.Name, &e.JobLevelID, &e.GitlabUserID, &e.OrganizationID); err != nil { return nil, err }
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) JobLevels(ctx context.Context) (map[int64]domain.JobLevel, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id, name, baseline_sp, target_sp, target_coding_hour FROM job_levels`)
	if err != nil { return nil, err }
	defer rows.Close()
	out := map[int64]domain.JobLevel{}
	for rows.Next() {
		var j domain.JobLevel
		if err := rows.Scan(&j.ID, &j.Name, &j.BaselineSP, &j.TargetSP, &j.TargetCodingHour); err != nil { return nil, err }
		out[j.ID] = j
	}
	return out, rows.Err()
}

func (r *Repository) Reviewers(ctx context.Context) ([]domain.Reviewer, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id, name, email, engineer_id FROM reviewers`)
	if err != nil { return nil, err }
	defer rows.Close()
	var out []domain.Reviewer
	for rows.Next() {
		var v domain.Reviewer
		if err := rows.Scan(&v.ID, &v.Name, &v.Email, &v.EngineerID); err != nil { return nil, err }
		out = append(out, v)
	}
	return out, rows.Err()
}

// LinkReviewerEngineer persists the reviewer->engineer identity link so report
// assembly never falls back to name comparison.
func (r *Repository) LinkReviewerEngineer(ctx context.Context, reviewerID, engineerID int64) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE reviewers SET engineer_id=$2 WHERE id=$1 AND engineer_id IS DISTINCT FROM $2`, reviewerID, engineerID)
	return err
}

// ---- Sprints ----

func (r *Repository) UpsertSprint(ctx context.Context, s domain.Sprint) error {
	const q = `
		INSERT INTO sprints(id, name, start_date, end_date, organization_id)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT(id) DO UPDATE SET
			name=EXCLUDED.name,
			start_date=EXCLUDED.start_date,
			end_date=EXCLUDED.end_date`
	_, err := r.db.Pool.Exec(ctx, q, s.ID, s.Name, s.StartDate, s.EndDate, s.OrganizationID)
	return err
}

func (r *Repository) GetSprint(ctx context.Context, id int64) (*domain.Sprint, error) {
	var s domain.Sprint
	err := r.db.Pool.QueryRow(ctx, `SELECT id, name, start_date, end_date, organization_id FROM sprints WHERE id=$1`, id).
		Scan(&s.ID, &s.Name, &s.StartDate, &s.EndDate, &s.OrganizationID)
	if err != nil { return nil, err }
	return &s, nil
}

func (r *Repository) SprintsByIDs(ctx context.Context, ids []int64) ([]domain.Sprint, error) {
	if len(ids) == 0 { return nil, nil }
	rows, err := r.db.Pool.Query(ctx, `SELECT id, name, start_date, end_date, organization_id FROM sprints WHERE id = ANY($1) ORDER BY start_date`, ids)
	if err != nil { return nil, err }
	defer rows.Close()
	var out []domain.Sprint
	for rows.Next() {
		var s domain.Sprint
		if err := rows.Scan(&s.ID, &s.Name, &s.StartDate, &s.EndDate, &s.OrganizationID); err != nil { return nil, err }
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) SprintIDsByOrg(ctx context.Context, orgID int64) ([]int64, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id FROM sprints WHERE organization_id=$1 ORDER BY start_date`, orgID)
	if err != nil { return nil, err }
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil { return nil, err }
		out = append(out, id)
	}
	return out, rows.Err()
}

// EnsureSprintEngineer creates the per-sprint row with target/baseline copied
// from the engineer's job level at link time. Existing rows are untouched.
func (r *Repository) EnsureSprintEngineer(ctx context.Context, sprintID, engineerID int64, target, baseline float64) error {
	const q = `
		INSERT INTO sprint_engineers(sprint_id, engineer_id, target, baseline)
		VALUES($1,$2,$3,$4)
		ON CONFLICT (sprint_id, engineer_id) DO NOTHING`
	_, err := r.db.Pool.Exec(ctx, q, sprintID, engineerID, target, baseline)
	return err
}

func (r *Repository) SetCodingHours(ctx context.Context, sprintID, engineerID int64, hours float64) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE sprint_engineers SET coding_hours=$3 WHERE sprint_id=$1 AND engineer_id=$2`, sprintID, engineerID, hours)
	return err
}

// ---- Task batch writes (inside one WithBatchTx scope) ----

// UpsertTaskTx writes one task row. Conflict on (id, sprint_id) overwrites
// everything except sprint_id.
func (r *Repository) UpsertTaskTx(ctx context.Context, tx pgx.Tx, t domain.Task) error {
	const q = `
		INSERT INTO tasks(id, sprint_id, name, status_id, category_id, parent_task_id, story_point, project_id)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id, sprint_id) DO UPDATE SET
			name=EXCLUDED.name,
			status_id=EXCLUDED.status_id,
			category_id=EXCLUDED.category_id,
			parent_task_id=EXCLUDED.parent_task_id,
			story_point=EXCLUDED.story_point`
	_, err := tx.Exec(ctx, q, t.ID, t.SprintID, t.Name, t.StatusID, t.CategoryID, t.ParentTaskID, t.StoryPoint, t.ProjectID)
	return err
}

func (r *Repository) BulkLinkTagsTx(ctx context.Context, tx pgx.Tx, links []domain.TaskTag) error {
	if len(links) == 0 { return nil }
	batch := &pgx.Batch{}
	const q = `INSERT INTO task_tags(task_id, sprint_id, tag_id) VALUES($1,$2,$3) ON CONFLICT DO NOTHING`
	for _, l := range links { batch.Queue(q, l.TaskID, l.SprintID, l.TagID) }
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range links { if _, err := br.Exec(); err != nil { return err } }
	return nil
}

// LinkAssigneeTx upserts the assignee join row, which carries the story
// points already credited through it. Returns the previously counted amount
// and whether the stored amount moved to due; the caller applies due-prev to
// the accumulator. A row whose counted amount already equals due is left
// untouched, so re-sync changes nothing.
func (r *Repository) LinkAssigneeTx(ctx context.Context, tx pgx.Tx, a domain.TaskAssignee, due float64) (float64, bool, error) {
	var got float64
	err := tx.QueryRow(ctx, `
		INSERT INTO task_assignees(task_id, sprint_id, engineer_id, counted_points)
		VALUES($1,$2,$3,$4)
		ON CONFLICT (task_id, sprint_id, engineer_id) DO NOTHING
		RETURNING counted_points`,
		a.TaskID, a.SprintID, a.EngineerID, due).Scan(&got)
	if err == nil { return 0, true, nil }
	if !errors.Is(err, pgx.ErrNoRows) { return 0, false, err }
	var prev float64
	if err := tx.QueryRow(ctx, `SELECT counted_points FROM task_assignees WHERE task_id=$1 AND sprint_id=$2 AND engineer_id=$3 FOR UPDATE`,
		a.TaskID, a.SprintID, a.EngineerID).Scan(&prev); err != nil { return 0, false, err }
	if prev == due { return prev, false, nil }
	if _, err := tx.Exec(ctx, `UPDATE task_assignees SET counted_points=$4 WHERE task_id=$1 AND sprint_id=$2 AND engineer_id=$3`,
		a.TaskID, a.SprintID, a.EngineerID, due); err != nil { return 0, false, err }
	return prev, true, nil
}

func (r *Repository) AddStoryPointsTx(ctx context.Context, tx pgx.Tx, sprintID, engineerID int64, sp float64) error {
	_, err := tx.Exec(ctx, `UPDATE sprint_engineers SET story_points = story_points + $3 WHERE sprint_id=$1 AND engineer_id=$2`,
		sprintID, engineerID, sp)
	return err
}

// LinkReviewerTx upserts the reviewer join row, which carries the review
// classification already credited through it. Returns the previously stored
// kind/weight and whether they changed; the caller debits the old
// classification and credits the new one.
func (r *Repository) LinkReviewerTx(ctx context.Context, tx pgx.Tx, v domain.TaskReviewer, kind string, weight float64) (string, float64, bool, error) {
	var gotKind string
	var gotWeight float64
	err := tx.QueryRow(ctx, `
		INSERT INTO task_reviewers(task_id, sprint_id, reviewer_id, counted_kind, counted_weight)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT (task_id, sprint_id, reviewer_id) DO NOTHING
		RETURNING counted_kind, counted_weight`,
		v.TaskID, v.SprintID, v.ReviewerID, kind, weight).Scan(&gotKind, &gotWeight)
	if err == nil { return "", 0, true, nil }
	if !errors.Is(err, pgx.ErrNoRows) { return "", 0, false, err }
	var prevKind string
	var prevWeight float64
	if err := tx.QueryRow(ctx, `SELECT counted_kind, counted_weight FROM task_reviewers WHERE task_id=$1 AND sprint_id=$2 AND reviewer_id=$3 FOR UPDATE`,
		v.TaskID, v.SprintID, v.ReviewerID).Scan(&prevKind, &prevWeight); err != nil { return "", 0, false, err }
	if prevKind == kind && prevWeight == weight { return prevKind, prevWeight, false, nil }
	if _, err := tx.Exec(ctx, `UPDATE task_reviewers SET counted_kind=$4, counted_weight=$5 WHERE task_id=$1 AND sprint_id=$2 AND reviewer_id=$3`,
		v.TaskID, v.SprintID, v.ReviewerID, kind, weight); err != nil { return "", 0, false, err }
	return prevKind, prevWeight, true, nil
}

func (r *Repository) IncReviewerCountersTx(ctx context.Context, tx pgx.Tx, sprintID, reviewerID int64, taskCount, rejected int, scenario float64, supported int) error {
	const q = `
		INSERT INTO sprint_reviewers(sprint_id, reviewer_id, task_count, rejected_count, scenario_count, supported_count)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (sprint_id, reviewer_id) DO UPDATE SET
			task_count      = sprint_reviewers.task_count + EXCLUDED.task_count,
			rejected_count  = sprint_reviewers.rejected_count + EXCLUDED.rejected_count,
			scenario_count  = sprint_reviewers.scenario_count + EXCLUDED.scenario_count,
			supported_count = sprint_reviewers.supported_count + EXCLUDED.supported_count`
	_, err := tx.Exec(ctx, q, sprintID, reviewerID, taskCount, rejected, scenario, supported)
	return err
}

// ---- Projects / backfill ----

func (r *Repository) UpsertProject(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO projects(name) VALUES($1)
		ON CONFLICT (name) DO UPDATE SET name=EXCLUDED.name
		RETURNING id`, name).Scan(&id)
	return id, err
}

func (r *Repository) UpdateTaskProject(ctx context.Context, taskID string, sprintID, projectID int64) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE tasks SET project_id=$3 WHERE id=$1 AND sprint_id=$2`, taskID, sprintID, projectID)
	return err
}

// ---- Merge requests ----

// RecordMergeRequest journals one MR per sprint and bumps the matching
// sprint_engineers counter only when the journal row is new.
func (r *Repository) RecordMergeRequest(ctx context.Context, sprintID, mrID, engineerID int64, state string) (bool, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil { return false, err }
	defer func() { _ = tx.Rollback(context.Background()) }()
	ct, err := tx.Exec(ctx, `INSERT INTO sprint_merge_requests(sprint_id, mr_id, engineer_id, state) VALUES($1,$2,$3,$4) ON CONFLICT DO NOTHING`,
		sprintID, mrID, engineerID, state)
	if err != nil { return false, err }
	if ct.RowsAffected() == 0 { return false, tx.Commit(ctx) }
	var col string
	switch state {
	case "merged": col = "merged_count"
	case "submitted": col = "mr_submitted"
	case "rejected": col = "mr_rejected"
	default:
		return false, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, `UPDATE sprint_engineers SET `+col+` = `+col+` + 1 WHERE sprint_id=$1 AND engineer_id=$2`, sprintID, engineerID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// ---- Sync runs ----

func (r *Repository) StartSyncRun(ctx context.Context) (int64, error) {
	var id int64
	err := r.db.Pool.QueryRow(ctx, `INSERT INTO sync_runs(started_at, success) VALUES(now(), false) RETURNING id`).Scan(&id)
	return id, err
}

func (r *Repository) FinishSyncRun(ctx context.Context, id int64, orgs, tasks int, success bool, errStr string) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE sync_runs SET finished_at=now(), orgs_processed=$2, tasks_updated=$3, success=$4, error=$5 WHERE id=$1`,
		id, orgs, tasks, success, errStr)
	return err
}

type LastRun struct {
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	OrgsProcessed int        `json:"orgs_processed"`
	TasksUpdated  int        `json:"tasks_updated"`
	Success       bool       `json:"success"`
	Error         string     `json:"error"`
}

func (r *Repository) GetLastRun(ctx context.Context) (*LastRun, error) {
	const q = `SELECT started_at, finished_at, orgs_processed, tasks_updated, success, coalesce(error,'')
		FROM sync_runs ORDER BY id DESC LIMIT 1`
	lr := &LastRun{}
	if err := r.db.Pool.QueryRow(ctx, q).Scan(&lr.StartedAt, &lr.FinishedAt, &lr.OrgsProcessed, &lr.TasksUpdated, &lr.Success, &lr.Error); err != nil {
		return nil, err
	}
	return lr, nil
}
