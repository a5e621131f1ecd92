/* Copyright (c) 2025 perf-reporting authors
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/robbywh/perf-reporting/internal/adapters/clickup"
	"github.com/robbywh/perf-reporting/internal/adapters/gitlab"
	"github.com/robbywh/perf-reporting/internal/config"
	"github.com/robbywh/perf-reporting/internal/domain"
	"github.com/robbywh/perf-reporting/internal/repo"
	"github.com/rs/zerolog"
)

const sprintNameMax = 255

type TaskSource interface {
	FetchFolderLists(ctx context.Context, folderID string) ([]clickup.RawList, error)
	FetchTaskPage(ctx context.Context, listID string, page int) (clickup.TasksPage, error)
}

type CodeHost interface {
	FetchInRange(ctx context.Context, start, end time.Time, state string, groupIDs []string) []gitlab.MergeRequest
}

type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendMessagePlain(ctx context.Context, chatID int64, text string) error
}

// Clients are built per organization from its settings row, so tokens are
// never shared across tenants.
type TaskSourceFactory func(s domain.OrgSettings) TaskSource
type CodeHostFactory func(s domain.OrgSettings) CodeHost

type Service struct {
	cfg           config.Config
	log           zerolog.Logger
	repo          *repo.Repository
	newTaskSource TaskSourceFactory
	newCodeHost   CodeHostFactory
	tg            Notifier
}

func NewService(cfg config.Config, log zerolog.Logger, r *repo.Repository, ts TaskSourceFactory, ch CodeHostFactory, tg Notifier) *Service {
	return &Service{cfg: cfg, log: log, repo: r, newTaskSource: ts, newCodeHost: ch, tg: tg}
}

// refData holds the reference vocabularies built once per sync run.
type refData struct {
	statusMap   map[string]int64
	approvedIDs map[int64]bool
	categoryMap map[string]int64
	tags        map[string]domain.Tag
	engineers   map[int64]domain.Engineer
	reviewers   map[int64]domain.Reviewer
	jobLevels   map[int64]domain.JobLevel

	// reviewerFilter restricts QA counting to the requested reviewer ids;
	// empty means every known reviewer counts.
	reviewerFilter map[int64]bool
}

func (r *refData) reviewerAllowed(id int64) bool {
	if len(r.reviewerFilter) == 0 { return true }
	return r.reviewerFilter[id]
}

func (s *Service) loadRefs(ctx context.Context, orgID int64) (*refData, error) {
	statusMap, err := s.repo.StatusMap(ctx)
	if err != nil { return nil, fmt.Errorf("load statuses: %w", err) }
	approved := map[int64]bool{}
	for name, id := range statusMap {
		if strings.Contains(name, "approved") { approved[id] = true }
	}
	categoryMap, err := s.repo.CategoryMap(ctx)
	if err != nil { return nil, fmt.Errorf("load categories: %w", err) }
	tags, err := s.repo.TagsByName(ctx)
	if err != nil { return nil, fmt.Errorf("load tags: %w", err) }
	engineers, err := s.repo.EngineersByOrg(ctx, orgID)
	if err != nil { return nil, fmt.Errorf("load engineers: %w", err) }
	em := map[int64]domain.Engineer{}
	for _, e := range engineers { em[e.ID] = e }
	reviewers, err := s.repo.Reviewers(ctx)
	if err != nil { return nil, fmt.Errorf("load reviewers: %w", err) }
	rm := map[int64]domain.Reviewer{}
	for _, v := range reviewers { rm[v.ID] = v }
	levels, err := s.repo.JobLevels(ctx)
	if err != nil { return nil, fmt.Errorf("load job levels: %w", err) }
	return &refData{
		statusMap:   statusMap,
		approvedIDs: approved,
		categoryMap: categoryMap,
		tags:        tags,
		engineers:   em,
		reviewers:   rm,
		jobLevels:   levels,
	}, nil
}

type SyncSummary struct {
	OrganizationsProcessed int `json:"organizationsProcessed"`
	OrganizationsFailed    int `json:"organizationsFailed"`
	TasksUpdated           int `json:"tasksUpdated"`
}

// SyncAll processes every organization sequentially; one tenant's failure is
// logged and counted, never aborts the batch job. A non-empty reviewerIDs
// restricts QA counting to those reviewers.
func (s *Service) SyncAll(ctx context.Context, reviewerIDs []int64) (SyncSummary, error) {
	runID, err := s.repo.StartSyncRun(ctx)
	if err != nil { s.log.Error().Err(err).Msg("start sync run failed") }
	var sum SyncSummary
	var runErr error
	defer func() {
		if runID != 0 {
			errStr := ""
			if runErr != nil { errStr = runErr.Error() }
			_ = s.repo.FinishSyncRun(ctx, runID, sum.OrganizationsProcessed, sum.TasksUpdated, runErr == nil && sum.OrganizationsFailed == 0, errStr)
		}
	}()

	orgs, err := s.repo.ListOrganizations(ctx)
	if err != nil { runErr = err; return sum, err }
	for _, org := range orgs {
		n, err := s.SyncOrganization(ctx, org.ID, reviewerIDs)
		if err != nil {
			s.log.Error().Err(err).Int64("org", org.ID).Str("name", org.Name).Msg("organization sync failed")
			sum.OrganizationsFailed++
			continue
		}
		sum.OrganizationsProcessed++
		sum.TasksUpdated += n
	}
	s.notifySummary(ctx, sum)
	return sum, nil
}

func (s *Service) notifySummary(ctx context.Context, sum SyncSummary) {
	if s.tg == nil || len(s.cfg.TelegramChatIDs) == 0 { return }
	msg := fmt.Sprintf("*Sprint Sync*\nOrganizations: %d ok, %d failed\nTasks updated: %d",
		sum.OrganizationsProcessed, sum.OrganizationsFailed, sum.TasksUpdated)
	for _, chat := range s.cfg.TelegramChatIDs {
		err := s.tg.SendMessage(ctx, chat, msg)
		if err == nil { continue }
		// Markdown parse failures come back as 400s; retry without parse_mode.
		s.log.Warn().Err(err).Int64("chat", chat).Msg("telegram send failed, retrying plain")
		if err := s.tg.SendMessagePlain(ctx, chat, msg); err != nil {
			s.log.Error().Err(err).Int64("chat", chat).Msg("telegram send failed")
		}
	}
}

// SyncOrganization runs the full pipeline for one tenant: sprint upserts,
// engineer/reviewer linking, per-sprint task sync, merge request counters.
func (s *Service) SyncOrganization(ctx context.Context, orgID int64, reviewerIDs []int64) (int, error) {
	settings, err := s.repo.GetOrgSettings(ctx, orgID)
	if err != nil { return 0, err }
	src := s.newTaskSource(settings)

	sprints, err := s.syncSprints(ctx, src, settings)
	if err != nil { return 0, err }

	refs, err := s.loadRefs(ctx, orgID)
	if err != nil { return 0, err }
	refs.reviewerFilter = toSet(reviewerIDs)
	s.resolveReviewerLinks(ctx, refs)

	total := 0
	for _, sp := range sprints {
		s.linkSprintEngineers(ctx, sp.ID, refs)
		n, err := s.syncSprintTasks(ctx, src, sp, refs)
		total += n
		if err != nil { return total, fmt.Errorf("sprint %d: %w", sp.ID, err) }
		s.syncMergeRequests(ctx, settings, sp, refs)
	}
	return total, nil
}

// SyncSprint refreshes a single sprint for an organization.
func (s *Service) SyncSprint(ctx context.Context, orgID, sprintID int64, reviewerIDs []int64) (int, error) {
	settings, err := s.repo.GetOrgSettings(ctx, orgID)
	if err != nil { return 0, err }
	src := s.newTaskSource(settings)

	sprints, err := s.syncSprints(ctx, src, settings)
	if err != nil { return 0, err }
	var target *domain.Sprint
	for i := range sprints {
		if sprints[i].ID == sprintID { target = &sprints[i]; break }
	}
	if target == nil {
		// Not in the tracker folder anymore; fall back to the stored row.
		stored, err := s.repo.GetSprint(ctx, sprintID)
		if err != nil { return 0, fmt.Errorf("sprint %d not found: %w", sprintID, err) }
		target = stored
	}

	refs, err := s.loadRefs(ctx, orgID)
	if err != nil { return 0, err }
	refs.reviewerFilter = toSet(reviewerIDs)
	s.resolveReviewerLinks(ctx, refs)
	s.linkSprintEngineers(ctx, target.ID, refs)
	n, err := s.syncSprintTasks(ctx, src, *target, refs)
	if err != nil { return n, err }
	s.syncMergeRequests(ctx, settings, *target, refs)
	return n, nil
}

// syncSprints upserts the folder's sprint lists: name truncated, dates
// normalized to UTC day boundaries.
func (s *Service) syncSprints(ctx context.Context, src TaskSource, settings domain.OrgSettings) ([]domain.Sprint, error) {
	lists, err := src.FetchFolderLists(ctx, settings.ClickUpFolderID)
	if err != nil { return nil, fmt.Errorf("fetch sprint lists: %w", err) }
	var out []domain.Sprint
	for _, l := range lists {
		id, err := strconv.ParseInt(strings.TrimSpace(l.ID), 10, 64)
		if err != nil {
			s.log.Warn().Str("list", l.ID).Msg("sprint list id is not numeric, skipping")
			continue
		}
		start := clickup.ParseEpochMillis(l.StartDate)
		end := clickup.ParseEpochMillis(l.DueDate)
		if start.IsZero() || end.IsZero() {
			s.log.Warn().Int64("sprint", id).Msg("sprint list missing dates, skipping")
			continue
		}
		sp := domain.Sprint{
			ID:             id,
			Name:           truncate(strings.TrimSpace(l.Name), sprintNameMax),
			StartDate:      dayStart(start),
			EndDate:        dayEnd(end),
			OrganizationID: settings.OrganizationID,
		}
		if err := s.repo.UpsertSprint(ctx, sp); err != nil { return nil, fmt.Errorf("upsert sprint %d: %w", id, err) }
		out = append(out, sp)
	}
	return out, nil
}

// resolveReviewerLinks persists reviewer->engineer identity links by exact
// name match, once per run. Report queries join on the stored key only.
func (s *Service) resolveReviewerLinks(ctx context.Context, refs *refData) {
	byName := map[string]int64{}
	for _, e := range refs.engineers { byName[strings.TrimSpace(e.Name)] = e.ID }
	for id, rv := range refs.reviewers {
		if rv.EngineerID != nil { continue }
		engID, ok := byName[strings.TrimSpace(rv.Name)]
		if !ok { continue }
		if err := s.repo.LinkReviewerEngineer(ctx, rv.ID, engID); err != nil {
			s.log.Warn().Err(err).Int64("reviewer", rv.ID).Msg("reviewer link failed")
			continue
		}
		rv.EngineerID = &engID
		refs.reviewers[id] = rv
	}
}

// linkSprintEngineers creates sprint_engineers rows for every engineer of the
// organization, fan-out/await-all. These are pure row inserts, so unbounded
// concurrency across the engineer table is acceptable.
func (s *Service) linkSprintEngineers(ctx context.Context, sprintID int64, refs *refData) {
	var wg sync.WaitGroup
	for _, e := range refs.engineers {
		wg.Add(1)
		go func(e domain.Engineer) {
			defer wg.Done()
			var target, baseline float64
			if e.JobLevelID != nil {
				if jl, ok := refs.jobLevels[*e.JobLevelID]; ok {
					target, baseline = jl.TargetSP, jl.BaselineSP
				}
			}
			if err := s.repo.EnsureSprintEngineer(ctx, sprintID, e.ID, target, baseline); err != nil {
				s.log.Warn().Err(err).Int64("sprint", sprintID).Int64("engineer", e.ID).Msg("sprint engineer link failed")
			}
		}(e)
	}
	wg.Wait()
}

// syncSprintTasks pulls every page of the sprint list sequentially, then
// processes the tasks in bounded batches. A failing batch aborts the
// remaining batches; batches already committed stay committed.
func (s *Service) syncSprintTasks(ctx context.Context, src TaskSource, sp domain.Sprint, refs *refData) (int, error) {
	var raw []clickup.RawTask
	for page := 0; ; page++ {
		res, err := src.FetchTaskPage(ctx, strconv.FormatInt(sp.ID, 10), page)
		if err != nil { return 0, fmt.Errorf("fetch tasks page %d: %w", page, err) }
		raw = append(raw, res.Tasks...)
		if res.LastPage { break }
	}

	malformed := 0
	valid := raw[:0]
	for _, t := range raw {
		if !t.Valid() { malformed++; continue }
		valid = append(valid, t)
	}
	if malformed > 0 {
		s.log.Warn().Int64("sprint", sp.ID).Int("count", malformed).Msg("malformed tasks quarantined")
	}
	flattenParents(valid, func(id string) {
		s.log.Warn().Str("task", id).Int64("sprint", sp.ID).Msg("nested deeper than one level, parent flattened")
	})

	items := s.classifyBatchItems(sp, valid, refs)

	batchSize := s.cfg.BatchSize
	if batchSize <= 0 { batchSize = 25 }
	retryChunk := s.cfg.RetryChunk
	if retryChunk <= 0 { retryChunk = 10 }

	upserted := 0
	for _, batch := range chunk(items, batchSize) {
		err := s.processBatch(ctx, sp, batch, refs)
		if repo.IsStatementTimeout(err) {
			// Smaller unit of work on contention; one level of chunking only.
			s.log.Warn().Err(err).Int64("sprint", sp.ID).Int("batch", len(batch)).Msg("batch timed out, retrying in chunks")
			for _, piece := range chunk(batch, retryChunk) {
				if err := s.processBatch(ctx, sp, piece, refs); err != nil { return upserted, err }
				upserted += len(piece)
			}
			continue
		}
		if err != nil { return upserted, err }
		upserted += len(batch)
	}
	return upserted, nil
}

// flattenParents enforces single-level nesting at the ingestion boundary:
// a task whose parent is itself a subtask is re-pointed at the top ancestor.
func flattenParents(tasks []clickup.RawTask, warn func(id string)) {
	parentOf := map[string]*string{}
	for i := range tasks { parentOf[tasks[i].ID] = tasks[i].Parent }
	for i := range tasks {
		p := tasks[i].Parent
		if p == nil { continue }
		hops := 0
		top := *p
		for {
			gp, ok := parentOf[top]
			if !ok || gp == nil { break }
			top = *gp
			hops++
			if hops > len(tasks) { break } // cycle guard
		}
		if hops > 0 {
			warn(tasks[i].ID)
			tasks[i].Parent = &top
		}
	}
}

type batchItem struct {
	task      domain.Task
	approved  bool
	kind      reviewKind
	tagIDs    []int64
	engineers []int64
	reviewers []int64
}

// classifyBatchItems resolves every raw task against the vocabularies. Tasks
// with an unmapped status are dropped here and never reach the database.
func (s *Service) classifyBatchItems(sp domain.Sprint, raw []clickup.RawTask, refs *refData) []batchItem {
	var items []batchItem
	for _, rt := range raw {
		statusName := strings.ToLower(strings.TrimSpace(rt.Status.Status))
		statusID, ok := refs.statusMap[statusName]
		if !ok {
			s.log.Debug().Str("task", rt.ID).Str("status", rt.Status.Status).Msg("unmapped status, task dropped")
			continue
		}
		it := batchItem{
			task: domain.Task{
				ID:           rt.ID,
				SprintID:     sp.ID,
				Name:         rt.Name,
				StatusID:     statusID,
				ParentTaskID: rt.Parent,
				StoryPoint:   storyPointsFromEstimate(rt.TimeEstimate),
			},
			approved: refs.approvedIDs[statusID],
			kind:     classifyReviewTask(rt.Name),
		}
		if cat := clickup.FieldFirstValue(rt.CustomFields, "Kategori"); cat != "" {
			if id, ok := refs.categoryMap[strings.ToLower(cat)]; ok {
				it.task.CategoryID = &id
			}
		}
		for _, tag := range rt.Tags {
			// Curated vocabulary: unknown tag names are skipped, never created.
			if t, ok := refs.tags[strings.ToLower(strings.TrimSpace(tag.Name))]; ok {
				it.tagIDs = append(it.tagIDs, t.ID)
			}
		}
		for _, a := range rt.Assignees {
			// Assignees, reviewers and PMs share the external identity space;
			// only ids present in the respective tables count.
			if _, ok := refs.engineers[a.ID]; ok { it.engineers = append(it.engineers, a.ID) }
			if _, ok := refs.reviewers[a.ID]; ok && refs.reviewerAllowed(a.ID) { it.reviewers = append(it.reviewers, a.ID) }
		}
		if len(it.engineers) == 0 && len(rt.Assignees) > 0 {
			s.log.Debug().Str("task", rt.ID).Msg("no known engineer among assignees")
		}
		items = append(items, it)
	}
	return items
}

// processBatch writes one batch inside a single bounded transaction, in
// foreign-key order: tasks, then tags, then assignees, then reviewers.
func (s *Service) processBatch(ctx context.Context, sp domain.Sprint, batch []batchItem, refs *refData) error {
	return s.repo.WithBatchTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, it := range batch {
			if err := s.repo.UpsertTaskTx(ctx, tx, it.task); err != nil { return err }
		}
		var tagLinks []domain.TaskTag
		for _, it := range batch {
			for _, tagID := range it.tagIDs {
				tagLinks = append(tagLinks, domain.TaskTag{TaskID: it.task.ID, SprintID: sp.ID, TagID: tagID})
			}
		}
		if err := s.repo.BulkLinkTagsTx(ctx, tx, tagLinks); err != nil { return err }
		for _, it := range batch {
			// The link row carries the points already credited; applying
			// due-prev means a task approved after its first sync still
			// lands, and re-running over settled tasks changes nothing.
			due := pointsDue(it.approved, it.task.StoryPoint)
			for _, engID := range it.engineers {
				prev, changed, err := s.repo.LinkAssigneeTx(ctx, tx, domain.TaskAssignee{TaskID: it.task.ID, SprintID: sp.ID, EngineerID: engID}, due)
				if err != nil { return err }
				if !changed || due == prev { continue }
				if err := s.repo.AddStoryPointsTx(ctx, tx, sp.ID, engID, due-prev); err != nil { return err }
			}
		}
		for _, it := range batch {
			kind := it.kind.label()
			weight := reviewWeight(it.kind, it.task.StoryPoint)
			for _, revID := range it.reviewers {
				prevKind, prevWeight, changed, err := s.repo.LinkReviewerTx(ctx, tx, domain.TaskReviewer{TaskID: it.task.ID, SprintID: sp.ID, ReviewerID: revID}, kind, weight)
				if err != nil { return err }
				if !changed { continue }
				dt, dr, ds, dsup := reviewCounterDelta(prevKind, prevWeight, kind, weight)
				if dt == 0 && dr == 0 && ds == 0 && dsup == 0 { continue }
				if err := s.repo.IncReviewerCountersTx(ctx, tx, sp.ID, revID, dt, dr, ds, dsup); err != nil { return err }
			}
		}
		return nil
	})
}

// syncMergeRequests counts the sprint window's merge requests per engineer,
// matched by gitlab_user_id. Partial results are fine; failures never abort
// the sprint sync.
func (s *Service) syncMergeRequests(ctx context.Context, settings domain.OrgSettings, sp domain.Sprint, refs *refData) {
	if len(settings.GitLabGroupIDs) == 0 { return }
	host := s.newCodeHost(settings)
	byGitlab := map[int64]int64{}
	for _, e := range refs.engineers {
		if e.GitlabUserID != nil { byGitlab[*e.GitlabUserID] = e.ID }
	}
	if len(byGitlab) == 0 { return }
	states := []struct{ query, label string }{
		{"all", "submitted"},
		{"merged", "merged"},
		{"closed", "rejected"},
	}
	for _, st := range states {
		mrs := host.FetchInRange(ctx, sp.StartDate, sp.EndDate, st.query, settings.GitLabGroupIDs)
		for _, mr := range mrs {
			engID, ok := byGitlab[mr.AssigneeID()]
			if !ok { continue }
			if _, err := s.repo.RecordMergeRequest(ctx, sp.ID, mr.ID, engID, st.label); err != nil {
				s.log.Warn().Err(err).Int64("sprint", sp.ID).Int64("mr", mr.ID).Msg("merge request record failed")
			}
		}
	}
}

// BackfillProjects re-reads every stored sprint's tasks from the tracker and
// fills in the project id derived from the "Project" custom field.
func (s *Service) BackfillProjects(ctx context.Context, orgID int64) (int, error) {
	settings, err := s.repo.GetOrgSettings(ctx, orgID)
	if err != nil { return 0, err }
	src := s.newTaskSource(settings)
	sprintIDs, err := s.repo.SprintIDsByOrg(ctx, orgID)
	if err != nil { return 0, err }

	updated := 0
	projectIDs := map[string]int64{}
	for _, sprintID := range sprintIDs {
		for page := 0; ; page++ {
			res, err := src.FetchTaskPage(ctx, strconv.FormatInt(sprintID, 10), page)
			if err != nil { return updated, fmt.Errorf("sprint %d page %d: %w", sprintID, page, err) }
			for _, rt := range res.Tasks {
				name := clickup.FieldFirstValue(rt.CustomFields, "Project")
				if name == "" || rt.ID == "" { continue }
				pid, ok := projectIDs[name]
				if !ok {
					pid, err = s.repo.UpsertProject(ctx, name)
					if err != nil { return updated, err }
					projectIDs[name] = pid
				}
				if err := s.repo.UpdateTaskProject(ctx, rt.ID, sprintID, pid); err != nil {
					s.log.Warn().Err(err).Str("task", rt.ID).Msg("project backfill update failed")
					continue
				}
				updated++
			}
			if res.LastPage { break }
		}
	}
	return updated, nil
}

// SetCodingHours records the editor-time metric for one engineer's sprint
// row; deployments push it through the trigger API.
func (s *Service) SetCodingHours(ctx context.Context, sprintID, engineerID int64, hours float64) error {
	return s.repo.SetCodingHours(ctx, sprintID, engineerID, hours)
}

func (s *Service) GetLastRun(ctx context.Context) (any, error) { return s.repo.GetLastRun(ctx) }

func toSet(ids []int64) map[int64]bool {
	if len(ids) == 0 { return nil }
	out := make(map[int64]bool, len(ids))
	for _, id := range ids { out[id] = true }
	return out
}
