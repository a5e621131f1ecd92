package domain

import "time"

type Organization struct {
	ID   int64
	Name string
}

// OrgSettings is the per-organization sync configuration loaded from the
// organization_settings table at the start of every sync invocation. It is
// passed explicitly; nothing in the pipeline reads ambient state.
type OrgSettings struct {
	OrganizationID  int64
	ClickUpToken    string
	ClickUpBaseURL  string
	ClickUpFolderID string
	GitLabToken     string
	GitLabBaseURL   string
	GitLabGroupIDs  []string
}

type Sprint struct {
	ID             int64
	Name           string
	StartDate      time.Time
	EndDate        time.Time
	OrganizationID int64
}

type Task struct {
	ID           string
	SprintID     int64
	Name         string
	StatusID     int64
	CategoryID   *int64
	ParentTaskID *string
	StoryPoint   float64
	ProjectID    *int64
}

type Status struct {
	ID   int64
	Name string
}

type Category struct {
	ID   int64
	Name string
}

type Tag struct {
	ID   int64
	Name string
}

type Project struct {
	ID   int64
	Name string
}

type JobLevel struct {
	ID               int64
	Name             string
	BaselineSP       float64
	TargetSP         float64
	TargetCodingHour float64
}

type Engineer struct {
	ID             int64
	Name           string
	JobLevelID     *int64
	GitlabUserID   *int64
	OrganizationID int64
}

// Reviewer is a distinct identity space from Engineer; EngineerID is the
// persisted link resolved once at sync time, replacing per-report name matching.
type Reviewer struct {
	ID         int64
	Name       string
	Email      string
	EngineerID *int64
}

type SprintEngineer struct {
	SprintID    int64
	EngineerID  int64
	StoryPoints float64
	Target      float64
	Baseline    float64
	CodingHours float64
	MergedCount int
	MRSubmitted int
	MRRejected  int
}

type SprintReviewer struct {
	SprintID       int64
	ReviewerID     int64
	TaskCount      int
	RejectedCount  int
	ScenarioCount  float64
	SupportedCount int
}

type TaskAssignee struct {
	TaskID     string
	SprintID   int64
	EngineerID int64
}

type TaskReviewer struct {
	TaskID     string
	SprintID   int64
	ReviewerID int64
}

type TaskTag struct {
	TaskID   string
	SprintID int64
	TagID    int64
}

type Leave struct {
	ID         int64
	EngineerID int64
	Date       time.Time
}

type PublicHoliday struct {
	ID             int64
	OrganizationID int64
	Date           time.Time
	Name           string
}

// ReportRow is one engineer line of the per-sprint download report.
type ReportRow struct {
	EngineerID          int64   `json:"engineerId"`
	Name                string  `json:"name"`
	Sprint              string  `json:"sprint"`
	TotalTaken          int     `json:"totalTaken"`
	DevelopmentApproved int     `json:"developmentApproved"`
	SupportApproved     int     `json:"supportApproved"`
	OngoingDevelopment  int     `json:"ongoingDevelopment"`
	OngoingSupport      int     `json:"ongoingSupport"`
	NonDevelopment      int     `json:"nonDevelopment"`
	CodingHours         float64 `json:"wakatimeHours"`
	TotalApproved       int     `json:"totalApproved"`
	SPCompletion        string  `json:"spCompletion"`
	MRSubmitted         int     `json:"mrSubmitted"`
	MRApproved          int     `json:"mrApproved"`
	MRRejected          int     `json:"mrRejected"`
	MRRejectionRatio    string  `json:"mrRejectionRatio"`
	TasksToQA           int     `json:"tasksToQA"`
	RejectedTasks       int     `json:"rejectedTasks"`
	QARejectionRatio    string  `json:"qaRejectionRatio"`
}
