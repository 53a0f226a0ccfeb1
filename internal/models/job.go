package models

import (
	"time"
)

// Job statuses persisted in Postgres. Undelivered means no remote id was
// acquired yet. Delivery Failure is local terminal: the job never reached
// the agent despite the configured retry budget.
const (
	StatusUndelivered     = "Undelivered"
	StatusPending         = "Pending"
	StatusRunning         = "Running"
	StatusSuccess         = "Success"
	StatusFailure         = "Failure"
	StatusDeliveryFailure = "Delivery Failure"
)

// StatusSkipped applies to steps only: the parent job reached a terminal
// state before the agent ever started the step.
const StatusSkipped = "Skipped"

// IsTerminal reports whether a job status can never change again.
func IsTerminal(status string) bool {
	return status == StatusSuccess || status == StatusFailure || status == StatusDeliveryFailure
}

// Server types recognized as dispatch targets.
const (
	ServerTypeApp      = "Server"
	ServerTypeDatabase = "Database Server"
	ServerTypeProxy    = "Proxy Server"
)

// Target identifies one remote agent instance.
type Target struct {
	ServerType string `json:"server_type"`
	Server     string `json:"server"`
}

func (t Target) String() string {
	return t.ServerType + "/" + t.Server
}

// Job is a single unit of remote work, identified locally by Name and
// remotely by JobID once the agent accepts it.
type Job struct {
	Name       string `json:"name"`
	JobType    string `json:"job_type"`
	ServerType string `json:"server_type"`
	Server     string `json:"server"`

	// Entity correlators. Empty when not applicable.
	Site       string `json:"site,omitempty"`
	Bench      string `json:"bench,omitempty"`
	Host       string `json:"host,omitempty"`
	Upstream   string `json:"upstream,omitempty"`
	CodeServer string `json:"code_server,omitempty"`

	// The business object this job serves, if any.
	ReferenceType string `json:"reference_type,omitempty"`
	ReferenceName string `json:"reference_name,omitempty"`

	RequestMethod string            `json:"request_method"`
	RequestPath   string            `json:"request_path"`
	RequestData   map[string]any    `json:"request_data"`
	RequestFiles  map[string]string `json:"request_files,omitempty"`

	Status string `json:"status"`
	JobID  int64  `json:"job_id"`

	Start    *time.Time     `json:"start,omitempty"`
	End      *time.Time     `json:"end,omitempty"`
	Duration string         `json:"duration,omitempty"`
	Output   string         `json:"output,omitempty"`
	Trace    string         `json:"traceback,omitempty"`
	Data     map[string]any `json:"data,omitempty"`

	RetryCount           int        `json:"retry_count"`
	NextRetryAt          *time.Time `json:"next_retry_at,omitempty"`
	CallbackFailureCount int        `json:"callback_failure_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Target returns the agent this job is addressed to.
func (j Job) Target() Target {
	return Target{ServerType: j.ServerType, Server: j.Server}
}

// IsTerminal reports whether the job has reached a final status.
func (j Job) IsTerminal() bool {
	return IsTerminal(j.Status)
}

// Step is a named substep of a job, reported individually by the agent.
type Step struct {
	ID       int64          `json:"id"`
	JobName  string         `json:"agent_job"`
	StepName string         `json:"step_name"`
	Status   string         `json:"status"`
	Start    *time.Time     `json:"start,omitempty"`
	End      *time.Time     `json:"end,omitempty"`
	Duration string         `json:"duration,omitempty"`
	Output   string         `json:"output,omitempty"`
	Trace    string         `json:"traceback,omitempty"`
	Data     map[string]any `json:"data,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RequestFailure is the per-target record of consecutive transport failures.
// Its presence means the target is tripped: new outbound work is suspended.
type RequestFailure struct {
	ServerType   string    `json:"server_type"`
	Server       string    `json:"server"`
	FailureCount int       `json:"failure_count"`
	Error        string    `json:"error"`
	Trace        string    `json:"traceback"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (f RequestFailure) Target() Target {
	return Target{ServerType: f.ServerType, Server: f.Server}
}

// Notification is the user-visible record emitted on job failures.
type Notification struct {
	ID            int64     `json:"id"`
	Team          string    `json:"team"`
	Type          string    `json:"type"`
	DocumentType  string    `json:"document_type"`
	DocumentName  string    `json:"document_name"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	Traceback     string    `json:"traceback,omitempty"`
	IsActionable  bool      `json:"is_actionable"`
	AssistanceURL string    `json:"assistance_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// pairJobs are job types whose callbacks must serialize with callbacks of
// sibling jobs touching the same entity (creation/archival/rename pairs
// spanning the application and proxy layers).
var pairJobs = map[string]struct{}{
	"New Site":                  {},
	"New Site from Backup":      {},
	"Add Site to Upstream":      {},
	"Archive Site":              {},
	"Remove Site from Upstream": {},
	"Rename Site":               {},
	"Rename Site on Upstream":   {},
}

// IsPairJob reports whether callbacks for this job type require the
// hierarchical entity lock before any update is applied.
func IsPairJob(jobType string) bool {
	_, ok := pairJobs[jobType]
	return ok
}
