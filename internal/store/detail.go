package store

import (
	"context"

	"agent-dispatch/internal/models"
)

// StepDetail is one step in the UI-facing job detail payload.
type StepDetail struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Index  int    `json:"index"`
	Total  int    `json:"total,omitempty"`
}

// JobDetail is the payload published on every job update and served by the
// API: the ordered step list plus a synthetic "current" marker the dashboard
// renders as a progress indicator.
type JobDetail struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Server  string       `json:"server"`
	Bench   string       `json:"bench,omitempty"`
	Site    string       `json:"site,omitempty"`
	Status  string       `json:"status"`
	Steps   []StepDetail `json:"steps"`
	Current StepDetail   `json:"current"`
}

// GetJobDetail builds the detail view for a job.
func (s *Store) GetJobDetail(ctx context.Context, name string) (JobDetail, error) {
	job, err := s.GetJob(ctx, name)
	if err != nil {
		return JobDetail{}, err
	}
	steps, err := s.Steps(ctx, name)
	if err != nil {
		return JobDetail{}, err
	}
	return BuildJobDetail(job, steps), nil
}

// BuildJobDetail derives the current-step marker: the Running step if any, a
// synthetic "Waiting" entry while the job is still Pending, and a synthetic
// final entry once the job is terminal.
func BuildJobDetail(job models.Job, steps []models.Step) JobDetail {
	detail := JobDetail{
		ID:     job.Name,
		Name:   job.JobType,
		Server: job.Server,
		Bench:  job.Bench,
		Site:   job.Site,
		Status: job.Status,
	}
	current := StepDetail{}
	for i, st := range steps {
		d := StepDetail{Name: st.StepName, Status: st.Status, Index: i}
		if st.Status == models.StatusRunning {
			current = d
		}
		detail.Steps = append(detail.Steps, d)
	}
	switch {
	case job.Status == models.StatusPending:
		current = StepDetail{Name: job.JobType, Status: "Waiting", Index: -1}
	case models.IsTerminal(job.Status):
		current = StepDetail{Name: job.JobType, Status: job.Status, Index: len(steps)}
	}
	current.Total = len(steps)
	detail.Current = current
	return detail
}
