package agent

import (
	"encoding/json"
	"strings"
	"time"
)

// agentTimeLayout is the timestamp format the agent reports (remote clock,
// UTC, microsecond precision).
const agentTimeLayout = "2006-01-02 15:04:05.999999"

// Timestamp unmarshals the agent's timestamp format, tolerating null.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(agentTimeLayout, s)
	if err != nil {
		return err
	}
	t.Time = parsed.UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(agentTimeLayout))
}

// Ptr returns the wrapped time, or nil when the agent reported null.
func (t Timestamp) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

// PolledJob is one entry of the bulk GET /agent/jobs/{csv} response.
type PolledJob struct {
	ID       int64          `json:"id"`
	Status   string         `json:"status"`
	Start    Timestamp      `json:"start"`
	End      Timestamp      `json:"end"`
	Duration string         `json:"duration"`
	Data     map[string]any `json:"data"`
	Steps    []PolledStep   `json:"steps"`
}

// Output returns the job-level output from the returned data payload.
func (p PolledJob) Output() string {
	s, _ := p.Data["output"].(string)
	return s
}

// Traceback returns the job-level traceback from the returned data payload.
func (p PolledJob) Traceback() string {
	s, _ := p.Data["traceback"].(string)
	return s
}

// PolledStep is a step entry inside a polled job.
type PolledStep struct {
	Name     string         `json:"name"`
	Status   string         `json:"status"`
	Start    Timestamp      `json:"start"`
	End      Timestamp      `json:"end"`
	Duration string         `json:"duration"`
	Data     map[string]any `json:"data"`
}

func (p PolledStep) Output() string {
	s, _ := p.Data["output"].(string)
	return s
}

func (p PolledStep) Traceback() string {
	s, _ := p.Data["traceback"].(string)
	return s
}

// CommandOutput concatenates the output of every command the agent ran
// inside the step. Used for streaming output of running steps.
func (p PolledStep) CommandOutput() string {
	cmds, ok := p.Data["commands"].([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, c := range cmds {
		cmd, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if out, ok := cmd["output"].(string); ok && out != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(out)
		}
	}
	return b.String()
}

// AcceptedJob maps a local job name back to the remote id the agent assigned
// to it. Returned by GET /agent/agent-jobs/{csv_of_local_names}.
type AcceptedJob struct {
	AgentJobID string `json:"agent_job_id"`
	ID         int64  `json:"id"`
}
