package jobtypes

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// JobType is the template a job is stamped from: the ordered step names the
// agent will report, and the retry discipline for undelivered jobs.
type JobType struct {
	Name             string   `yaml:"name"`
	Steps            []string `yaml:"steps"`
	DisableAutoRetry bool     `yaml:"disabled_auto_retry"`
	MaxRetryCount    int      `yaml:"max_retry_count"`
	MinPollInterval  duration `yaml:"min_poll_interval"`
}

// duration decodes "5m" style values, which yaml.v3 will not map onto
// time.Duration on its own.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = duration(v)
	return nil
}

// Set holds the loaded templates keyed by job type name.
type Set struct {
	types map[string]JobType
}

type fileSchema struct {
	JobTypes []JobType `yaml:"job_types"`
}

//go:embed job_types.yaml
var defaultTemplates []byte

// Load reads templates from path, or the embedded defaults when path is
// empty.
func Load(path string) (*Set, error) {
	raw := defaultTemplates
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read job types: %w", err)
		}
		raw = b
	}
	return Parse(raw)
}

// Parse decodes a YAML template document.
func Parse(raw []byte) (*Set, error) {
	var f fileSchema
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse job types: %w", err)
	}
	s := &Set{types: make(map[string]JobType, len(f.JobTypes))}
	for _, jt := range f.JobTypes {
		if jt.Name == "" {
			return nil, fmt.Errorf("job type with empty name")
		}
		if jt.MaxRetryCount == 0 {
			jt.MaxRetryCount = 5
		}
		s.types[jt.Name] = jt
	}
	return s, nil
}

// Get returns the template for name. Unknown job types fall back to a single
// step named after the type with the default retry budget.
func (s *Set) Get(name string) JobType {
	if jt, ok := s.types[name]; ok {
		return jt
	}
	return JobType{Name: name, Steps: []string{name}, MaxRetryCount: 5}
}

// RetryEligible reports whether the retry engine may redispatch this type.
func (s *Set) RetryEligible(name string) bool {
	return !s.Get(name).DisableAutoRetry
}

// MaxRetryCount returns the per-type retry cap.
func (s *Set) MaxRetryCount(name string) int {
	return s.Get(name).MaxRetryCount
}

// MinPollInterval returns how long the poller may leave this type unpolled.
// Zero means poll on every tick.
func (s *Set) MinPollInterval(name string) time.Duration {
	return time.Duration(s.Get(name).MinPollInterval)
}
