package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/everydev1618/hive"
)

// Manifest is a YAML file of tasks to submit:
//
//	tasks:
//	  - kind: render
//	    priority: 5
//	    capabilities: [gpu]
//	    timeout: 10m
//	    params:
//	      scene: intro
type Manifest struct {
	Tasks []ManifestTask `yaml:"tasks"`
}

// ManifestTask is one entry of a Manifest.
type ManifestTask struct {
	ID           string            `yaml:"id"`
	Kind         string            `yaml:"kind"`
	Priority     int               `yaml:"priority"`
	Capabilities []string          `yaml:"capabilities"`
	Params       map[string]string `yaml:"params"`
	Timeout      string            `yaml:"timeout"`
}

// Spec converts the entry into a submission.
func (m ManifestTask) Spec() (hive.TaskSpec, error) {
	spec := hive.TaskSpec{
		ID:                   m.ID,
		Kind:                 m.Kind,
		Priority:             m.Priority,
		RequiredCapabilities: m.Capabilities,
		Params:               m.Params,
	}
	if m.Timeout != "" {
		d, err := time.ParseDuration(m.Timeout)
		if err != nil {
			return hive.TaskSpec{}, fmt.Errorf("timeout: %w", err)
		}
		if d < 0 {
			return hive.TaskSpec{}, fmt.Errorf("timeout: negative duration %s", m.Timeout)
		}
		spec.Timeout = d
	}
	return spec, nil
}

// ParseManifest parses manifest YAML into submissions.
func ParseManifest(data []byte) ([]hive.TaskSpec, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(m.Tasks) == 0 {
		return nil, fmt.Errorf("manifest has no tasks")
	}

	specs := make([]hive.TaskSpec, 0, len(m.Tasks))
	seen := make(map[string]bool)
	for i, t := range m.Tasks {
		if t.ID != "" {
			if seen[t.ID] {
				return nil, fmt.Errorf("tasks[%d]: duplicate id %q", i, t.ID)
			}
			seen[t.ID] = true
		}
		spec, err := t.Spec()
		if err != nil {
			return nil, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) ([]hive.TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return ParseManifest(data)
}
