package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseManifest(t *testing.T) {
	specs, err := ParseManifest([]byte(`
tasks:
  - id: render-1
    kind: render
    priority: 5
    capabilities: [gpu, cuda]
    timeout: 10m
    params:
      scene: intro
  - kind: encode
`))
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("specs = %d, want 2", len(specs))
	}

	s := specs[0]
	if s.ID != "render-1" || s.Kind != "render" || s.Priority != 5 {
		t.Errorf("specs[0] = %+v", s)
	}
	if len(s.RequiredCapabilities) != 2 || s.RequiredCapabilities[1] != "cuda" {
		t.Errorf("capabilities = %v", s.RequiredCapabilities)
	}
	if s.Timeout != 10*time.Minute {
		t.Errorf("timeout = %v, want 10m", s.Timeout)
	}
	if s.Params["scene"] != "intro" {
		t.Errorf("params = %v", s.Params)
	}
	if specs[1].Timeout != 0 || specs[1].ID != "" {
		t.Errorf("specs[1] = %+v", specs[1])
	}
}

func TestParseManifestErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"not yaml", "tasks: [", "parse yaml"},
		{"empty", "tasks: []", "no tasks"},
		{"bad timeout", "tasks:\n  - timeout: soon\n", "tasks[0]: timeout"},
		{"negative timeout", "tasks:\n  - timeout: -1s\n", "negative"},
		{"duplicate id", "tasks:\n  - id: a\n  - id: a\n", "duplicate id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ParseManifest() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	os.WriteFile(path, []byte("tasks:\n  - kind: x\n"), 0644)

	specs, err := LoadManifest(path)
	if err != nil || len(specs) != 1 {
		t.Fatalf("LoadManifest() = %v, %v", specs, err)
	}

	if _, err := LoadManifest(path + ".missing"); err == nil {
		t.Error("LoadManifest() of a missing file should fail")
	}
}
