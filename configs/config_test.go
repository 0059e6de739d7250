package config

import (
	"os"
	"path/filepath"
	"testing"
)

const samplePipeline = `{
  "application_name": "nightly",
  "default_max_retries": 1,
  "default_retry_delay": 2,
  "jobs": [
    {"id": "A", "command": "echo a"},
    {"id": "B", "command": "echo b", "dependencies": ["A"], "max_retries": 3}
  ],
  "parallel": false,
  "max_workers": 2
}`

func TestLoadPipelineDecodesAndConverts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.json")
	if err := os.WriteFile(path, []byte(samplePipeline), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := LoadPipeline(path)
	if err != nil {
		t.Fatalf("LoadPipeline() error = %v", err)
	}
	if cfg.ApplicationName != "nightly" {
		t.Errorf("application_name = %q, want nightly", cfg.ApplicationName)
	}

	pipeline := cfg.ToPipeline()
	if len(pipeline.Jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(pipeline.Jobs))
	}
	if pipeline.Jobs[0].RetryPolicy.MaxRetries != 1 {
		t.Errorf("job A max_retries = %d, want default 1", pipeline.Jobs[0].RetryPolicy.MaxRetries)
	}
	if pipeline.Jobs[1].RetryPolicy.MaxRetries != 3 {
		t.Errorf("job B max_retries = %d, want its own override 3", pipeline.Jobs[1].RetryPolicy.MaxRetries)
	}
	if pipeline.SecurityPolicy != "warn" {
		t.Errorf("security policy default = %q, want warn", pipeline.SecurityPolicy)
	}
}

func TestLoadRuntimeConfigAppliesDefaults(t *testing.T) {
	os.Unsetenv("PIPELEX_ADMIN_PORT")
	cfg := LoadRuntimeConfig()
	if cfg.AdminPort != "8080" {
		t.Errorf("AdminPort = %q, want default 8080", cfg.AdminPort)
	}
}
