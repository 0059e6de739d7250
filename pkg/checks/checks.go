// Package checks provides the compiled-in pre/post-check registry. Spec
// section 9 re-architects original_source's dynamic plugin loading
// (jobs/dependency_manager.py:load_dependency_plugins, importlib-based) as a
// static map from check name to function, with unknown names failing the
// check descriptively instead of silently no-opping.
package checks

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"pipelex/pkg/models"
)

// Func is a check implementation: given params, it returns nil on success or
// a descriptive error on failure.
type Func func(ctx context.Context, params map[string]any) error

// Registry is a name -> Func map, safe for concurrent lookups after the
// built-ins are registered at init time.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns a Registry pre-populated with the built-in checks.
func NewRegistry() *Registry {
	r := &Registry{funcs: map[string]Func{}}
	r.Register("file_exists", checkFileExists)
	r.Register("env_present", checkEnvPresent)
	r.Register("url_reachable", checkURLReachable)
	return r
}

// Register adds or replaces a named check.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Run dispatches a single CheckSpec. An unknown name is a descriptive error,
// never a silent pass.
func (r *Registry) Run(ctx context.Context, spec models.CheckSpec) error {
	r.mu.RLock()
	fn, ok := r.funcs[spec.Name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("checks: unknown check %q", spec.Name)
	}
	return fn(ctx, spec.Params)
}

// RunAll runs each spec in order, stopping at the first failure (matching
// spec section 4.3: "first failure records PRECHECK_FAILED/POSTCHECK_FAILED").
func (r *Registry) RunAll(ctx context.Context, specs []models.CheckSpec) error {
	for _, spec := range specs {
		if err := r.Run(ctx, spec); err != nil {
			return fmt.Errorf("check %q failed: %w", spec.Name, err)
		}
	}
	return nil
}

func checkFileExists(_ context.Context, params map[string]any) error {
	path, _ := params["path"].(string)
	if path == "" {
		return fmt.Errorf("file_exists: missing required param %q", "path")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("file_exists: %w", err)
	}
	return nil
}

func checkEnvPresent(_ context.Context, params map[string]any) error {
	name, _ := params["name"].(string)
	if name == "" {
		return fmt.Errorf("env_present: missing required param %q", "name")
	}
	if _, ok := os.LookupEnv(name); !ok {
		return fmt.Errorf("env_present: %s is not set", name)
	}
	return nil
}

func checkURLReachable(ctx context.Context, params map[string]any) error {
	url, _ := params["url"].(string)
	if url == "" {
		return fmt.Errorf("url_reachable: missing required param %q", "url")
	}
	timeout := 5 * time.Second
	if t, ok := params["timeout_seconds"].(float64); ok && t > 0 {
		timeout = time.Duration(t) * time.Second
	}
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: timeout}).DialContext,
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("url_reachable: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("url_reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("url_reachable: %s returned %d", url, resp.StatusCode)
	}
	return nil
}
