// Package env resolves a job's final environment: precedence merging of
// inherited shell env, app env, job env, and CLI overrides, followed by
// ${VAR} fixed-point substitution with cycle detection. Grounded on
// original_source/jobs/env_utils.py.
package env

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"pipelex/pkg/errs"
)

// DefaultInherit is the fixed whitelist used when a pipeline's
// inherit_shell_env setting is "default", matching
// env_utils.DEFAULT_INHERIT_ENV.
var DefaultInherit = []string{
	"PATH", "LD_LIBRARY_PATH", "HOME", "USER", "SHELL", "HOSTNAME",
	"TERM", "DISPLAY", "LANG", "LC_ALL", "LC_CTYPE", "TZ",
	"TMPDIR", "TEMP", "TMP", "JAVA_HOME", "PYTHON_HOME", "NODE_PATH",
}

var reservedVars = map[string]struct{}{
	"PATH": {}, "HOME": {}, "USER": {}, "SHELL": {},
}

var nameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
var tokenRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

const maxValueLen = 32 * 1024

// InheritMode mirrors the pipeline's inherit_shell_env field, which may be a
// bool, the string "default", or an explicit name list. Go's static typing
// forces the three shapes into one tagged struct rather than Python's
// dynamic any-of.
type InheritMode struct {
	All     bool
	None    bool
	Default bool
	Names   []string
}

// ParseInheritMode turns a JSON-decoded value (bool, string, or []string)
// into an InheritMode, following filter_shell_env's fallback-to-default
// behavior for unrecognized shapes.
func ParseInheritMode(v any) InheritMode {
	switch t := v.(type) {
	case bool:
		if t {
			return InheritMode{All: true}
		}
		return InheritMode{None: true}
	case string:
		if t == "default" {
			return InheritMode{Default: true}
		}
		return InheritMode{Default: true}
	case []string:
		return InheritMode{Names: t}
	case []any:
		names := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				names = append(names, s)
			}
		}
		return InheritMode{Names: names}
	default:
		return InheritMode{Default: true}
	}
}

// InheritedEnv returns the subset of the current process environment
// permitted by mode.
func InheritedEnv(mode InheritMode) map[string]string {
	out := map[string]string{}
	if mode.None {
		return out
	}
	if mode.All {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				out[kv[:i]] = kv[i+1:]
			}
		}
		return out
	}
	names := mode.Names
	if mode.Default || len(names) == 0 {
		names = DefaultInherit
	}
	for _, n := range names {
		if v, ok := os.LookupEnv(n); ok {
			out[n] = v
		}
	}
	return out
}

// Merge applies the precedence chain inherited -> app -> job -> cli, last
// value wins per key, matching env_utils.merge_env_vars generalized to four
// layers (the CLI layer is this engine's addition over the source's
// app/job-only merge, per spec section 4.7's explicit fourth tier).
func Merge(inherited, app, job, cli map[string]string) map[string]string {
	out := map[string]string{}
	for _, layer := range []map[string]string{inherited, app, job, cli} {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// Interpolate resolves ${NAME} tokens against vars by fixed-point
// substitution, following env_utils.interpolate_env_vars: iterate until no
// value changes or max_iterations (len(vars)+1) is reached. A token whose
// name is undefined is left literal. Cycles are detected per-key via
// substituteOne's seen-set and leave the token literal.
func Interpolate(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	maxIter := len(out) + 1
	for i := 0; i < maxIter; i++ {
		changed := false
		for k := range out {
			resolved := substituteOne(out[k], out, map[string]struct{}{k: {}})
			if resolved != out[k] {
				out[k] = resolved
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return out
}

func substituteOne(value string, vars map[string]string, seen map[string]struct{}) string {
	return tokenRe.ReplaceAllStringFunc(value, func(tok string) string {
		m := tokenRe.FindStringSubmatch(tok)
		name := m[1]
		if _, cyc := seen[name]; cyc {
			return tok
		}
		v, ok := vars[name]
		if !ok {
			return tok
		}
		seen2 := make(map[string]struct{}, len(seen)+1)
		for k := range seen {
			seen2[k] = struct{}{}
		}
		seen2[name] = struct{}{}
		return substituteOne(v, vars, seen2)
	})
}

// Validate checks name/value constraints from env_utils.validate_env_vars:
// names must match [A-Za-z_][A-Za-z0-9_]*, values must not contain NUL, and
// values over 32 KiB are rejected. Reserved names are permitted but noted as
// warnings by the caller, matching the source's warn-not-block behavior.
func Validate(vars map[string]string) (warnings []string, err error) {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := vars[k]
		if !nameRe.MatchString(k) {
			return warnings, errs.Config("env var name", fmt.Errorf("invalid variable name %q", k))
		}
		if strings.IndexByte(v, 0) >= 0 {
			return warnings, errs.Config("env var value", fmt.Errorf("value for %q contains NUL byte", k))
		}
		if len(v) > maxValueLen {
			return warnings, errs.Config("env var value", fmt.Errorf("value for %q exceeds %d bytes", k, maxValueLen))
		}
		if _, reserved := reservedVars[k]; reserved {
			warnings = append(warnings, fmt.Sprintf("env var %q shadows a reserved name", k))
		}
	}
	return warnings, nil
}

// Resolver composes merge, interpolation, and validation for one job
// dispatch.
type Resolver struct {
	Inherit InheritMode
	AppEnv  map[string]string
}

// NewResolver builds a Resolver from a pipeline's app-level env config.
func NewResolver(inherit any, appEnv map[string]string) *Resolver {
	return &Resolver{Inherit: ParseInheritMode(inherit), AppEnv: appEnv}
}

// Resolve computes the final environment for one job invocation.
func (r *Resolver) Resolve(jobEnv, cliEnv map[string]string) (map[string]string, []string, error) {
	merged := Merge(InheritedEnv(r.Inherit), r.AppEnv, jobEnv, cliEnv)
	resolved := Interpolate(merged)
	warnings, err := Validate(resolved)
	if err != nil {
		return nil, warnings, err
	}
	return resolved, warnings, nil
}

// ToSlice converts an env map into the "KEY=VALUE" slice os/exec expects, in
// sorted key order for determinism.
func ToSlice(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}
