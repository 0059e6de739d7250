// Package security validates job commands against a configurable security
// policy before they are spawned, and decides whether a command needs a
// shell. Grounded on original_source/jobs/command_utils.py
// (validate_command, parse_command).
package security

import (
	"path/filepath"
	"regexp"
	"strings"

	"pipelex/pkg/models"
)

// Config carries the subset of pipeline configuration that drives command
// validation.
type Config struct {
	Policy            models.SecurityPolicy
	Level             models.SecurityLevel
	CommandWhitelist  []string
	WorkspacePaths    []string
	AllowlistPatterns []string
}

// criticalPatterns are always blocked regardless of policy/level, matching
// command_utils.py's critical_patterns table.
var criticalPatterns = []*regexp.Regexp{
	regexp.MustCompile("`[^`]*`"),
	regexp.MustCompile(`\$\([^)]*\)`),
	regexp.MustCompile(`>\s*/etc/`),
	regexp.MustCompile(`>\s*/proc/`),
	regexp.MustCompile(`>\s*/sys/`),
	regexp.MustCompile(`rm\s+-rf\s+/(\s|$)`),
	regexp.MustCompile(`rm\s+-rf\s+~`),
	regexp.MustCompile(`:\(\)\{.*:\|:.*\}`), // fork bomb
	regexp.MustCompile(`\b(sudo|su|doas)\b`),
	regexp.MustCompile(`dd\s+.*of=/dev/`),
	regexp.MustCompile(`\beval\s+\$`),
	regexp.MustCompile(`\bnc\b.*-e\b`),
	regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`(curl|wget)\b.*\|\s*(sh|bash)\b`),
	regexp.MustCompile(`mkfs\.`),
}

// mediumPatterns are active at security_level medium or high.
var mediumPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bchmod\s+777\b`),
	regexp.MustCompile(`\bchown\s+-R\b`),
	regexp.MustCompile(`\biptables\b`),
	regexp.MustCompile(`\bkill\s+-9\s+-?1\b`),
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`\bsystemctl\b`),
	regexp.MustCompile(`\bservice\b.*\b(stop|restart)\b`),
	regexp.MustCompile(`\bmount\b`),
	regexp.MustCompile(`\bumount\b`),
	regexp.MustCompile(`\bpasswd\b`),
	regexp.MustCompile(`\buseradd\b`),
	regexp.MustCompile(`\buserdel\b`),
	regexp.MustCompile(`>\s*/dev/null\s+2>&1\s*&\s*$`),
}

// highPatterns are active only at security_level high.
var highPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bnohup\b`),
	regexp.MustCompile(`&\s*$`),
	regexp.MustCompile(`\bsetsid\b`),
	regexp.MustCompile(`\bat\s+now\b`),
	regexp.MustCompile(`\bbackground\b`),
	regexp.MustCompile(`\btee\b`),
	regexp.MustCompile(`\bxargs\b.*-I`),
	regexp.MustCompile(`\b(scp|rsync)\b.*:`),
	regexp.MustCompile(`\benv\s+-i\b`),
	regexp.MustCompile(`\bunset\s+PATH\b`),
	regexp.MustCompile(`\bexport\s+PATH=`),
	regexp.MustCompile(`\\x[0-9a-fA-F]{2}`),
	regexp.MustCompile(`\$\{IFS\}`),
}

var sensitivePathFragments = []string{
	"/etc/passwd", "/etc/shadow", "/.ssh/", "/id_rsa", "/id_dsa",
	"/authorized_keys", "/known_hosts", "/.aws/", "/.config/", "/credentials",
}

// Validate reports whether command is allowed to run, and if not, why.
// Allowlist patterns bypass every other check. Critical patterns always
// block. Medium/high patterns block only when the configured level enables
// them and policy is "block" (policy "warn" lets them through with a
// reason so the caller can log it).
func Validate(command string, cfg Config) (allowed bool, reason string) {
	for _, p := range cfg.AllowlistPatterns {
		if ok, _ := filepath.Match(p, command); ok {
			return true, ""
		}
	}

	for _, re := range criticalPatterns {
		if re.MatchString(command) {
			return false, "matches a critical command pattern"
		}
	}

	if reason := checkSensitivePaths(command); reason != "" {
		if cfg.Policy == models.SecurityPolicyBlock || cfg.Level == models.SecurityLevelHigh {
			return false, reason
		}
	}

	if len(cfg.CommandWhitelist) > 0 {
		first := firstToken(command)
		allowed := false
		for _, w := range cfg.CommandWhitelist {
			if w == first {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, "command not in whitelist: " + first
		}
	}

	if cfg.Level == models.SecurityLevelMedium || cfg.Level == models.SecurityLevelHigh {
		for _, re := range mediumPatterns {
			if re.MatchString(command) {
				if cfg.Policy == models.SecurityPolicyBlock {
					return false, "matches a medium-risk command pattern"
				}
				return true, "warning: matches a medium-risk command pattern"
			}
		}
	}

	if cfg.Level == models.SecurityLevelHigh {
		for _, re := range highPatterns {
			if re.MatchString(command) {
				if cfg.Policy == models.SecurityPolicyBlock {
					return false, "matches a high-risk command pattern"
				}
				return true, "warning: matches a high-risk command pattern"
			}
		}
	}

	if len(cfg.WorkspacePaths) > 0 && (cfg.Policy == models.SecurityPolicyBlock || cfg.Level == models.SecurityLevelHigh) {
		first := firstToken(command)
		if strings.HasPrefix(first, "/") {
			inWorkspace := false
			for _, ws := range cfg.WorkspacePaths {
				if strings.HasPrefix(first, ws) {
					inWorkspace = true
					break
				}
			}
			if !inWorkspace {
				return false, "absolute-path binary outside workspace: " + first
			}
		}
	}

	return true, ""
}

func checkSensitivePaths(command string) string {
	if strings.Contains(command, "../") {
		return "path traversal sequence in command"
	}
	for _, frag := range sensitivePathFragments {
		if strings.Contains(command, frag) {
			return "references a sensitive path: " + frag
		}
	}
	return ""
}

func firstToken(command string) string {
	trimmed := strings.TrimSpace(command)
	if i := strings.IndexAny(trimmed, " \t"); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

// shellIndicatorChars are the special characters/operators listed in spec
// section 4.3 that force shell execution, matching command_utils.py's
// shell_indicators table.
var shellIndicatorChars = []string{
	"|", "&", ";", "<", ">", ">>", "{", "}", "[", "]", "$", "`", "\\",
	"&&", "||", "2>", "2>&1", "*", "?", "~",
}

// shellBuiltins are keywords that, when they appear as the first token or
// space-prefixed in the command, force shell execution.
var shellBuiltins = []string{
	"grep", "awk", "sed", "find", "xargs", "for ", "while ", "if ", "case ",
	"do ", "done", "until ", "function ", "alias ", "source ", "./",
}

// NeedsShell applies the deterministic token/keyword rule from spec section
// 4.3: a command needs a shell iff it contains any shell indicator or
// begins with (or contains whitespace-prefixed) a shell builtin.
func NeedsShell(command string) bool {
	for _, ind := range shellIndicatorChars {
		if strings.Contains(command, ind) {
			return true
		}
	}
	for _, b := range shellBuiltins {
		trimmedB := strings.TrimRight(b, " ")
		if strings.HasPrefix(command, b) || strings.Contains(command, " "+trimmedB) {
			return true
		}
	}
	return false
}
