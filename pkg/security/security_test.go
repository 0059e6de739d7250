package security

import (
	"testing"

	"pipelex/pkg/models"
)

func TestValidateBlocksCriticalRegardlessOfPolicy(t *testing.T) {
	cfg := Config{Policy: models.SecurityPolicyWarn, Level: models.SecurityLevelLow}
	allowed, reason := Validate("rm -rf /", cfg)
	if allowed {
		t.Fatalf("expected rm -rf / to be blocked, reason=%q", reason)
	}
}

func TestValidateBlocksCommandSubstitution(t *testing.T) {
	cfg := Config{Policy: models.SecurityPolicyWarn, Level: models.SecurityLevelLow}
	allowed, _ := Validate("echo $(whoami)", cfg)
	if allowed {
		t.Fatal("expected command substitution to be blocked")
	}
}

func TestValidateAllowsPlainCommand(t *testing.T) {
	cfg := Config{Policy: models.SecurityPolicyBlock, Level: models.SecurityLevelLow}
	allowed, reason := Validate("echo hello", cfg)
	if !allowed {
		t.Fatalf("expected plain command to be allowed, reason=%q", reason)
	}
}

func TestValidateMediumPatternWarnVsBlock(t *testing.T) {
	warnCfg := Config{Policy: models.SecurityPolicyWarn, Level: models.SecurityLevelMedium}
	allowed, reason := Validate("chmod 777 /tmp/x", warnCfg)
	if !allowed {
		t.Fatal("warn policy should allow with a warning reason")
	}
	if reason == "" {
		t.Error("expected a warning reason to be returned")
	}

	blockCfg := Config{Policy: models.SecurityPolicyBlock, Level: models.SecurityLevelMedium}
	allowed, _ = Validate("chmod 777 /tmp/x", blockCfg)
	if allowed {
		t.Fatal("block policy should block medium pattern")
	}
}

func TestValidateAllowlistBypasses(t *testing.T) {
	cfg := Config{
		Policy:            models.SecurityPolicyBlock,
		Level:             models.SecurityLevelHigh,
		AllowlistPatterns: []string{"rm -rf /*"},
	}
	allowed, _ := Validate("rm -rf /", cfg)
	if !allowed {
		t.Fatal("expected allowlist pattern to bypass critical block")
	}
}

func TestValidateWhitelistRejectsUnlistedCommand(t *testing.T) {
	cfg := Config{CommandWhitelist: []string{"echo"}}
	allowed, _ := Validate("cat /tmp/x", cfg)
	if allowed {
		t.Fatal("expected non-whitelisted command to be blocked")
	}
}

func TestNeedsShellDetectsPipe(t *testing.T) {
	if !NeedsShell("echo hi | grep h") {
		t.Error("expected pipe to require a shell")
	}
}

func TestNeedsShellDetectsBuiltin(t *testing.T) {
	if !NeedsShell("for i in 1 2 3; do echo $i; done") {
		t.Error("expected for-loop to require a shell")
	}
}

func TestNeedsShellFalseForPlainCommand(t *testing.T) {
	if NeedsShell("echo hello world") {
		t.Error("expected plain command to not require a shell")
	}
}
