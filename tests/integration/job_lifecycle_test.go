package integration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"pipelex/pkg/checks"
	"pipelex/pkg/env"
	"pipelex/pkg/history"
	"pipelex/pkg/history/sqlite"
	"pipelex/pkg/models"
	"pipelex/pkg/orchestrator"
	"pipelex/pkg/runner"
	"pipelex/pkg/security"
	"pipelex/pkg/state"
)

// IntegrationTestSuite exercises a full Orchestrator run against a real
// temp-file SQLite history store, covering the scenarios named in spec
// section 8: linear success, fail-fast with dependents, and resume.
type IntegrationTestSuite struct {
	suite.Suite
	store history.Store
}

func (s *IntegrationTestSuite) SetupTest() {
	dbPath := filepath.Join(s.T().TempDir(), "history.db")
	store, err := sqlite.New(sqlite.DefaultConfig(dbPath))
	s.Require().NoError(err)
	s.store = store
}

func (s *IntegrationTestSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *IntegrationTestSuite) newOrchestrator(pipeline models.Pipeline) *orchestrator.Orchestrator {
	jobRunner := runner.New(checks.NewRegistry(), security.Config{
		Policy: models.SecurityPolicyWarn,
		Level:  models.SecurityLevelLow,
	}, true)
	resolver := env.NewResolver(false, pipeline.AppEnv)
	mgr := state.New(s.store, pipeline.ApplicationName, len(pipeline.Jobs))

	return orchestrator.New(orchestrator.Config{
		Pipeline:    pipeline,
		Runner:      jobRunner,
		EnvResolver: resolver,
		History:     s.store,
		State:       mgr,
		Logger:      zap.NewNop(),
	})
}

func job(id, command string, deps ...string) models.Job {
	return models.Job{
		ID:           id,
		Command:      command,
		Dependencies: deps,
		RetryPolicy:  models.RetryPolicy{}.Normalize(),
	}
}

// TestLinearSuccess covers scenario S1: a straight-line dependency chain
// where every job succeeds.
func (s *IntegrationTestSuite) TestLinearSuccess() {
	pipeline := models.Pipeline{
		ApplicationName: "s1-linear",
		Jobs: []models.Job{
			job("extract", "true"),
			job("transform", "true", "extract"),
			job("load", "true", "transform"),
		},
	}
	o := s.newOrchestrator(pipeline)

	result, err := o.Run(context.Background(), orchestrator.RunOptions{})
	s.Require().NoError(err)
	s.Equal(0, result.ExitCode)
	s.ElementsMatch([]string{"extract", "transform", "load"}, result.Completed)

	run, rows, err := s.store.GetRun(context.Background(), result.RunID)
	s.Require().NoError(err)
	s.Equal(models.RunSuccess, run.Status)
	s.Len(rows, 3)
}

// TestFailFastStopsDependents covers scenario S3: a failing job blocks every
// job that (transitively) depends on it, while the run still exits non-zero.
func (s *IntegrationTestSuite) TestFailFastStopsDependents() {
	pipeline := models.Pipeline{
		ApplicationName: "s3-failfast",
		Jobs: []models.Job{
			job("extract", "false"),
			job("transform", "true", "extract"),
			job("load", "true", "transform"),
			job("notify", "true"),
		},
	}
	o := s.newOrchestrator(pipeline)

	result, err := o.Run(context.Background(), orchestrator.RunOptions{})
	s.Require().NoError(err)
	s.NotEqual(0, result.ExitCode)
	s.Contains(result.Failed, "extract")
	s.Contains(result.Failed, "transform")
	s.Contains(result.Failed, "load")
	s.NotContains(result.Completed, "transform")
	s.NotContains(result.Completed, "load")
	s.Contains(result.Completed, "notify")
}

// TestResumeSkipsSuccessfulJobs covers scenario S6: resuming a prior run_id
// skips jobs already recorded SUCCESS and re-executes the rest.
func (s *IntegrationTestSuite) TestResumeSkipsSuccessfulJobs() {
	pipeline := models.Pipeline{
		ApplicationName: "s6-resume",
		Jobs: []models.Job{
			job("extract", "true"),
			job("transform", "false", "extract"),
		},
	}
	o := s.newOrchestrator(pipeline)

	first, err := o.Run(context.Background(), orchestrator.RunOptions{})
	s.Require().NoError(err)
	s.NotEqual(0, first.ExitCode)
	s.Contains(first.Completed, "extract")
	s.Contains(first.Failed, "transform")

	fixed := models.Pipeline{
		ApplicationName: "s6-resume",
		Jobs: []models.Job{
			job("extract", "true"),
			job("transform", "true", "extract"),
		},
	}
	o2 := s.newOrchestrator(fixed)
	second, err := o2.Run(context.Background(), orchestrator.RunOptions{ResumeRunID: first.RunID})
	s.Require().NoError(err)
	s.Equal(first.RunID, second.RunID)
	s.Equal(0, second.ExitCode)
	s.Contains(second.Skipped, "extract")
	s.Contains(second.Completed, "transform")
}

// TestDryRunNeverPersistsJobHistory checks that a dry run produces a plan
// without touching job history.
func (s *IntegrationTestSuite) TestDryRunNeverPersistsJobHistory() {
	pipeline := models.Pipeline{
		ApplicationName: "s7-dryrun",
		Jobs: []models.Job{
			job("extract", "true"),
			job("transform", "true", "extract"),
		},
	}
	o := s.newOrchestrator(pipeline)

	result, err := o.RunDry(context.Background(), orchestrator.RunOptions{})
	s.Require().NoError(err)
	s.Equal(0, result.ExitCode)

	// A dry run never opens a run_summary row, so looking it up must fail.
	_, _, err = s.store.GetRun(context.Background(), result.RunID)
	s.Error(err)
}

func TestIntegration(t *testing.T) {
	suite.Run(t, new(IntegrationTestSuite))
}
