// Command pipelexd takes a "run" or "dry-run" subcommand and executes (or
// previews) one pipeline definition to completion, wiring the history
// store, log sink, notifier, coordination client, and admin HTTP surface
// around pkg/orchestrator. Flags beyond the subcommand use stdlib flag
// directly, matching the teacher's cmd/*/main.go binaries which take no
// subcommand framework either.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	config "pipelex/configs"
	"pipelex/pkg/admin"
	"pipelex/pkg/auth"
	"pipelex/pkg/checks"
	"pipelex/pkg/coordination"
	"pipelex/pkg/coordination/etcd"
	"pipelex/pkg/env"
	"pipelex/pkg/history"
	"pipelex/pkg/history/sqlite"
	"pipelex/pkg/logger"
	"pipelex/pkg/logsink"
	"pipelex/pkg/notify"
	tracing "pipelex/pkg/observability"
	"pipelex/pkg/orchestrator"
	"pipelex/pkg/runner"
	"pipelex/pkg/security"
	"pipelex/pkg/state"
)

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "run" && os.Args[1] != "dry-run") {
		fmt.Fprintln(os.Stderr, "usage: pipelexd <run|dry-run> -pipeline <file> [flags]")
		os.Exit(2)
	}
	command := os.Args[1]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	pipelineFile := fs.String("pipeline", "", "path to the pipeline JSON definition (required)")
	continueOnError := fs.Bool("continue-on-error", false, "keep executing independent jobs after a failure")
	skip := fs.String("skip", "", "comma-separated job ids to force-skip")
	resumeFrom := fs.Int64("resume-from", 0, "resume a previous run_id instead of starting a fresh one")
	resumeFailedOnly := fs.Bool("resume-failed-only", false, "with -resume-from, only re-run jobs that previously failed")
	parallel := fs.Bool("parallel", false, "override the pipeline's parallel setting to true")
	sequential := fs.Bool("sequential", false, "override the pipeline's parallel setting to false")
	workers := fs.Int("workers", 0, "override the pipeline's max_workers setting (0 keeps the pipeline's value)")
	admin_ := fs.Bool("admin", false, "start the read-only admin HTTP server alongside the run")
	envOverrides := fs.String("env", "", "comma-separated KEY=VALUE overrides applied on top of every job's env")
	fs.Parse(os.Args[2:])

	dryRun := command == "dry-run"

	if *pipelineFile == "" {
		fmt.Fprintln(os.Stderr, "pipelexd: -pipeline is required")
		os.Exit(2)
	}

	rt := config.LoadRuntimeConfig()

	log, err := logger.Init(logger.Config{
		Level:      rt.LogLevel,
		Encoding:   rt.LogEncoding,
		OutputPath: "stdout",
		Service:    "pipelexd",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipelexd: init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tracingProvider, err := tracing.Init(context.Background(), tracing.Config{
		ServiceName: "pipelexd",
		Enabled:     rt.TracingEnabled,
		Endpoint:    rt.TracingEndpoint,
	})
	if err != nil {
		log.Fatal("init tracing", zap.Error(err))
	}
	defer tracingProvider.Shutdown(context.Background())

	pipelineCfg, err := config.LoadPipeline(*pipelineFile)
	if err != nil {
		log.Fatal("load pipeline", zap.Error(err))
	}
	pipeline := pipelineCfg.ToPipeline()

	if *parallel {
		pipeline.Parallel = true
	}
	if *sequential {
		pipeline.Parallel = false
	}
	if *workers > 0 {
		pipeline.MaxWorkers = *workers
	}

	store, err := sqlite.New(sqlite.DefaultConfig(rt.HistoryDBPath))
	if err != nil {
		log.Fatal("open history store", zap.Error(err))
	}
	defer store.Close()

	logSink, err := logsink.NewLocalSink("logs")
	if err != nil {
		log.Fatal("init log sink", zap.Error(err))
	}

	var notifier notify.Notifier = notify.NoopNotifier{}
	if rt.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(notify.Config{
			WebhookURL:      rt.WebhookURL,
			NotifyOnSuccess: true,
			NotifyOnFailure: true,
		})
	}

	var coord coordination.Coordinator = coordination.NewLocalCoordinator()
	if rt.EtcdEnabled {
		etcdCoord, err := etcd.New(rt.EtcdEndpoints, rt.LeaseTTL)
		if err != nil {
			log.Fatal("connect etcd", zap.Error(err))
		}
		defer etcdCoord.Close()
		coord = etcdCoord
	}

	secCfg := security.Config{
		Policy:            pipeline.SecurityPolicy,
		Level:             pipeline.SecurityLevel,
		CommandWhitelist:  pipeline.CommandWhitelist,
		WorkspacePaths:    pipeline.WorkspacePaths,
		AllowlistPatterns: pipeline.CommandAllowlistPatterns,
	}

	jobRunner := runner.New(checks.NewRegistry(), secCfg, pipeline.AllowShell)
	resolver := env.NewResolver(pipeline.InheritShellEnv, pipeline.AppEnv)

	stateMgr := state.New(store, pipeline.ApplicationName, len(pipeline.Jobs))
	stateMgr.SetCoordinator(coord)

	orch := orchestrator.New(orchestrator.Config{
		Pipeline:    pipeline,
		Runner:      jobRunner,
		EnvResolver: resolver,
		History:     store,
		LogSink:     logSink,
		Notifier:    notifier,
		State:       stateMgr,
		Logger:      log,
	})

	// SIGINT/SIGTERM are handled by the orchestrator, which stops dispatch
	// without cancelling ctx so the job in flight is not killed.
	ctx := context.Background()

	var adminSrv *admin.Server
	if *admin_ {
		adminSrv = startAdminServer(rt, store, log)
		defer adminSrv.Shutdown(context.Background())
	}

	workingDir, err := os.Getwd()
	if err != nil {
		log.Warn("could not determine working directory", zap.Error(err))
	}

	opts := orchestrator.RunOptions{
		ContinueOnError:  *continueOnError,
		Skip:             splitNonEmpty(*skip),
		ResumeRunID:      *resumeFrom,
		ResumeFailedOnly: *resumeFailedOnly,
		WorkingDir:       workingDir,
		CLIEnv:           parseEnvOverrides(*envOverrides),
	}

	var result *orchestrator.Result
	if dryRun {
		result, err = orch.RunDry(ctx, opts)
	} else {
		result, err = orch.Run(ctx, opts)
	}
	if err != nil {
		log.Fatal("run failed", zap.Error(err))
	}

	log.Info("run finished",
		zap.Int64("run_id", result.RunID),
		zap.Int64("attempt_id", result.AttemptID),
		zap.Int("exit_code", result.ExitCode),
		zap.Int("completed", len(result.Completed)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("skipped", len(result.Skipped)),
	)
	os.Exit(result.ExitCode)
}

func startAdminServer(rt *config.RuntimeConfig, store history.Store, log *zap.Logger) *admin.Server {
	var jwtSvc *auth.JWTService
	var keyStore auth.APIKeyStore
	if rt.AuthEnabled {
		svc, err := auth.NewJWTService(auth.JWTConfig{
			SecretKey:   rt.JWTSecret,
			Issuer:      rt.JWTIssuer,
			TokenExpiry: auth.DefaultJWTConfig().TokenExpiry,
		})
		if err != nil {
			log.Fatal("init jwt service", zap.Error(err))
		}
		jwtSvc = svc
		keyStore = auth.NewInMemoryAPIKeyStore()
	}

	srv := admin.NewServer(admin.Config{
		Port:        rt.AdminPort,
		Store:       store,
		JWTService:  jwtSvc,
		APIKeyStore: keyStore,
		AuthEnabled: rt.AuthEnabled,
		ServiceName: "pipelexd",
	})
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("admin server stopped", zap.Error(err))
		}
	}()
	return srv
}

// parseEnvOverrides mirrors original_source/jobs/env_utils.py:parse_env_vars
// -- comma-separated KEY=VALUE pairs, invalid entries skipped with a warning.
func parseEnvOverrides(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" || value == "" {
			fmt.Fprintf(os.Stderr, "pipelexd: skipping invalid -env entry %q\n", pair)
			continue
		}
		out[key] = value
	}
	return out
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
