package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coderelay/coderelay/pkg/config"
	"github.com/coderelay/coderelay/pkg/dispatcher"
	"github.com/coderelay/coderelay/pkg/ghauth"
	"github.com/coderelay/coderelay/pkg/github"
	"github.com/coderelay/coderelay/pkg/log"
	"github.com/coderelay/coderelay/pkg/logfwd"
	"github.com/coderelay/coderelay/pkg/server"
	"github.com/coderelay/coderelay/pkg/session"
	"github.com/coderelay/coderelay/pkg/state"
	"github.com/coderelay/coderelay/pkg/webhook"
	"github.com/coderelay/coderelay/pkg/worktree"
)

// shutdownGrace bounds how long in-flight HTTP requests may linger once a
// termination signal arrives.
const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	Long: `Run the orchestrator: load persisted state, re-adopt surviving task
sessions, and serve the admission HTTP endpoint until interrupted.

On SIGINT/SIGTERM the daemon drains: new admissions are refused and
background loops stop, but running sessions are left alive so a restarted
daemon can re-adopt them.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		if err := log.Init(log.Config{Level: log.Level(cfg.LogLevel), Format: cfg.LogFormat}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer log.Sync()

		store := state.NewStore(cfg.StateFilePath)
		st, err := store.Load()
		if err != nil {
			return fmt.Errorf("failed to load state: %w", err)
		}

		// The dispatcher serializes all state writes; the credential service
		// and webhook client reach it through these persist hooks. The
		// variable is assigned before any background loop starts.
		var disp *dispatcher.Dispatcher

		authSvc := ghauth.New(ghauth.Config{
			AppID:          cfg.GitHubAppID,
			InstallationID: cfg.GitHubInstallationID,
			PrivateKeyPath: cfg.GitHubPrivateKeyPath,
			TokenFilePath:  cfg.TokenFilePath,
			ExpiryWindow:   cfg.TokenExpiryWindow,
			APIBaseURL:     cfg.GitHubAPIBaseURL,
			Persist: func(cred *state.InstallationCredential) {
				if disp != nil {
					disp.PersistCredential(cred)
				}
			},
		})
		authSvc.Hydrate(st.GitHubToken)
		authSvc.OnAuthDegraded(func() {
			log.Error("installation token refresh is persistently failing; forge operations will degrade")
		})

		forge, err := github.NewClient(authSvc, cfg.GitHubAPIBaseURL)
		if err != nil {
			return err
		}

		webhooks := webhook.NewClient(func(pending []state.PendingWebhook) {
			if disp != nil {
				disp.PersistWebhooks(pending)
			}
		})
		webhooks.Hydrate(st.PendingWebhooks)

		worktrees := worktree.NewManager(cfg.WorktreeBasePath, func(repository string) string {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			tok, err := authSvc.Token(ctx)
			if err != nil || tok == "" {
				return "https://github.com/" + repository + ".git"
			}
			return fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", tok, repository)
		})
		sessions := session.NewManager(cfg.LogBasePath)

		disp = dispatcher.New(dispatcher.Config{
			Capacity:          cfg.Capacity,
			TaskTimeout:       cfg.TaskTimeout,
			DefaultRepository: cfg.DefaultRepository,
			DefaultBaseBranch: cfg.DefaultBaseBranch,
		}, dispatcher.Deps{
			Worktrees: worktrees,
			Sessions:  sessions,
			Forge:     forge,
			Webhooks:  webhooks,
			Saver:     store,
			NewForwarder: func(t *state.Task) dispatcher.Forwarder {
				return logfwd.New(t.TaskID, t.LogPath, t.WebhookURL, t.WebhookSecret, webhooks)
			},
		}, st)

		ctx := context.Background()
		disp.Recover(ctx)
		webhooks.RetryPending(ctx)
		webhooks.StartRetryLoop(time.Minute)
		if cfg.GitHubAppID != 0 {
			authSvc.StartBackgroundRefresh(cfg.TokenRefreshInterval)
		}
		disp.StartPolling(0)

		srv := server.New(cfg.DispatchSecret, disp, authSvc)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe(fmt.Sprintf(":%d", cfg.Port))
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			log.Info("signal received, draining", "signal", sig)
		}

		srv.SetDraining(true)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("admission server shutdown failed", "error", err)
		}

		authSvc.StopBackgroundRefresh()
		webhooks.StopRetryLoop()
		disp.Drain()

		log.Info("orchestrator stopped", "running_tasks", disp.RunningCount())
		return nil
	},
}
