package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coderelay/coderelay/pkg/config"
	"github.com/coderelay/coderelay/pkg/dispatchauth"
	"github.com/coderelay/coderelay/pkg/dispatchclient"
	"github.com/coderelay/coderelay/pkg/dispatcher"
	"github.com/coderelay/coderelay/pkg/log"
	"github.com/coderelay/coderelay/pkg/state"
)

var (
	dispatchTaskID     string
	dispatchWorker     string
	dispatchPrompt     string
	dispatchRepository string
	dispatchBaseBranch string
	dispatchSlug       string
	dispatchWebhookURL string
	dispatchSecret     string
	dispatchIssueID    string
	dispatchIssueTitle string
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Submit a task to the orchestrator fleet",
	Long: `Submit a coding task. Targets are tried in configured order
(orchestratorMacUrl first, orchestratorVmUrl as fallback); a draining or
full target falls through to the next one.

When --webhook-secret is omitted a fresh per-task secret is generated and
printed so the receiver can verify deliveries.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := log.Init(log.Config{Level: log.Level(cfg.LogLevel), Format: cfg.LogFormat}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer log.Sync()

		if dispatchTaskID == "" {
			return fmt.Errorf("--task-id is required")
		}
		if dispatchPrompt == "" {
			return fmt.Errorf("--prompt is required")
		}

		secret := dispatchSecret
		generated := false
		if secret == "" && dispatchWebhookURL != "" {
			secret, err = dispatchauth.GenerateWebhookSecret()
			if err != nil {
				return err
			}
			generated = true
		}

		client := dispatchclient.New(cfg.DispatchSecret, cfg.OrchestratorMacURL, cfg.OrchestratorVMURL)
		target, err := client.Dispatch(context.Background(), dispatcher.SubmitRequest{
			TaskID:           dispatchTaskID,
			WorkerType:       state.WorkerType(dispatchWorker),
			Prompt:           dispatchPrompt,
			Repository:       dispatchRepository,
			BaseBranch:       dispatchBaseBranch,
			Slug:             dispatchSlug,
			LinearIssueID:    dispatchIssueID,
			LinearIssueTitle: dispatchIssueTitle,
			WebhookURL:       dispatchWebhookURL,
			WebhookSecret:    secret,
		})
		if err != nil {
			return err
		}

		fmt.Printf("task %s accepted by %s\n", dispatchTaskID, target)
		if generated {
			fmt.Printf("webhook secret: %s\n", secret)
		}
		return nil
	},
}

func init() {
	dispatchCmd.Flags().StringVar(&dispatchTaskID, "task-id", "", "unique task id (idempotency key)")
	dispatchCmd.Flags().StringVar(&dispatchWorker, "worker", string(state.WorkerAuto), "worker type: opus, auto, or glm")
	dispatchCmd.Flags().StringVar(&dispatchPrompt, "prompt", "", "task prompt for the agent")
	dispatchCmd.Flags().StringVar(&dispatchRepository, "repository", "", "owner/repo to work in")
	dispatchCmd.Flags().StringVar(&dispatchBaseBranch, "base-branch", "", "branch to base the work on")
	dispatchCmd.Flags().StringVar(&dispatchSlug, "slug", "", "short slug naming the task's branch")
	dispatchCmd.Flags().StringVar(&dispatchWebhookURL, "webhook-url", "", "receiver for lifecycle and log events")
	dispatchCmd.Flags().StringVar(&dispatchSecret, "webhook-secret", "", "per-task webhook HMAC secret (generated when omitted)")
	dispatchCmd.Flags().StringVar(&dispatchIssueID, "linear-issue-id", "", "linked Linear issue id")
	dispatchCmd.Flags().StringVar(&dispatchIssueTitle, "linear-issue-title", "", "linked Linear issue title")
}
