package main

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/coderelay/coderelay/pkg/config"
	"github.com/coderelay/coderelay/pkg/dispatchauth"
)

var taskTarget string

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's record on an orchestrator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskRequest(http.MethodGet, "/tasks/"+args[0])
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a running task",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskRequest(http.MethodPost, "/tasks/"+args[0]+"/cancel")
	},
	Args: cobra.ExactArgs(1),
}

// taskRequest issues one signed request against the selected orchestrator
// and prints the response body.
func taskRequest(method, path string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	target := taskTarget
	if target == "" {
		target = cfg.OrchestratorMacURL
	}
	if target == "" {
		return fmt.Errorf("no orchestrator target: set --target or orchestratorMacUrl")
	}

	sig, err := dispatchauth.Sign(nil, time.Now().UnixMilli(), cfg.DispatchSecret)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(method, target+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(dispatchauth.HeaderTimestamp, strconv.FormatInt(sig.Timestamp, 10))
	req.Header.Set(dispatchauth.HeaderSignature, sig.Value)
	req.Header.Set(dispatchauth.HeaderNonce, dispatchauth.GenerateNonce())

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("orchestrator answered %d: %s", resp.StatusCode, string(body))
	}
	fmt.Println(string(body))
	return nil
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, cancelCmd} {
		c.Flags().StringVar(&taskTarget, "target", "", "orchestrator base URL (defaults to orchestratorMacUrl)")
	}
}
