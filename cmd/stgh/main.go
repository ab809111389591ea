// Package main implements the stgh CLI for manual operations against
// the stagehandd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the stagehandd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stgh",
	Short: "CLI for stagehandd task orchestration",
	Long: `stgh is a command-line interface for the stagehandd daemon.
It submits tasks, inspects their progress, fetches results, and cancels them.`,
	Version: version,
}

var submitPriority int

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9190", "stagehandd server URL")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 3, "priority hint, 1 (low) to 5 (high)")
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(healthCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit [description]",
	Short: "Submit a task",
	Long: `Submit a task description for orchestrated execution.

Examples:
  # Submit inline
  stgh submit "add retry logic to the uploader"

  # Submit from stdin
  cat task.txt | stgh submit -

  # Raise the priority hint
  stgh submit --priority 5 "rotate the signing keys"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's stage, tier, and status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var resultCmd = &cobra.Command{
	Use:   "result <task-id>",
	Short: "Fetch a committed task's artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runResult,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var listCmd = &cobra.Command{
	Use:   "list [status]",
	Short: "List tasks, optionally filtered by status",
	Long: `List tasks known to the daemon.

Examples:
  # All tasks
  stgh list

  # Only failures
  stgh list failed`,
	Args: cobra.MaximumNArgs(1),
	RunE: runList,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check stagehandd server health",
	RunE:  runHealth,
}

// SubmitRequest matches internal/server SubmitRequest.
type SubmitRequest struct {
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

// SubmitResponse matches internal/server SubmitResponse.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

// StatusResponse matches internal/server StatusResponse.
type StatusResponse struct {
	TaskID     string  `json:"task_id"`
	Stage      string  `json:"stage"`
	Status     string  `json:"status"`
	Tier       string  `json:"tier,omitempty"`
	Replans    int     `json:"replans"`
	Confidence float64 `json:"confidence,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// ResultResponse matches internal/server ResultResponse.
type ResultResponse struct {
	TaskID    string `json:"task_id"`
	Artifacts []struct {
		ID       string `json:"id"`
		Producer string `json:"producer"`
		Content  string `json:"content"`
	} `json:"artifacts"`
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
}

func runSubmit(cmd *cobra.Command, args []string) error {
	var description string
	if len(args) == 0 || args[0] == "-" {
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
		description = string(content)
	} else {
		description = args[0]
	}
	if description == "" {
		return fmt.Errorf("no task description")
	}

	reqJSON, err := json.Marshal(SubmitRequest{Description: description, Priority: submitPriority})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := httpClient().Post(serverURL+"/api/v1/tasks", "application/json", bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusAccepted); err != nil {
		return err
	}

	var submitted SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Println(submitted.TaskID)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := httpClient().Get(serverURL + "/api/v1/tasks/" + url.PathEscape(args[0]))
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	printStatus(status)
	return nil
}

func printStatus(s StatusResponse) {
	fmt.Printf("task:    %s\n", s.TaskID)
	fmt.Printf("status:  %s\n", s.Status)
	fmt.Printf("stage:   %s\n", s.Stage)
	if s.Tier != "" {
		fmt.Printf("tier:    %s\n", s.Tier)
	}
	fmt.Printf("replans: %d\n", s.Replans)
	if s.Confidence > 0 {
		fmt.Printf("confidence: %.2f\n", s.Confidence)
	}
	if s.Reason != "" {
		fmt.Printf("reason:  %s\n", s.Reason)
	}
}

func runResult(cmd *cobra.Command, args []string) error {
	resp, err := httpClient().Get(serverURL + "/api/v1/tasks/" + url.PathEscape(args[0]) + "/result")
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}

	var result ResultResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	for _, art := range result.Artifacts {
		fmt.Fprintf(os.Stderr, "[%s %s]\n", art.Producer, art.ID)
		fmt.Println(art.Content)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequest(http.MethodDelete, serverURL+"/api/v1/tasks/"+url.PathEscape(args[0]), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusNoContent); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "cancelled %s\n", args[0])
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	endpoint := serverURL + "/api/v1/tasks"
	if len(args) == 1 {
		endpoint += "?status=" + url.QueryEscape(args[0])
	}

	resp, err := httpClient().Get(endpoint)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}

	var tasks []StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	for _, t := range tasks {
		fmt.Printf("%s  %-10s %-8s %s\n", t.TaskID, t.Status, t.Stage, t.Tier)
	}
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	resp, err := httpClient().Get(serverURL + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to connect to %s: %v\n", serverURL, err)
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}

	fmt.Println("ok")
	return nil
}
