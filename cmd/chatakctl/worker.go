package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/worker"
)

var workerIntervalMs int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Control the server's polling worker loop",
}

var workerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the worker loop state",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := call(http.MethodGet, "/api/v1/worker", nil)
		if err != nil {
			return err
		}
		return printWorker(raw)
	},
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the polling loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if workerIntervalMs > 0 {
			body["interval_ms"] = workerIntervalMs
		}
		raw, err := call(http.MethodPost, "/api/v1/worker/start", body)
		if err != nil {
			return err
		}
		return printWorker(raw)
	},
}

var workerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the polling loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := call(http.MethodPost, "/api/v1/worker/stop", nil)
		if err != nil {
			return err
		}
		return printWorker(raw)
	},
}

var workerPollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Claim and execute at most one eligible job",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := call(http.MethodPost, "/api/v1/worker/poll", nil)
		if err != nil {
			return err
		}
		if jsonOut {
			fmt.Println(string(raw))
			return nil
		}
		var resp struct {
			Job *core.Job `json:"job"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return err
		}
		if resp.Job == nil {
			fmt.Println("no eligible job")
			return nil
		}
		printJob(resp.Job)
		return nil
	},
}

func printWorker(raw []byte) error {
	if jsonOut {
		fmt.Println(string(raw))
		return nil
	}
	var resp struct {
		Worker worker.Status `json:"worker"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	state := "stopped"
	if resp.Worker.Running {
		state = "running, interval " + resp.Worker.Interval
	}
	fmt.Printf("worker: %s\n", state)
	fmt.Printf("types:  %s\n", strings.Join(resp.Worker.Types, ", "))
	if resp.Worker.LastTick != "" {
		fmt.Printf("last tick: %s\n", resp.Worker.LastTick)
	}
	return nil
}

func init() {
	workerStartCmd.Flags().IntVar(&workerIntervalMs, "interval-ms", 0, "Poll interval in milliseconds (0 uses the server default)")
	workerCmd.AddCommand(workerStatusCmd, workerStartCmd, workerStopCmd, workerPollCmd)
	rootCmd.AddCommand(workerCmd)
}
