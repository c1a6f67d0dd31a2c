package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
)

var reclaimThresholdMs int64

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Requeue jobs stuck in running past the staleness threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		var body any
		if cmd.Flags().Changed("threshold-ms") {
			body = map[string]any{"threshold_ms": reclaimThresholdMs}
		}
		raw, err := call(http.MethodPost, "/api/v1/reaper/reclaim", body)
		if err != nil {
			return err
		}
		if jsonOut {
			fmt.Println(string(raw))
			return nil
		}
		var resp struct {
			Reclaimed int `json:"reclaimed"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return err
		}
		fmt.Printf("reclaimed %d job(s)\n", resp.Reclaimed)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server health and job counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := call(http.MethodGet, "/healthz", nil)
		if err != nil {
			return err
		}
		if jsonOut {
			fmt.Println(string(raw))
			return nil
		}
		var resp struct {
			Status  string         `json:"status"`
			Version string         `json:"version"`
			Driver  string         `json:"driver"`
			Jobs    map[string]int `json:"jobs"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return err
		}
		fmt.Printf("server: %s (v%s, %s)\n", resp.Status, resp.Version, resp.Driver)
		if resp.Jobs != nil {
			fmt.Printf("jobs: queued=%d running=%d succeeded=%d failed=%d\n",
				resp.Jobs[core.StatusQueued], resp.Jobs[core.StatusRunning],
				resp.Jobs[core.StatusSucceeded], resp.Jobs[core.StatusFailed])
		}
		return nil
	},
}

func init() {
	reclaimCmd.Flags().Int64Var(&reclaimThresholdMs, "threshold-ms", 0, "Staleness threshold in milliseconds")
	rootCmd.AddCommand(reclaimCmd, statsCmd)
}
