package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
)

var (
	schedName        string
	schedCron        string
	schedTimezone    string
	schedType        string
	schedRecording   int64
	schedParams      string
	schedPriority    int
	schedMaxAttempts int
	schedOverlap     string
)

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Manage recurring job schedules",
}

var schedulesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a cron schedule that enqueues jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{
			"name":         schedName,
			"expression":   schedCron,
			"job_type":     schedType,
			"recording_id": schedRecording,
		}
		if schedTimezone != "" {
			req["timezone"] = schedTimezone
		}
		if schedParams != "" {
			if !json.Valid([]byte(schedParams)) {
				return fmt.Errorf("--params is not valid JSON")
			}
			req["params"] = json.RawMessage(schedParams)
		}
		if cmd.Flags().Changed("priority") {
			req["priority"] = schedPriority
		}
		if cmd.Flags().Changed("max-attempts") {
			req["max_attempts"] = schedMaxAttempts
		}
		if schedOverlap != "" {
			req["overlap_policy"] = schedOverlap
		}

		raw, err := call(http.MethodPost, "/api/v1/schedules", req)
		if err != nil {
			return err
		}
		if jsonOut {
			fmt.Println(string(raw))
			return nil
		}
		var resp struct {
			Schedule core.Schedule `json:"schedule"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return err
		}
		printSchedule(&resp.Schedule)
		return nil
	},
}

var schedulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := call(http.MethodGet, "/api/v1/schedules", nil)
		if err != nil {
			return err
		}
		if jsonOut {
			fmt.Println(string(raw))
			return nil
		}
		var resp struct {
			Schedules []*core.Schedule `json:"schedules"`
			Count     int              `json:"count"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return err
		}
		for _, s := range resp.Schedules {
			printSchedule(s)
		}
		fmt.Printf("%d schedule(s)\n", resp.Count)
		return nil
	},
}

var schedulesGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Show one schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := call(http.MethodGet, "/api/v1/schedules/"+args[0], nil)
		if err != nil {
			return err
		}
		if jsonOut {
			fmt.Println(string(raw))
			return nil
		}
		var resp struct {
			Schedule core.Schedule `json:"schedule"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return err
		}
		printSchedule(&resp.Schedule)
		return nil
	},
}

var schedulesDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := call(http.MethodDelete, "/api/v1/schedules/"+args[0], nil)
		if err != nil {
			return err
		}
		if jsonOut {
			fmt.Println(string(raw))
			return nil
		}
		fmt.Printf("deleted schedule %q\n", args[0])
		return nil
	},
}

func printSchedule(s *core.Schedule) {
	fmt.Printf("%s  %q  %-20s  rec=%d  next=%s\n",
		s.Name, s.Expression, s.JobType, s.RecordingID, s.NextRunAt)
	if s.Timezone != "" {
		fmt.Printf("    timezone: %s\n", s.Timezone)
	}
	if s.OverlapPolicy != "" {
		fmt.Printf("    overlap: %s\n", s.OverlapPolicy)
	}
}

func init() {
	schedulesCreateCmd.Flags().StringVar(&schedName, "name", "", "Unique schedule name")
	schedulesCreateCmd.Flags().StringVar(&schedCron, "cron", "", "Cron expression, five fields or @descriptor")
	schedulesCreateCmd.Flags().StringVar(&schedTimezone, "timezone", "", "IANA timezone for the expression")
	schedulesCreateCmd.Flags().StringVar(&schedType, "type", "", "Job type to enqueue")
	schedulesCreateCmd.Flags().Int64Var(&schedRecording, "recording", 0, "Recording ID to process")
	schedulesCreateCmd.Flags().StringVar(&schedParams, "params", "", "Job parameters as a JSON object")
	schedulesCreateCmd.Flags().IntVar(&schedPriority, "priority", 0, "Priority from -100 to 100")
	schedulesCreateCmd.Flags().IntVar(&schedMaxAttempts, "max-attempts", 0, "Attempt budget for enqueued jobs")
	schedulesCreateCmd.Flags().StringVar(&schedOverlap, "overlap", "", "Overlap policy (allow|skip)")

	schedulesCmd.AddCommand(schedulesCreateCmd, schedulesListCmd, schedulesGetCmd, schedulesDeleteCmd)
	rootCmd.AddCommand(schedulesCmd)
}
