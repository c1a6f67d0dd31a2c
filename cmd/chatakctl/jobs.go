package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/progress"
)

var (
	enqueueRecording   int64
	enqueueType        string
	enqueueParams      string
	enqueuePriority    int
	enqueueMaxAttempts int
	enqueueDedupeKey   string

	listStatus    string
	listType      string
	listRecording int64
	listLimit     int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Submit a processing job for a recording",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{
			"recording_id": enqueueRecording,
			"type":         enqueueType,
		}
		if enqueueParams != "" {
			if !json.Valid([]byte(enqueueParams)) {
				return fmt.Errorf("--params is not valid JSON")
			}
			req["params"] = json.RawMessage(enqueueParams)
		}
		if cmd.Flags().Changed("priority") {
			req["priority"] = enqueuePriority
		}
		if cmd.Flags().Changed("max-attempts") {
			req["max_attempts"] = enqueueMaxAttempts
		}
		if enqueueDedupeKey != "" {
			req["dedupe_key"] = enqueueDedupeKey
		}

		raw, err := call(http.MethodPost, "/api/v1/jobs", req)
		if err != nil {
			return err
		}
		if jsonOut {
			fmt.Println(string(raw))
			return nil
		}
		var resp struct {
			Job core.Job `json:"job"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return err
		}
		printJob(&resp.Job)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := call(http.MethodGet, "/api/v1/jobs/"+args[0], nil)
		if err != nil {
			return err
		}
		if jsonOut {
			fmt.Println(string(raw))
			return nil
		}
		var resp struct {
			Job core.Job `json:"job"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return err
		}
		printJob(&resp.Job)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, optionally filtered",
	RunE: func(cmd *cobra.Command, args []string) error {
		query := url.Values{}
		if listStatus != "" {
			query.Set("status", listStatus)
		}
		if listType != "" {
			query.Set("type", listType)
		}
		if listRecording > 0 {
			query.Set("recording_id", strconv.FormatInt(listRecording, 10))
		}
		if listLimit > 0 {
			query.Set("limit", strconv.Itoa(listLimit))
		}
		path := "/api/v1/jobs"
		if len(query) > 0 {
			path += "?" + query.Encode()
		}

		raw, err := call(http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		if jsonOut {
			fmt.Println(string(raw))
			return nil
		}
		var resp struct {
			Jobs  []*core.Job `json:"jobs"`
			Count int         `json:"count"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return err
		}
		for _, j := range resp.Jobs {
			printJob(j)
		}
		fmt.Printf("%d job(s)\n", resp.Count)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Requeue a failed job with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := call(http.MethodPost, "/api/v1/jobs/"+args[0]+"/retry", nil)
		if err != nil {
			return err
		}
		if jsonOut {
			fmt.Println(string(raw))
			return nil
		}
		var resp struct {
			Job core.Job `json:"job"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return err
		}
		printJob(&resp.Job)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job's progress stream until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := http.NewRequest(http.MethodGet, serverURL+"/api/v1/jobs/"+args[0]+"/events", nil)
		if err != nil {
			return err
		}
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}

		// No client timeout: the stream stays open until the job ends.
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned %s", resp.Status)
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			payload, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok || payload == "" {
				continue
			}
			if jsonOut {
				fmt.Println(payload)
				continue
			}
			var ev progress.Event
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				continue
			}
			fmt.Printf("%3d%%  %-9s  %s\n", ev.Percent, ev.Status, ev.Message)
			if ev.Error != "" {
				fmt.Printf("      error: %s\n", ev.Error)
			}
			if core.StatusTerminal(ev.Status) && len(ev.Result) > 0 {
				fmt.Printf("      result: %s\n", ev.Result)
			}
		}
		return scanner.Err()
	},
}

func init() {
	enqueueCmd.Flags().Int64Var(&enqueueRecording, "recording", 0, "Recording ID to process")
	enqueueCmd.Flags().StringVar(&enqueueType, "type", "", "Job type (segmentation|event-detection|feature-extraction|clustering|spectrogram)")
	enqueueCmd.Flags().StringVar(&enqueueParams, "params", "", "Job parameters as a JSON object")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 0, "Priority from -100 to 100")
	enqueueCmd.Flags().IntVar(&enqueueMaxAttempts, "max-attempts", 0, "Attempt budget before the job fails permanently")
	enqueueCmd.Flags().StringVar(&enqueueDedupeKey, "dedupe-key", "", "Reject duplicates sharing this key while one is active")

	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (queued|running|succeeded|failed)")
	listCmd.Flags().StringVar(&listType, "type", "", "Filter by job type")
	listCmd.Flags().Int64Var(&listRecording, "recording", 0, "Filter by recording ID")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Max rows")

	rootCmd.AddCommand(enqueueCmd, getCmd, listCmd, retryCmd, watchCmd)
}
