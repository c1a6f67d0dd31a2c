// chatakctl drives the audio job service over its HTTP API: enqueue and
// inspect jobs, follow progress streams, control the worker loop and manage
// recurring schedules.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/api"
	"github.com/07raghavan/chatak-eco-soundscape-sub002/internal/core"
)

var (
	serverURL string
	apiKey    string
	jsonOut   bool
)

var rootCmd = &cobra.Command{
	Use:          "chatakctl",
	Short:        "Control the soundscape job service",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CHATAK_SERVER", "http://localhost:8080"), "Base URL of the job server")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CHATAK_API_KEY"), "API key sent as a Bearer token")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print raw JSON responses")
}

func envOr(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// call performs one API request and returns the response body. Error
// responses are unwrapped into their server-side message.
func call(method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var envelope api.ErrorResponse
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
			return nil, fmt.Errorf("%s (%s)", envelope.Error.Message, envelope.Error.Code)
		}
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}
	return raw, nil
}

func printJob(j *core.Job) {
	fmt.Printf("%s  %-9s  %-20s  rec=%d  attempts=%d/%d  priority=%d\n",
		j.JobID, j.Status, j.Type, j.RecordingID, j.Attempts, j.MaxAttempts, j.Priority)
	if p := j.Payload.Progress; p.Percent > 0 || p.Message != "" {
		fmt.Printf("    progress: %d%%  %s\n", p.Percent, p.Message)
	}
	if j.Error != "" {
		fmt.Printf("    error: %s\n", j.Error)
	}
	if len(j.Payload.Result) > 0 {
		fmt.Printf("    result: %s\n", j.Payload.Result)
	}
}
