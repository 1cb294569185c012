// Command antfarmctl is the thin CLI a spawned worker invokes to report
// its result (spec.md §6): `step complete <stepId>` with the step's
// output piped on standard input, or `step fail <stepId> "<reason>"`.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	var apiURL string

	root := &cobra.Command{
		Use:   "antfarmctl",
		Short: "Report worker step results to the Antfarm scheduler",
	}
	root.PersistentFlags().StringVar(&apiURL, "api-url", getEnv("ANTFARM_API_URL", "http://localhost:8070"), "Antfarm daemon API base URL")

	step := &cobra.Command{
		Use:   "step",
		Short: "Report a step's outcome",
	}

	complete := &cobra.Command{
		Use:   "complete <stepId>",
		Short: "Report a step as complete, reading its output from standard input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			return postBody(apiURL+"/steps/"+args[0]+"/complete", output)
		},
	}

	fail := &cobra.Command{
		Use:   "fail <stepId> <reason>",
		Short: "Report a step as failed with a reason",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{"reason": args[1]})
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}
			return postJSON(apiURL+"/steps/"+args[0]+"/fail", body)
		},
	}

	step.AddCommand(complete, fail)
	root.AddCommand(step)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func postBody(url string, body []byte) error {
	return doPost(url, "text/plain", body)
}

func postJSON(url string, body []byte) error {
	return doPost(url, "application/json", body)
}

func doPost(url, contentType string, body []byte) error {
	resp, err := http.Post(url, contentType, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("antfarmd returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	fmt.Println(string(respBody))
	return nil
}
