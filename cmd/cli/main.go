package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	language  string
	ownerID   string
	entryFile string
)

func main() {
	root := &cobra.Command{
		Use:   "studio-cli",
		Short: "CLI client for the studio execution service",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("STUDIO_API_KEY"), "API key")

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new environment",
		RunE:  runCreate,
	}
	createCmd.Flags().StringVarP(&language, "language", "l", "python", "Language (python, javascript, bash, go, cpp, java)")
	createCmd.Flags().StringVar(&ownerID, "owner", "cli", "Owner ID")
	root.AddCommand(createCmd)

	execCmd := &cobra.Command{
		Use:   "exec [env-id] [code]",
		Short: "Run code in an environment and stream its output",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runExec,
	}
	execCmd.Flags().StringVar(&entryFile, "entry", "", "Entry file name (defaults per language)")
	root.AddCommand(execCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file [env-id] [file]",
		Short: "Run code from a file in an environment",
		Args:  cobra.ExactArgs(2),
		RunE:  runExecFile,
	}
	root.AddCommand(execFileCmd)

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List live environments",
		RunE:  runList,
	})

	root.AddCommand(&cobra.Command{
		Use:   "status [env-id]",
		Short: "Show one environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/environments/" + args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stop [env-id]",
		Short: "Stop an environment and release its sandbox",
		Args:  cobra.ExactArgs(1),
		RunE:  runStop,
	})

	root.AddCommand(&cobra.Command{
		Use:   "security [env-id]",
		Short: "Show an environment's security violations",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/environments/" + args[0] + "/security")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "cleanup-stats",
		Short: "Show cleanup sweep statistics",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/cleanup/stats")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCreate(_ *cobra.Command, _ []string) error {
	payload := map[string]any{
		"owner_id": ownerID,
		"language": language,
	}
	body, _ := json.Marshal(payload)

	resp, err := doRequest("POST", "/environments", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printJSON(resp.Body)
}

func runExec(_ *cobra.Command, args []string) error {
	var code string
	if len(args) > 1 {
		code = args[1]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}
	return executeCode(args[0], code)
}

func runExecFile(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	return executeCode(args[0], string(data))
}

// executeCode posts code to an environment and renders the SSE stream:
// stdout and stderr chunks go to the matching local stream, the final
// status event decides the exit code.
func executeCode(envID, code string) error {
	payload := map[string]any{"code": code}
	if entryFile != "" {
		payload["entry_file"] = entryFile
	}
	body, _ := json.Marshal(payload)

	resp, err := doRequest("POST", "/environments/"+envID+"/execute", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return printJSON(resp.Body)
	}

	var event string
	var data strings.Builder
	exitCode := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(line, "data: "))
		case line == "":
			if event != "" {
				exitCode = renderEvent(event, data.String(), exitCode)
			}
			event = ""
			data.Reset()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

func renderEvent(event, data string, exitCode int) int {
	switch event {
	case "stdout", "stderr":
		var chunk struct {
			Data string `json:"data"`
		}
		if json.Unmarshal([]byte(data), &chunk) == nil {
			out := os.Stdout
			if event == "stderr" {
				out = os.Stderr
			}
			fmt.Fprint(out, chunk.Data)
		}
	case "status":
		var status struct {
			Status   string `json:"status"`
			ExitCode int    `json:"exit_code"`
			Error    string `json:"error"`
		}
		if json.Unmarshal([]byte(data), &status) == nil {
			if status.Status != "completed" {
				fmt.Fprintf(os.Stderr, "execution %s", status.Status)
				if status.Error != "" {
					fmt.Fprintf(os.Stderr, ": %s", status.Error)
				}
				fmt.Fprintln(os.Stderr)
			}
			return status.ExitCode
		}
	case "error":
		fmt.Fprintln(os.Stderr, data)
		return 1
	}
	return exitCode
}

func runStop(_ *cobra.Command, args []string) error {
	resp, err := doRequest("DELETE", "/environments/"+args[0], nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printJSON(resp.Body)
}

func runList(_ *cobra.Command, _ []string) error {
	return getJSON("/environments")
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	return printJSON(resp.Body)
}

func getJSON(path string) error {
	resp, err := doRequest("GET", path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printJSON(resp.Body)
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	// No client timeout: exec streams stay open for the life of the run.
	client := &http.Client{Timeout: 0}
	if method != "POST" {
		client.Timeout = 30 * time.Second
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func printJSON(r io.Reader) error {
	var result any
	if err := json.NewDecoder(r).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}
