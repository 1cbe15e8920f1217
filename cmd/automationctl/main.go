// cmd/automationctl/main.go
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/config"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/model"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "list":
		err = cmdList()
	case "get":
		err = cmdGet(args)
	case "import":
		err = cmdImport(args)
	case "export":
		err = cmdExport(args)
	case "run":
		err = cmdRun(args)
	case "test":
		err = cmdTest(args)
	case "enable":
		err = cmdSetEnabled(args, true)
	case "disable":
		err = cmdSetEnabled(args, false)
	case "history":
		err = cmdHistory(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`automationctl - control the automation engine daemon over its HTTP API

Usage: automationctl <command> [options]

Commands:
  list                List all automations
  get <id>            Show one automation's full definition
  import <file.yaml>  Import a rule bundle, creating each automation
  export <file.yaml>  Export all automations to a rule bundle
  run <id> [params.json]   Manually execute an automation
  test <id> <event.json>   Dry-run an automation against a trigger event
  enable <id>         Enable an automation
  disable <id>        Disable an automation
  history [id]        Show recent executions, optionally filtered by automation

Environment:
  AUTOMATIONCTL_BASE_URL    daemon base URL (default http://127.0.0.1:8080)
  AUTOMATIONCTL_TOKEN       bearer token forwarded to the daemon's auth middleware`)
}

// --- HTTP client ---

func baseURL() string {
	if v := os.Getenv("AUTOMATIONCTL_BASE_URL"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}

func apiRequest(method, path string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, baseURL()+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := os.Getenv("AUTOMATIONCTL_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("daemon is not reachable at %s: %w", baseURL(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// --- Helpers ---

func printTable(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	fmt.Fprintln(tw, strings.Repeat("─", 60))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

func boolYesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// --- Commands ---

func cmdList() error {
	data, status, err := apiRequest(http.MethodGet, "/api/automations", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("daemon returned %d: %s", status, data)
	}

	var body struct {
		Automations []*model.Rule `json:"automations"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if len(body.Automations) == 0 {
		fmt.Println("No automations found")
		return nil
	}

	sort.Slice(body.Automations, func(i, j int) bool {
		return body.Automations[i].Name < body.Automations[j].Name
	})

	var rows [][]string
	for _, rule := range body.Automations {
		rows = append(rows, []string{
			truncate(rule.Name, 30),
			boolYesNo(rule.Enabled),
			string(rule.Trigger.Kind),
			truncate(rule.Description, 40),
			rule.ID,
		})
	}
	printTable([]string{"NAME", "ENABLED", "TRIGGER", "DESCRIPTION", "ID"}, rows)
	return nil
}

func cmdGet(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: automationctl get <id>")
	}
	data, status, err := apiRequest(http.MethodGet, "/api/automations/"+args[0], nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("daemon returned %d: %s", status, data)
	}
	fmt.Println(prettyJSON(data))
	return nil
}

func cmdImport(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: automationctl import <file.yaml>")
	}
	bundle, err := config.LoadRuleBundle(args[0])
	if err != nil {
		return err
	}

	var created, failed int
	for _, doc := range bundle.Rules {
		data, status, err := apiRequest(http.MethodPost, "/api/automations", doc)
		if err != nil || status != http.StatusCreated {
			failed++
			fmt.Fprintf(os.Stderr, "failed to import %q: status %d, %v %s\n", doc.Name, status, err, data)
			continue
		}
		created++
		fmt.Printf("imported %q\n", doc.Name)
	}
	fmt.Printf("%d imported, %d failed\n", created, failed)
	return nil
}

func cmdExport(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: automationctl export <file.yaml>")
	}
	data, status, err := apiRequest(http.MethodGet, "/api/automations", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("daemon returned %d: %s", status, data)
	}

	var body struct {
		Automations []*model.Rule `json:"automations"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	bundle := &config.RuleBundle{}
	for _, rule := range body.Automations {
		doc, err := config.FromModel(rule)
		if err != nil {
			return err
		}
		bundle.Rules = append(bundle.Rules, doc)
	}

	if err := config.SaveRuleBundle(args[0], bundle); err != nil {
		return err
	}
	fmt.Printf("exported %d automations to %s\n", len(bundle.Rules), args[0])
	return nil
}

func cmdRun(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: automationctl run <id> [params.json]")
	}
	var params map[string]any
	if len(args) > 1 {
		raw, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &params); err != nil {
			return fmt.Errorf("decoding parameters file: %w", err)
		}
	}

	data, status, err := apiRequest(http.MethodPost, "/api/automations/"+args[0]+"/execute", map[string]any{"parameters": params})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("daemon returned %d: %s", status, data)
	}
	fmt.Println(prettyJSON(data))
	return nil
}

func cmdTest(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: automationctl test <id> <event.json>")
	}
	raw, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	var event model.TriggerEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return fmt.Errorf("decoding trigger event file: %w", err)
	}

	data, status, err := apiRequest(http.MethodPost, "/api/automations/"+args[0]+"/test", map[string]any{"event": event})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("daemon returned %d: %s", status, data)
	}
	fmt.Println(prettyJSON(data))
	return nil
}

func cmdSetEnabled(args []string, enabled bool) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: automationctl %s <id>", map[bool]string{true: "enable", false: "disable"}[enabled])
	}
	action := "disable"
	if enabled {
		action = "enable"
	}
	data, status, err := apiRequest(http.MethodPost, "/api/automations/"+args[0]+"/"+action, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("daemon returned %d: %s", status, data)
	}
	fmt.Printf("%sd automation %s\n", action, args[0])
	return nil
}

func cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "max records to return")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := fmt.Sprintf("/api/executions?limit=%d", *limit)
	if ruleID := fs.Arg(0); ruleID != "" {
		path += "&automationId=" + ruleID
	}

	data, status, err := apiRequest(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("daemon returned %d: %s", status, data)
	}

	var body struct {
		Executions []*model.Execution `json:"executions"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if len(body.Executions) == 0 {
		fmt.Println("No executions found")
		return nil
	}

	var rows [][]string
	for _, e := range body.Executions {
		rows = append(rows, []string{
			e.ID,
			e.RuleID,
			string(e.Status),
			e.StartedAt.Format(time.RFC3339),
			fmt.Sprintf("%dms", e.DurationMs),
			truncate(e.Error, 40),
		})
	}
	printTable([]string{"EXECUTION", "AUTOMATION", "STATUS", "STARTED", "DURATION", "ERROR"}, rows)
	return nil
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(data)
	}
	return string(out)
}
