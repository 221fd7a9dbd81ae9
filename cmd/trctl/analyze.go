package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskrouter/internal/client"
	"github.com/fyrsmithlabs/taskrouter/internal/pipeline"
	"github.com/fyrsmithlabs/taskrouter/internal/planner"
	"github.com/fyrsmithlabs/taskrouter/internal/policy"
	"github.com/fyrsmithlabs/taskrouter/internal/semantic"
)

var (
	analyzeContext map[string]string
	analyzeAgent   string
	analyzeMode    string
	callerID       string
	callerRoles    []string
	outputJSON     bool
	executeConfirm bool
)

func init() {
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(executeCmd)

	for _, c := range []*cobra.Command{analyzeCmd, executeCmd} {
		c.Flags().StringVar(&callerID, "caller", "", "caller id for policy evaluation")
		c.Flags().StringSliceVar(&callerRoles, "role", nil, "caller role (repeatable)")
		c.Flags().StringToStringVarP(&analyzeContext, "context", "c", nil, "context entries as key=value")
		c.Flags().BoolVar(&outputJSON, "json", false, "print the raw JSON response")
	}
	analyzeCmd.Flags().StringVar(&analyzeAgent, "agent", "", "restrict planning to one agent")
	analyzeCmd.Flags().StringVar(&analyzeMode, "mode", "", "request mode: design, execution or sandbox")
	executeCmd.Flags().BoolVar(&executeConfirm, "confirm", false, "confirm a graph that requires confirmation")
}

// analyzeCmd submits a task to the pipeline
var analyzeCmd = &cobra.Command{
	Use:   "analyze [task|-]",
	Short: "Analyze and route a task",
	Long: `Submit a natural-language task to taskrouterd. The server resolves an
intent, plans a task graph from registered capabilities, runs the policy
gate and, when auto-dispatch is enabled, executes the graph.

Examples:
  # Analyze a task
  trctl analyze "generate a patch design for the onboarding guide"

  # Read the task from stdin and pass context
  cat request.txt | trctl analyze - -c summary="user is editing docs/guide.md"

  # Restrict planning to one agent and print JSON
  trctl analyze --agent editor --json "apply the reviewed patch"`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

// executeCmd runs a caller-supplied task graph
var executeCmd = &cobra.Command{
	Use:   "execute [graph.json|-]",
	Short: "Execute a task graph",
	Long: `Execute a task graph. The file holds either a bare graph
({"nodes": [...]}) or a full execute request ({"task_graph": {...}}).
The graph is validated against the registry and the policy gate before
anything is dispatched.

Examples:
  # Execute the graph returned by a previous analyze
  trctl analyze --json "patch the guide" | jq .task_graph > graph.json
  trctl execute graph.json

  # Confirm a graph that needs confirmation
  trctl execute --confirm graph.json`,
	Args: cobra.ExactArgs(1),
	RunE: runExecute,
}

func caller() policy.Caller {
	return policy.Caller{ID: callerID, Roles: callerRoles}
}

func contextMap() map[string]any {
	if len(analyzeContext) == 0 {
		return nil
	}
	out := make(map[string]any, len(analyzeContext))
	for k, v := range analyzeContext {
		out[k] = v
	}
	return out
}

func readInput(arg string, stdin io.Reader) ([]byte, error) {
	if arg == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", arg, err)
	}
	return data, nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	task := args[0]
	if task == "-" {
		data, err := readInput("-", cmd.InOrStdin())
		if err != nil {
			return err
		}
		task = string(data)
	}
	task = strings.TrimSpace(task)
	if task == "" {
		return errors.New("no task to analyze")
	}

	req := pipeline.AnalyzeRequest{
		Task:             task,
		Context:          contextMap(),
		SpecifiedAgentID: analyzeAgent,
		Mode:             semantic.Mode(analyzeMode),
		Caller:           caller(),
	}
	c := newClient()
	resp, err := withSpinner(cmd, "Routing task", func() (*pipeline.AnalyzeResponse, error) {
		return c.Analyze(cmd.Context(), req)
	})
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprint(cmd.OutOrStdout(), renderAnalyze(resp))
	return nil
}

// parseExecuteRequest accepts a full request or a bare graph.
func parseExecuteRequest(data []byte) (pipeline.ExecuteRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return pipeline.ExecuteRequest{}, fmt.Errorf("invalid graph JSON: %w", err)
	}

	var req pipeline.ExecuteRequest
	if _, ok := fields["task_graph"]; ok {
		if err := json.Unmarshal(data, &req); err != nil {
			return pipeline.ExecuteRequest{}, fmt.Errorf("invalid execute request: %w", err)
		}
		return req, nil
	}
	var g planner.TaskGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return pipeline.ExecuteRequest{}, fmt.Errorf("invalid task graph: %w", err)
	}
	req.TaskGraph = g
	return req, nil
}

func runExecute(cmd *cobra.Command, args []string) error {
	data, err := readInput(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}
	req, err := parseExecuteRequest(data)
	if err != nil {
		return err
	}

	if ctx := contextMap(); ctx != nil {
		if req.Context == nil {
			req.Context = map[string]any{}
		}
		for k, v := range ctx {
			req.Context[k] = v
		}
	}
	if executeConfirm {
		if req.Context == nil {
			req.Context = map[string]any{}
		}
		req.Context["confirmed"] = true
	}
	if callerID != "" || len(callerRoles) > 0 {
		req.Caller = caller()
	}

	c := newClient()
	resp, err := withSpinner(cmd, "Executing graph", func() (*pipeline.ExecuteResponse, error) {
		return c.Execute(cmd.Context(), req)
	})
	var statusErr *client.StatusError
	if err != nil && (resp == nil || !errors.As(err, &statusErr)) {
		return err
	}

	if outputJSON {
		if perr := printJSON(cmd.OutOrStdout(), resp); perr != nil {
			return perr
		}
	} else {
		fmt.Fprint(cmd.OutOrStdout(), renderExecute(resp))
	}
	if statusErr != nil {
		return refusal(statusErr)
	}
	if resp.Status != pipeline.ExecutionSuccess {
		return fmt.Errorf("execution %s", resp.Status)
	}
	return nil
}

func refusal(err *client.StatusError) error {
	switch err.Code {
	case 403:
		return errors.New("execution denied by policy")
	case 409:
		return errors.New("execution requires confirmation, rerun with --confirm")
	case 422:
		return errors.New("task graph rejected")
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
