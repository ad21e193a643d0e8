package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"truecoding/internal/tui"
	truecodingsdk "truecoding/sdk/go"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project owned by the caller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newClient("").CreateProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(p)
			}
			fmt.Printf("created project %s (%s)\n", p.Name, p.ID)
			return nil
		},
	}
}

func projectListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects in the local workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := openApp(nil, true)
			if err != nil {
				return err
			}
			defer ac.Close()
			items, err := ac.Engine.Repo.ListProjects(cmd.Context(), owner)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTable(table.Row{"ID", "Name", "Owner", "Runs", "Created"})
			for _, p := range items {
				n, err := ac.Engine.Repo.CountRuns(cmd.Context(), p.ID)
				if err != nil {
					return err
				}
				tw.AppendRow(table.Row{p.ID, p.Name, p.OwnerID, n, p.CreatedAt})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only projects owned by this actor")
	return cmd
}

func planCmd() *cobra.Command {
	plans := &cobra.Command{Use: "plan", Short: "Manage project plans"}
	plans.AddCommand(&cobra.Command{
		Use:   "set <business|technical|ux> <file>",
		Short: "Store a plan document (JSON or YAML)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := projectClient()
			if err != nil {
				return err
			}
			content, err := readDocument(args[1])
			if err != nil {
				return err
			}
			if err := client.SetPlan(cmd.Context(), args[0], content); err != nil {
				return err
			}
			fmt.Printf("%s plan stored for project %s\n", args[0], client.ProjectID)
			return nil
		},
	})
	return plans
}

func runCmd() *cobra.Command {
	runs := &cobra.Command{Use: "run", Short: "Start and control development runs"}
	runs.AddCommand(runStartCmd())
	runs.AddCommand(runListCmd())
	runs.AddCommand(runShowCmd())
	runs.AddCommand(runWatchCmd())
	runs.AddCommand(runCheckpointCmd())
	runs.AddCommand(runRecoverCmd())
	runs.AddCommand(runRetryCmd())
	runs.AddCommand(runCancelCmd())
	return runs
}

func runStartCmd() *cobra.Command {
	var assessmentFile, iterationsFile string
	var watch bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run, or return the one already active",
		Long: `Start a run for the project. Pass --assessment and --iterations together to
provide an approved plan; omit both to let the server plan the run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := projectClient()
			if err != nil {
				return err
			}
			var assessment, iterations json.RawMessage
			if assessmentFile != "" {
				if assessment, err = readRawDocument(assessmentFile); err != nil {
					return err
				}
			}
			if iterationsFile != "" {
				if iterations, err = readRawDocument(iterationsFile); err != nil {
					return err
				}
			}
			res, err := client.StartRun(cmd.Context(), assessment, iterations)
			if err != nil {
				return err
			}
			if viper.GetBool("json") && !watch {
				return printJSON(res)
			}
			verb := "started"
			if res.AlreadyActive {
				verb = "already active:"
			}
			fmt.Printf("run %s %s [%s]\n", verb, res.Run.ID, res.Run.Status)
			if watch {
				return watchRun(cmd.Context(), client, res.Run.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&assessmentFile, "assessment", "", "approved plan assessment (JSON or YAML file)")
	cmd.Flags().StringVar(&iterationsFile, "iterations", "", "approved plan iterations (JSON or YAML file)")
	cmd.Flags().BoolVar(&watch, "watch", false, "follow the run after starting it")
	return cmd
}

func runListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the project's recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := projectClient()
			if err != nil {
				return err
			}
			items, err := client.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTable(table.Row{"ID", "Status", "Iteration", "Stale", "Created", "Error"})
			for _, r := range items {
				tw.AppendRow(table.Row{r.ID, r.Status, progress(r), staleMark(r.IsStale), r.CreatedAt, deref(r.ErrorSummary)})
			}
			tw.Render()
			return nil
		},
	}
}

func runShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its iterations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := projectClient()
			if err != nil {
				return err
			}
			run, err := client.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			iters, err := client.Iterations(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"run": run, "iterations": iters})
			}
			fmt.Printf("Run %s [%s] %s%s\n", run.ID, run.Status, progress(run), staleSuffix(run.IsStale))
			if run.ErrorSummary != nil {
				fmt.Printf("error: %s\n", *run.ErrorSummary)
			}
			tw := newTable(table.Row{"#", "Name", "Status", "Gates", "Preview"})
			for _, it := range iters {
				tw.AppendRow(table.Row{it.Index, it.Name, it.Status, gateSummary(it.Gates), it.DeployURL})
			}
			tw.Render()
			return nil
		},
	}
}

func runWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a run's events live until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := projectClient()
			if err != nil {
				return err
			}
			return watchRun(cmd.Context(), client, args[0])
		},
	}
}

func runCheckpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint <run-id> <iteration-index> <pause|resume|approve>",
		Short: "Pause, resume or approve a run at an iteration",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := projectClient()
			if err != nil {
				return err
			}
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("iteration index must be a number: %w", err)
			}
			res, err := client.Checkpoint(cmd.Context(), args[0], index, args[2])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Printf("run %s %s at iteration %d [%s]\n", res.RunID, res.Action, res.IterationIndex, res.Status)
			return nil
		},
	}
}

func runRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <run-id>",
		Short: "Re-dispatch a run that lost its worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := projectClient()
			if err != nil {
				return err
			}
			res, err := client.Recover(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			if res.AlreadyProcessing {
				fmt.Printf("run %s is already being processed [%s]\n", res.RunID, res.Status)
				return nil
			}
			fmt.Printf("run %s recovered [%s]\n", res.RunID, res.Status)
			return nil
		},
	}
}

func runRetryCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Retry a failed run from its failed iteration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := projectClient()
			if err != nil {
				return err
			}
			run, err := client.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") && !watch {
				return printJSON(run)
			}
			fmt.Printf("run %s retried [%s]\n", run.ID, run.Status)
			if watch {
				return watchRun(cmd.Context(), client, run.ID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "follow the run after retrying")
	return cmd
}

func runCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := projectClient()
			if err != nil {
				return err
			}
			run, err := client.Cancel(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(run)
			}
			fmt.Printf("run %s canceled\n", run.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the run")
	return cmd
}

func eventsCmd() *cobra.Command {
	evts := &cobra.Command{Use: "events", Short: "Read run event logs"}
	var after int64
	var limit int
	var follow bool
	tail := &cobra.Command{
		Use:   "tail <run-id>",
		Short: "Print a run's events after a sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := projectClient()
			if err != nil {
				return err
			}
			if follow {
				return followEvents(cmd.Context(), client, args[0], after)
			}
			page, err := client.Events(cmd.Context(), args[0], after, limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(page)
			}
			tw := newTable(table.Row{"Seq", "Type", "Message", "At"})
			for _, e := range page.Items {
				tw.AppendRow(table.Row{e.Sequence, e.EventType, deref(e.Message), e.CreatedAt})
			}
			tw.Render()
			if len(page.Items) > 0 {
				fmt.Printf("next: --after %d\n", page.NextAfter)
			}
			return nil
		},
	}
	tail.Flags().Int64Var(&after, "after", 0, "only events with a greater sequence")
	tail.Flags().IntVar(&limit, "limit", 100, "page size")
	tail.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming until the run finishes")
	evts.AddCommand(tail)
	return evts
}

// --- client helpers ---

func newClient(projectID string) *truecodingsdk.Client {
	c := truecodingsdk.New(viper.GetString("server"), projectID)
	c.BearerToken = viper.GetString("token")
	c.APIKey = viper.GetString("api-key")
	c.ActorID = viper.GetString("actor")
	return c
}

func projectClient() (*truecodingsdk.Client, error) {
	projectID := strings.TrimSpace(viper.GetString("project"))
	if projectID == "" {
		return nil, fmt.Errorf("--project (or TRUECODING_PROJECT) is required")
	}
	return newClient(projectID), nil
}

// watchRun uses the interactive view on a terminal and plain lines otherwise.
func watchRun(ctx context.Context, client *truecodingsdk.Client, runID string) error {
	if viper.GetBool("json") || !isTerminal(os.Stdout) {
		return followEvents(ctx, client, runID, 0)
	}
	status, err := tui.Watch(ctx, client, runID, os.Stdout)
	if err != nil {
		return err
	}
	fmt.Printf("run %s: %s\n", runID, status)
	return nil
}

func followEvents(ctx context.Context, client *truecodingsdk.Client, runID string, after int64) error {
	st, err := client.Stream(ctx, runID, after)
	if err != nil {
		return err
	}
	defer st.Close()
	enc := json.NewEncoder(os.Stdout)
	for {
		msg, err := st.Next()
		if err != nil {
			return fmt.Errorf("stream ended at sequence %d: %w", st.LastSequence, err)
		}
		switch msg.Kind {
		case truecodingsdk.MessageDone:
			if viper.GetBool("json") {
				return enc.Encode(msg.Done)
			}
			fmt.Printf("run %s: %s (last sequence %d)\n", runID, msg.Done.Status, msg.Done.LastSequence)
			return nil
		case truecodingsdk.MessageError:
			return fmt.Errorf("%w: %s", truecodingsdk.ErrStreamFailed, msg.Error)
		default:
			if viper.GetBool("json") {
				if err := enc.Encode(msg.Event); err != nil {
					return err
				}
				continue
			}
			e := msg.Event
			fmt.Printf("%6d  %s  %-17s %s\n", e.Sequence, shortTime(e.CreatedAt), e.EventType, deref(e.Message))
		}
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// readDocument decodes a JSON or YAML file into a generic value.
func readDocument(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		return v, nil
	}
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%s: not JSON or YAML: %w", path, err)
	}
	return v, nil
}

func readRawDocument(path string) (json.RawMessage, error) {
	v, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func progress(r truecodingsdk.Run) string {
	if r.TotalIterations == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d", r.CurrentIteration, r.TotalIterations)
}

func staleMark(stale bool) string {
	if stale {
		return "yes"
	}
	return ""
}

func staleSuffix(stale bool) string {
	if stale {
		return " (stale: use 'tc run recover')"
	}
	return ""
}

func gateSummary(gates []truecodingsdk.Gate) string {
	if len(gates) == 0 {
		return ""
	}
	parts := make([]string, 0, len(gates))
	for _, g := range gates {
		mark := "✓"
		if !g.Passed {
			mark = "✗"
		}
		parts = append(parts, mark+g.GateType)
	}
	return strings.Join(parts, " ")
}

func shortTime(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("15:04:05")
}
