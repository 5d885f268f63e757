package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/everydev1618/hive"
	"github.com/everydev1618/hive/config"
	"github.com/everydev1618/hive/serve"
)

var (
	submitFile     string
	submitKind     string
	submitPriority int
	submitCaps     []string
	submitParams   map[string]string
	submitTimeout  time.Duration
	statusFilter   string
)

var submitCmd = &cobra.Command{
	Use:   "submit [id]",
	Short: "Submit tasks",
	Long: `Submit a single task from flags, or every task in a YAML manifest.

Examples:
  hive submit --kind render --cap gpu --priority 5
  hive submit nightly-report --param day=mon --timeout 10m
  hive submit -f tasks.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>...",
	Short: "Cancel tasks",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCancel,
}

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show tasks and workers",
	Long: `Without arguments, shows aggregate counts, workers and tasks.
With a task id, shows that task in detail.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "YAML manifest of tasks")
	submitCmd.Flags().StringVar(&submitKind, "kind", "", "task kind")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "task priority, highest first")
	submitCmd.Flags().StringSliceVar(&submitCaps, "cap", nil, "required worker capability (repeatable)")
	submitCmd.Flags().StringToStringVar(&submitParams, "param", nil, "task parameter key=value (repeatable)")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 0, "fail the task if a worker holds it longer than this")

	statusCmd.Flags().StringVar(&statusFilter, "state", "", "only show tasks in this status")
}

func client() *serve.Client {
	return serve.NewClient(serverURL, nil)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	var specs []hive.TaskSpec
	if submitFile != "" {
		if len(args) > 0 {
			return fmt.Errorf("give either an id or --file, not both")
		}
		var err error
		specs, err = config.LoadManifest(submitFile)
		if err != nil {
			return err
		}
	} else {
		spec := hive.TaskSpec{
			Kind:                 submitKind,
			Priority:             submitPriority,
			RequiredCapabilities: submitCaps,
			Params:               submitParams,
			Timeout:              submitTimeout,
		}
		if len(args) == 1 {
			spec.ID = args[0]
		}
		specs = []hive.TaskSpec{spec}
	}

	ctx := cmd.Context()
	c := client()

	failed := 0
	for _, spec := range specs {
		task, err := c.SubmitTask(ctx, spec)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s %s: %v\n", color.RedString("✗"), displayID(spec.ID), err)
			continue
		}
		fmt.Printf("%s submitted %s\n", color.GreenString("✓"), task.ID)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d submissions failed", failed, len(specs))
	}
	return nil
}

func displayID(id string) string {
	if id == "" {
		return "(new task)"
	}
	return id
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c := client()

	var firstErr error
	for _, id := range args {
		canceled, err := c.CancelTask(ctx, id)
		switch {
		case err != nil:
			fmt.Fprintf(os.Stderr, "%s %s: %v\n", color.RedString("✗"), id, err)
			if firstErr == nil {
				firstErr = err
			}
		case canceled:
			fmt.Printf("%s canceled %s\n", color.GreenString("✓"), id)
		default:
			fmt.Printf("%s %s already finished\n", color.YellowString("-"), id)
		}
	}
	return firstErr
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c := client()

	if len(args) == 1 {
		task, err := c.Task(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Print(renderTaskDetail(task))
		return nil
	}

	var status hive.TaskStatus
	if statusFilter != "" {
		st, err := hive.ParseTaskStatus(statusFilter)
		if err != nil {
			return err
		}
		status = st
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	workers, err := c.Workers(ctx)
	if err != nil {
		return err
	}
	tasks, err := c.Tasks(ctx, status)
	if err != nil {
		return err
	}

	fmt.Print(renderSummary(stats))
	fmt.Println()
	fmt.Print(renderWorkers(workers, time.Now()))
	fmt.Println()
	fmt.Print(renderTasks(tasks, time.Now()))
	return nil
}
