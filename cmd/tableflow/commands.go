package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/logflow/tableflow/pkg/config"
	"github.com/logflow/tableflow/pkg/ddl"
	lferrors "github.com/logflow/tableflow/pkg/errors"
	"github.com/logflow/tableflow/pkg/lifecycle"
	"github.com/logflow/tableflow/pkg/poller"
	"github.com/logflow/tableflow/pkg/schema"
	"github.com/logflow/tableflow/pkg/tracker"
	"github.com/logflow/tableflow/pkg/validation"
	"github.com/logflow/tableflow/pkg/watch"
)

// Command flags
var (
	watchInterval time.Duration
	watchOnce     bool

	inferDialect string
	inferTable   string
	inferKey     []string

	statusFailed bool

	runsObject string
	runsLimit  int
	runsID     string

	uploadKey string
)

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run a single poll cycle and exit",
	Long: `List the source prefix, claim every new or changed CSV object and run it
through inference, DDL, staging and merge. Exits non-zero if any run failed.`,
	Args: cobra.NoArgs,
	RunE: runOnce,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the source prefix on an interval",
	Long: `Run poll cycles until SIGINT or SIGTERM. In-flight runs stop at their next
phase boundary and are recorded as retryable failures.

With a local source and poller.watch_dir set, file writes wake the poller
early.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var inferCmd = &cobra.Command{
	Use:   "infer <file.csv>",
	Short: "Print the inferred schema and CREATE TABLE for a local CSV file",
	Example: `  tableflow infer events.csv
  tableflow infer events.csv --dialect postgres --table events --key id`,
	Args: cobra.ExactArgs(1),
	RunE: runInfer,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the ingestion registry",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent runs from the local run history",
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file.csv>",
	Short: "Put a local CSV file into the source prefix",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpload,
}

var resetCmd = &cobra.Command{
	Use:   "reset <object-path>",
	Short: "Return a FAILED object to PENDING so the next cycle retries it",
	Args:  cobra.ExactArgs(1),
	RunE:  runReset,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Poll interval (overrides poller.interval)")
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "Run one cycle and exit")

	inferCmd.Flags().StringVar(&inferDialect, "dialect", "duckdb", "SQL dialect (duckdb, postgres, snowflake)")
	inferCmd.Flags().StringVar(&inferTable, "table", "", "Target table (default: target.table)")
	inferCmd.Flags().StringSliceVar(&inferKey, "key", nil, "Merge key columns (default: target.key)")

	statusCmd.Flags().BoolVar(&statusFailed, "failed", false, "Only show FAILED objects")

	runsCmd.Flags().StringVar(&runsObject, "object", "", "Only runs for this object path")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to show")
	runsCmd.Flags().StringVar(&runsID, "id", "", "Print the full run log of one run")

	uploadCmd.Flags().StringVar(&uploadKey, "key", "", "Object key (default: <source.prefix>/<file name>)")
}

func runOnce(cmd *cobra.Command, args []string) error {
	watchOnce = true
	return runWatch(cmd, args)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	if watchInterval > 0 {
		a.cfg.Poller.Interval = config.Duration(watchInterval)
	}
	p := a.newPoller()

	sm := lifecycle.NewShutdownManager(lifecycle.ShutdownConfig{
		DrainTimeout: a.cfg.Poller.DrainTimeout.D(),
	}, a.log)
	a.registerClosers(sm)

	var failed int
	err = sm.Run(ctx, func(ctx context.Context) error {
		if watchOnce {
			rep, err := p.RunOnce(ctx)
			printCycle(rep)
			failed = rep.Failed
			return err
		}

		if a.cfg.Source.Kind == "local" && a.cfg.Poller.WatchDir {
			n, err := watch.NewDirNotifier(a.cfg.Source.Root, a.cfg.SourceFilter(), a.cfg.Poller.Debounce.D(), a.log)
			if err != nil {
				return err
			}
			n.Wake = p.Wake
			go n.Run(ctx)
		}
		return p.Run(ctx, func(rep poller.CycleReport, err error) {
			failed += rep.Failed
		})
	})
	if err != nil {
		return err
	}
	if watchOnce && failed > 0 {
		return fmt.Errorf("%d run(s) failed; see logs/ or `tableflow runs`", failed)
	}
	return nil
}

func printCycle(rep poller.CycleReport) {
	if rep.Tripped {
		fmt.Println(errorStyle.Render("  cycle skipped: breaker open"))
		return
	}
	fmt.Printf("  %s %d listed, %d candidates, %s, %s, %d skipped\n",
		titleStyle.Render("cycle"),
		rep.Listed, rep.Candidates,
		successStyle.Render(fmt.Sprintf("%d succeeded", rep.Succeeded)),
		statusStyle(failedLabel(rep.Failed)).Render(fmt.Sprintf("%d failed", rep.Failed)),
		rep.Skipped)
}

func failedLabel(n int) string {
	if n > 0 {
		return "FAILED"
	}
	return ""
}

func runInfer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	file, err := validation.ValidateUploadFile(args[0])
	if err != nil {
		return err
	}
	dialect, err := ddl.Lookup(inferDialect)
	if err != nil {
		return lferrors.Wrap(err, lferrors.CodeConfig, "dialect")
	}
	table := inferTable
	if table == "" {
		table = cfg.Target.Table
	}
	key := inferKey
	if len(key) == 0 {
		key = cfg.Target.Key
	}

	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	batch, err := schema.ReadCSV(f, readOptions(cfg.Loader))
	if err != nil {
		return err
	}
	desc, err := schema.Infer(batch, schema.InferOptions{SampleSize: cfg.Loader.SampleSize})
	if err != nil {
		return err
	}
	plan, err := ddl.Synthesize(dialect, table, desc, nil, key)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(desc.Columns))
	for _, c := range desc.Columns {
		null := "NOT NULL"
		if c.Nullable {
			null = "NULL"
		}
		rows = append(rows, []string{c.Name, c.Type.String(), dialect.NativeType(c.Type), null})
	}
	fmt.Println()
	fmt.Printf("  %s %s\n", titleStyle.Render(filepath.Base(file)),
		mutedStyle.Render(fmt.Sprintf("%d rows, schema %s", desc.SampledRows, desc.Fingerprint())))
	fmt.Println(renderTable([]string{"column", "type", dialect.Name(), "null"}, rows, -1))
	for _, stmt := range plan.Statements {
		fmt.Println(codeStyle.Render(stmt + ";"))
	}
	fmt.Println()
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.tracker.Snapshot(ctx)
	if err != nil {
		return err
	}
	counts := map[tracker.Status]int{}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		counts[r.Status]++
		if statusFailed && r.Status != tracker.StatusFailed {
			continue
		}
		rows = append(rows, []string{
			r.Path,
			string(r.Status),
			fmt.Sprint(r.Attempts),
			retryLabel(r),
			shortID(r.LastRunID),
			validation.TruncateString(r.LastError, 60),
		})
	}

	fmt.Println()
	fmt.Printf("  %s %s\n", titleStyle.Render("registry"), mutedStyle.Render(a.tracker.Backend().Name()))
	if len(rows) == 0 {
		fmt.Println(mutedStyle.Render("  no objects tracked"))
		return nil
	}
	fmt.Println(renderTable([]string{"object", "status", "attempts", "retry", "last run", "last error"}, rows, 1))
	fmt.Printf("  %d pending, %d processing, %s, %s\n\n",
		counts[tracker.StatusPending], counts[tracker.StatusProcessing],
		successStyle.Render(fmt.Sprintf("%d succeeded", counts[tracker.StatusSucceeded])),
		errorStyle.Render(fmt.Sprintf("%d failed", counts[tracker.StatusFailed])))
	return nil
}

func retryLabel(r tracker.Record) string {
	if r.Status != tracker.StatusFailed {
		return ""
	}
	if r.Retryable {
		return "yes"
	}
	return "no"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.history == nil {
		return lferrors.New(lferrors.CodeConfig, "run history is disabled (runlog.history: false); read run logs under "+a.cfg.RunLog.Prefix+"/")
	}

	if runsID != "" {
		rl, err := a.history.GetRun(ctx, runsID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rl)
	}

	runs, err := a.history.ListRuns(ctx, runsObject, runsLimit)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			shortID(r.RunID),
			r.ObjectPath,
			r.Table,
			string(r.Status),
			string(r.Phase),
			fmt.Sprintf("+%d ~%d =%d !%d", r.Counts.Inserted, r.Counts.Updated, r.Counts.Unchanged, r.Counts.Rejected),
			(time.Duration(r.DurationMS) * time.Millisecond).String(),
			r.ErrorCode,
		})
	}
	fmt.Println(renderTable([]string{"started", "run", "object", "table", "status", "phase", "rows", "took", "error"}, rows, 4))

	sum, err := a.history.Summarize(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("  %d runs, %s, %s, %d inserted, %d updated, %d rejected\n\n",
		sum.Runs,
		successStyle.Render(fmt.Sprintf("%d succeeded", sum.Succeeded)),
		errorStyle.Render(fmt.Sprintf("%d failed", sum.Failed)),
		sum.Inserted, sum.Updated, sum.Rejected)
	return nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	file, err := validation.ValidateUploadFile(args[0])
	if err != nil {
		return err
	}
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	key := uploadKey
	if key == "" {
		key = path.Join(a.cfg.Source.Prefix, filepath.Base(file))
	}
	key = strings.TrimPrefix(key, "/")
	if err := validation.ValidateObjectKey(key); err != nil {
		return err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	err = a.retrier.Do(ctx, "upload "+key, func(ctx context.Context) error {
		return a.store.Put(ctx, key, data)
	})
	if err != nil {
		return err
	}
	a.log.Infow("uploaded", "file", file, "object", key, "bytes", len(data))
	fmt.Printf("  %s %s://%s\n", successStyle.Render("uploaded"), a.store.Scheme(), key)
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.tracker.Reset(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("  %s %s\n", successStyle.Render("reset"), args[0])
	return nil
}
