package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"flipbook/internal/app"
	"flipbook/internal/logger"
	"flipbook/internal/models"
	"flipbook/internal/pipeline"
	"flipbook/internal/queue"
	"flipbook/internal/recovery"
)

var (
	cfgFile string
	asJSON  bool
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "flipbook-recovery",
	Short:         "Maintenance operations for stored flipbook magazines",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	batch := []struct {
		op, short string
	}{
		{recovery.OpZeroPages, "Recount pages of completed magazines stuck at zero pages"},
		{recovery.OpCorrupted, "Audit stored PDFs without changing anything"},
		{recovery.OpFixPaths, "Find moved source files and store their new paths"},
		{recovery.OpRegen, "List magazines whose source is gone but pages remain"},
		{recovery.OpSweep, "Re-enqueue runs stranded in processing or pending"},
	}
	for _, b := range batch {
		op := b.op
		rootCmd.AddCommand(&cobra.Command{
			Use:   op,
			Short: b.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withService(cmd.Context(), func(ctx context.Context, svc *recovery.Service) error {
					report, err := svc.Run(ctx, op)
					if err != nil {
						return err
					}
					return printReport(report)
				})
			},
		})
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "reprocess <magazine-id>",
		Short: "Run the full pipeline again for one magazine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid magazine id %q: %w", args[0], err)
			}
			return withService(cmd.Context(), func(ctx context.Context, svc *recovery.Service) error {
				res, err := svc.Reprocess(ctx, id)
				if err != nil {
					return err
				}
				report := &recovery.Report{Operation: "reprocess", Results: []recovery.Result{res},
					Counts: map[recovery.Outcome]int{res.Outcome: 1}}
				return printReport(report)
			})
		},
	})
}

// withService builds the app for one command. Without a broker, jobs run
// inline so reprocess and sweep finish before the command returns.
func withService(ctx context.Context, fn func(context.Context, *recovery.Service) error) error {
	cfg, err := models.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	logg := logger.New(level, "console", cfg.Tracing.ServiceName+"-recovery", os.Stderr)

	a, err := app.New(ctx, cfg, logg)
	if err != nil {
		return err
	}
	defer a.Close()

	var enqueuer pipeline.Enqueuer = queue.Inline(a.Handle)
	if cfg.Kafka.Broker != "" {
		producer := queue.NewProducer(cfg.Kafka.Broker, cfg.Kafka.Topic)
		defer producer.Close()
		enqueuer = producer
	}

	svc, _ := a.Recovery(enqueuer)
	var bar *progressbar.ProgressBar
	svc.SetHooks(recovery.Hooks{
		OnStart: func(op string, total int) {
			if asJSON {
				return
			}
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription(op),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
				progressbar.OptionSetItsString("magazines"),
				progressbar.OptionOnCompletion(func() { fmt.Fprint(os.Stderr, "\n") }),
				progressbar.OptionSetRenderBlankState(true),
			)
		},
		OnRecord: func(recovery.Result) {
			if bar != nil {
				_ = bar.Add(1)
			}
		},
	})
	err = fn(ctx, svc)
	if bar != nil {
		_ = bar.Finish()
	}
	return err
}

func printReport(r *recovery.Report) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MAGAZINE\tSLUG\tOUTCOME\tREASON\tDETAIL")
	for _, res := range r.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", res.MagazineID, res.Slug, res.Outcome, res.Reason, res.Detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	outcomes := make([]string, 0, len(r.Counts))
	for o := range r.Counts {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	fmt.Printf("\n%s: %d records", r.Operation, len(r.Results))
	for _, o := range outcomes {
		fmt.Printf(", %s=%d", o, r.Counts[recovery.Outcome(o)])
	}
	fmt.Println()
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
