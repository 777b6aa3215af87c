package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"coinsync/internal/api"
	"coinsync/internal/domain"
	"coinsync/internal/gather/coins"
	"coinsync/internal/store"
)

// allTimeStart and allTimeEnd bound a read covering every stored candle.
var (
	allTimeStart = time.Unix(0, 0).UTC()
	allTimeEnd   = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
)

type rootFlags struct {
	config   string
	logLevel string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "coinsync",
		Short:         "Sync daily crypto price history into a local store",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, flags)
		},
	}
	root.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "config file (default $COINSYNC_CONFIG or "+defaultConfigPath+")")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newRunCmd(flags),
		newDaemonCmd(flags),
		newWatermarkCmd(flags),
		newStatsCmd(flags),
		newExportCmd(flags),
	)
	return root
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one universe, history and gap-fill pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd, flags)
		},
	}
}

func runOnce(cmd *cobra.Command, flags *rootFlags) error {
	ctx := cmd.Context()
	a, err := newApp(flags.config, flags.logLevel, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := a.backend(ctx)
	if err != nil {
		return err
	}
	summary, err := a.pipeline(ctx, b).Execute(ctx)
	printSummary(cmd.OutOrStdout(), summary)
	return err
}

func newDaemonCmd(flags *rootFlags) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the pipeline on a schedule and serve gRPC health checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := newApp(flags.config, flags.logLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if interval <= 0 {
				interval = a.cfg.Pipeline.Interval
			}

			b, err := a.backend(ctx)
			if err != nil {
				return err
			}

			srv := api.NewServer(a.cfg.Server.HealthAddr, a.log)
			sched := &coins.Scheduler{
				Runner:   a.pipeline(ctx, b),
				Interval: interval,
				OnRun:    srv.RecordRun,
				Logger:   a.log,
			}

			var (
				wg     sync.WaitGroup
				srvErr error
			)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if srvErr = srv.ListenAndServe(ctx); srvErr != nil {
					a.log.Error("health server failed", "err", srvErr)
					cancel()
				}
			}()

			a.log.Info("daemon started", "interval", interval, "health_addr", a.cfg.Server.HealthAddr)
			err = sched.Run(ctx)
			cancel()
			wg.Wait()

			if srvErr != nil {
				return srvErr
			}
			if errors.Is(err, context.Canceled) {
				a.log.Info("daemon stopped")
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between runs (default pipeline.interval)")
	return cmd
}

func newWatermarkCmd(flags *rootFlags) *cobra.Command {
	var (
		fromArchive bool
		archiveDir  string
	)

	cmd := &cobra.Command{
		Use:   "watermark [SYMBOL...]",
		Short: "Show the latest stored candle date per symbol",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(flags.config, flags.logLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			var rows []watermarkRow
			if fromArchive {
				if archiveDir == "" {
					archiveDir = a.cfg.Storage.ArchiveDir
				}
				rows, err = archiveWatermarks(ctx, store.NewParquetArchive(archiveDir), args, time.Now())
			} else {
				var b store.Backend
				if b, err = a.backend(ctx); err != nil {
					return err
				}
				rows, err = storeWatermarks(ctx, b, args)
			}
			if err != nil {
				return err
			}
			return printWatermarks(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().BoolVar(&fromArchive, "archive", false, "read the Parquet archive instead of the store")
	cmd.Flags().StringVar(&archiveDir, "archive-dir", "", "archive directory (default storage.archive_dir)")
	return cmd
}

type watermarkRow struct {
	Symbol  string
	Last    time.Time
	OK      bool
	Candles int
}

// storeWatermarks reads the watermark of each symbol, or of every stored
// symbol when none are named.
func storeWatermarks(ctx context.Context, b store.Backend, symbols []string) ([]watermarkRow, error) {
	if len(symbols) == 0 {
		var err error
		if symbols, err = b.ListSymbols(ctx); err != nil {
			return nil, err
		}
	}

	sess, err := b.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	rows := make([]watermarkRow, 0, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(sym)
		last, ok, err := sess.LastDate(ctx, sym)
		if err != nil {
			return nil, fmt.Errorf("watermark %s: %w", sym, err)
		}
		n, err := b.CountCandles(ctx, sym)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", sym, err)
		}
		rows = append(rows, watermarkRow{Symbol: sym, Last: last, OK: ok, Candles: n})
	}
	return rows, nil
}

// archiveWatermarks derives the same view from archived candles up to now.
func archiveWatermarks(ctx context.Context, archive *store.ParquetArchive, symbols []string, now time.Time) ([]watermarkRow, error) {
	if len(symbols) == 0 {
		var err error
		if symbols, err = archive.ListSymbols(); err != nil {
			return nil, err
		}
	}

	rows := make([]watermarkRow, 0, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(sym)
		candles, err := archive.ReadCandles(ctx, sym, allTimeStart, now)
		if err != nil {
			return nil, fmt.Errorf("archive %s: %w", sym, err)
		}
		row := watermarkRow{Symbol: sym, Candles: len(candles)}
		for _, c := range candles {
			if !row.OK || c.Date.After(row.Last) {
				row.Last, row.OK = c.Date, true
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func printWatermarks(out io.Writer, rows []watermarkRow) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tWATERMARK\tCANDLES")
	for _, r := range rows {
		mark := "-"
		if r.OK {
			mark = r.Last.Format(domain.DateLayout)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\n", r.Symbol, mark, r.Candles)
	}
	return tw.Flush()
}

func newStatsCmd(flags *rootFlags) *cobra.Command {
	var mirror bool

	cmd := &cobra.Command{
		Use:   "stats PAIR...",
		Short: "Show the latest 24h snapshot per trading pair",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(flags.config, flags.logLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			var get statsGetter
			if mirror {
				m := a.redisMirror(ctx)
				if m == nil {
					return errors.New("stats mirror unavailable: redis.addr not set or unreachable")
				}
				get = m.LatestStats
			} else {
				b, err := a.backend(ctx)
				if err != nil {
					return err
				}
				get = b.GetStats
			}
			return printStats(ctx, cmd.OutOrStdout(), get, args)
		},
	}
	cmd.Flags().BoolVar(&mirror, "mirror", false, "read the Redis mirror instead of the store")
	return cmd
}

type statsGetter func(ctx context.Context, pair string) (*domain.DailyStats, error)

func printStats(ctx context.Context, out io.Writer, get statsGetter, pairs []string) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PAIR\tLAST\tHIGH\tLOW\tVOLUME\tLIQUIDITY")
	for _, pair := range pairs {
		pair = strings.ToUpper(pair)
		st, err := get(ctx, pair)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\n", pair)
			continue
		}
		if err != nil {
			return fmt.Errorf("stats %s: %w", pair, err)
		}
		fmt.Fprintf(tw, "%s\t%g\t%g\t%g\t%g\t%g\n", pair, st.LastPrice, st.High24h, st.Low24h, st.Volume24h, st.Liquidity)
	}
	return tw.Flush()
}

func newExportCmd(flags *rootFlags) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "export [SYMBOL...]",
		Short: "Archive stored candles as Parquet files, one per symbol and year",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(flags.config, flags.logLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if outDir == "" {
				outDir = a.cfg.Storage.ArchiveDir
			}
			b, err := a.backend(ctx)
			if err != nil {
				return err
			}
			symbols := args
			if len(symbols) == 0 {
				if symbols, err = b.ListSymbols(ctx); err != nil {
					return err
				}
			}

			n, err := exportCandles(ctx, b, store.NewParquetArchive(outDir), symbols)
			if err != nil {
				return err
			}
			a.log.Info("export complete", "dir", outDir, "symbols", len(symbols), "candles", n)
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d candles for %d symbols to %s\n", n, len(symbols), outDir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "archive directory (default storage.archive_dir)")
	return cmd
}

// exportCandles copies every stored candle of symbols into the archive.
func exportCandles(ctx context.Context, r store.HistoryReader, archive *store.ParquetArchive, symbols []string) (int, error) {
	total := 0
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		candles, err := r.ReadCandles(ctx, strings.ToUpper(sym), allTimeStart, allTimeEnd)
		if err != nil {
			return total, fmt.Errorf("read %s: %w", sym, err)
		}
		if len(candles) == 0 {
			continue
		}
		if err := archive.WriteCandles(ctx, candles); err != nil {
			return total, fmt.Errorf("archive %s: %w", sym, err)
		}
		total += len(candles)
	}
	return total, nil
}

func printSummary(out io.Writer, s domain.RunSummary) {
	if len(s.Stages) == 0 {
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tINPUT\tPROCESSED\tSKIPPED\tFAILED\tCANDLES\tELAPSED")
	for _, st := range s.Stages {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			st.Stage, st.Input, st.Processed, st.Skipped, st.Failed, st.Candles, st.Elapsed.Round(time.Millisecond))
	}
	fmt.Fprintf(tw, "total\t\t\t\t\t\t%s\n", s.Elapsed.Round(time.Millisecond))
	tw.Flush()
}
