package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/goral/internal/config"
	"github.com/goral/internal/health"
	"github.com/goral/internal/logger"
	"github.com/goral/internal/tui"
	"github.com/goral/internal/worker"
	"github.com/goral/pkg/protocol"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	configPath  string
	runServices []string
	runRate     float64
	runRepeat   int
	runQuiet    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every service in a config file",
	Long: `Run the services of a YAML configuration file through a rate-limited
worker pool and print a latency summary per service.

Each service is called 'repeat' times. The command fails when any call
fails.

Example:
  goral run --config goral.yaml
  goral run --config goral.yaml --service users --repeat 100 --rate 20`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "goral.yaml", "Path to configuration file")
	runCmd.Flags().StringSliceVarP(&runServices, "service", "s", nil, "Only run these services")
	runCmd.Flags().Float64Var(&runRate, "rate", 0, "Override worker.rate (calls per second, 0 = unlimited)")
	runCmd.Flags().IntVarP(&runRepeat, "repeat", "n", 0, "Override every service's repeat count")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print the summary")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := initLogging(cfg.Log); err != nil {
		return err
	}
	log := logger.WithComponent("run")

	services, err := selectServices(cfg.Services, runServices)
	if err != nil {
		return err
	}
	if runRepeat > 0 {
		for i := range services {
			services[i].Repeat = runRepeat
		}
	}
	opts := worker.RunOptions{}
	if cmd.Flags().Changed("rate") {
		opts.Rate = &runRate
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *health.Metrics
	if cfg.Metrics.Enabled {
		metrics = health.NewMetrics(nil)
		srv := health.NewServer(cfg.Metrics, nil, nil, logger.WithComponent("metrics"))
		go func() {
			if err := srv.Start(); err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
	}

	adapterLog := logger.WithComponent("protocol")
	registry := protocol.DefaultRegistry(protocol.Options{
		Logger:      &adapterLog,
		DialTimeout: cfg.Worker.DialTimeout,
	})

	out := cmd.OutOrStdout()
	total := 0
	for _, s := range services {
		total += s.Repeat
	}
	fmt.Fprintf(out, "%s running %d calls across %d services\n\n", tui.MiniLogo(), total, len(services))

	rep := &runReporter{out: out, quiet: runQuiet}
	if f, ok := cmd.ErrOrStderr().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		rep.progress = f
	}
	opts.OnResult = rep.result
	opts.OnProgress = rep.update

	start := time.Now()
	summary, err := worker.Run(ctx, cfg, services, registry, metrics, log, opts)
	elapsed := time.Since(start)
	rep.clear()

	fmt.Fprintln(out)
	printSummary(out, summary.Stats(), elapsed)

	if err != nil {
		return fmt.Errorf("run interrupted: %w", err)
	}
	if summary.Failed() {
		return fmt.Errorf("some calls failed")
	}
	return nil
}

// selectServices returns the named services in config order, or all of
// them when names is empty.
func selectServices(all []config.Service, names []string) ([]config.Service, error) {
	if len(names) == 0 {
		return append([]config.Service(nil), all...), nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []config.Service
	for _, s := range all {
		if want[s.Name] {
			out = append(out, s)
			delete(want, s.Name)
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for n := range want {
			missing = append(missing, n)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("unknown services: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// runReporter prints results and keeps a progress line on a terminal.
// Worker goroutines call it concurrently.
type runReporter struct {
	mu       sync.Mutex
	out      io.Writer
	progress io.Writer // nil disables the progress line
	quiet    bool
	last     string
}

func (r *runReporter) result(res worker.Result) {
	if r.quiet {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.erase()
	fmt.Fprintln(r.out, resultLine(res))
	r.redraw()
}

func (r *runReporter) update(p worker.Progress) {
	if r.progress == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.erase()
	r.last = progressLine(p, 30)
	r.redraw()
}

func (r *runReporter) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.erase()
	r.last = ""
}

func (r *runReporter) erase() {
	if r.progress != nil && r.last != "" {
		fmt.Fprint(r.progress, "\r\x1b[K")
	}
}

func (r *runReporter) redraw() {
	if r.progress != nil && r.last != "" {
		fmt.Fprint(r.progress, r.last)
	}
}

func progressLine(p worker.Progress, width int) string {
	return fmt.Sprintf("  %s %d/%d %s %d active, %d queued",
		tui.ProgressBar(p.Fraction(), width), p.Done, p.Total, tui.Arrow, p.Active, p.Queued)
}

func resultLine(r worker.Result) string {
	mark := tui.SuccessStyle.Render(tui.CheckMark)
	detail := fmt.Sprintf("%d bytes", len(r.Body))
	if r.Err != nil {
		mark = tui.ErrorStyle.Render(tui.CrossMark)
		detail = tui.ErrorStyle.Render(r.Err.Error())
	}
	return fmt.Sprintf("  %s %-16s #%-4d %s %s %s", mark, r.Service, r.Seq,
		tui.StatusLine(r.Status), tui.DimStyle.Render(tui.Latency(r.Duration)), detail)
}

func printSummary(out io.Writer, stats []worker.ServiceStats, elapsed time.Duration) {
	fmt.Fprintln(out, tui.TitleStyle.Render(" Summary "))
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  %-16s %7s %7s %10s %10s %10s %10s\n", "SERVICE", "CALLS", "ERRORS", "P50", "P95", "P99", "MAX")
	fmt.Fprintln(out, "  "+tui.Divider(76))

	var calls, errs int64
	for _, st := range stats {
		calls += st.Calls
		errs += st.Errors
		errCol := strconv.FormatInt(st.Errors, 10)
		if st.Errors > 0 {
			errCol = tui.ErrorStyle.Render(fmt.Sprintf("%7s", errCol))
		} else {
			errCol = fmt.Sprintf("%7s", errCol)
		}
		fmt.Fprintf(out, "  %-16s %7d %s %10s %10s %10s %10s\n", st.Name, st.Calls, errCol,
			tui.Latency(st.P50), tui.Latency(st.P95), tui.Latency(st.P99), tui.Latency(st.Max))
	}

	fmt.Fprintln(out)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(calls) / elapsed.Seconds()
	}
	fmt.Fprintf(out, "  %s\n", tui.Field("total", fmt.Sprintf("%d calls, %d errors in %s (%.1f/s)",
		calls, errs, elapsed.Round(time.Millisecond), rate)))
}
