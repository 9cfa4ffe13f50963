package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goral/internal/config"
	"github.com/goral/internal/health"
	"github.com/goral/internal/logger"
	"github.com/goral/internal/tui"
	"github.com/goral/pkg/protocol"
	"github.com/spf13/cobra"
)

var (
	probeConfigPath string
	probeOnce       bool
	probeAddr       string
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe services periodically and serve metrics",
	Long: `Probe every service of a configuration file on health.interval and
expose the results as Prometheus metrics together with /healthz and
/readyz. /readyz reports ready once every service passed its last probe.

Examples:
  goral probe --config goral.yaml
  goral probe --config goral.yaml --once`,
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().StringVarP(&probeConfigPath, "config", "c", "goral.yaml", "Path to configuration file")
	probeCmd.Flags().BoolVar(&probeOnce, "once", false, "Probe once, print the results and exit")
	probeCmd.Flags().StringVar(&probeAddr, "addr", "", "Override metrics.address")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(probeConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := initLogging(cfg.Log); err != nil {
		return err
	}
	log := logger.WithComponent("health")

	adapterLog := logger.WithComponent("protocol")
	registry := protocol.DefaultRegistry(protocol.Options{
		Logger:      &adapterLog,
		DialTimeout: cfg.Health.Timeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if probeOnce {
		checker := health.NewChecker(cfg.Health, cfg.Services, registry, nil, log)
		checker.CheckAll(ctx)
		printProbe(cmd.OutOrStdout(), checker, cfg.Services)
		if !checker.Ready() {
			return fmt.Errorf("some services are unhealthy")
		}
		return nil
	}

	if probeAddr != "" {
		cfg.Metrics.Address = probeAddr
	}

	metrics := health.NewMetrics(nil)
	checker := health.NewChecker(cfg.Health, cfg.Services, registry, metrics, log)
	srv := health.NewServer(cfg.Metrics, nil, checker.Ready, logger.WithComponent("metrics"))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	checker.Start(ctx)
	log.Info().Int("services", len(cfg.Services)).Dur("interval", cfg.Health.Interval).Msg("probing")

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	checker.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stopErr := srv.Stop(shutdownCtx); stopErr != nil && err == nil {
		err = stopErr
	}
	log.Info().Msg("probe stopped")
	return err
}

func printProbe(out io.Writer, checker *health.Checker, services []config.Service) {
	healthy := checker.HealthyServices()
	fmt.Fprintf(out, "%s %d/%d services healthy\n\n", tui.MiniLogo(), len(healthy), len(services))
	for _, s := range services {
		st, _ := checker.Status(s.Name)
		if checker.IsHealthy(s.Name) {
			fmt.Fprintf(out, "  %s %-16s %s\n", tui.SuccessStyle.Render(tui.CheckMark), s.Name,
				tui.DimStyle.Render(tui.Latency(st.Latency)))
			continue
		}
		fmt.Fprintf(out, "  %s %-16s %s\n", tui.ErrorStyle.Render(tui.CrossMark), s.Name,
			tui.ErrorStyle.Render(fmt.Sprint(st.Err)))
	}
}
