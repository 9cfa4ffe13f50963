package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/goral/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// settings holds flag values bound to GORAL_* environment variables.
var settings = viper.New()

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "goral",
	Short: "Declarative request client for HTTP and gRPC services",
	Long: `goral issues declarative requests against named services.

A request is described by a server, a path, a method, headers, a query in
any WHATWG charset and an optional payload. Services can be given on the
command line or loaded from a YAML file.

Get started:
  goral request --host localhost --port 8080 --path /users -q id=5
  goral run --config goral.yaml       Run every service in a file
  goral probe --config goral.yaml     Probe services and serve metrics`,
	Version:       fmt.Sprintf("%s (built %s)", version, buildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.String("log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.String("log-format", "", "Log format (console or json)")
	pf.Bool("no-color", false, "Disable colored log output")
	_ = settings.BindPFlags(pf)

	settings.SetEnvPrefix("GORAL")
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
}

// SetVersion sets the version info
func SetVersion(v, bt string) {
	version = v
	buildTime = bt
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildTime)
}

// initLogging starts the process-wide logger from file settings, with
// flags and environment taking precedence.
func initLogging(base logger.Config) error {
	if s := settings.GetString("log-level"); s != "" {
		base.Level = s
	}
	if s := settings.GetString("log-format"); s != "" {
		base.Format = s
	}
	if settings.GetBool("no-color") {
		base.NoColor = true
	}
	if err := logger.Init(base); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	return nil
}
