package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"

	FieldComponent = "component"
)

// Config contains logging configuration.
type Config struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Output  string `yaml:"output"`
	NoColor bool   `yaml:"no_color"`

	// Writer overrides Output when set.
	Writer io.Writer `yaml:"-"`
}

// ApplyDefaults fills in zero-value fields.
func (c *Config) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = FormatConsole
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Validate checks the level and format.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(c.Format) {
	case FormatJSON, FormatConsole:
	default:
		return fmt.Errorf("log.format must be json or console (got: %s)", c.Format)
	}
	return nil
}

var (
	initOnce sync.Once
	global   = zerolog.Nop()
)

// Init builds the process-wide logger. Only the first call has an effect;
// the logger is read-only afterwards.
func Init(cfg Config) error {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	initOnce.Do(func() {
		global = New(cfg)
	})
	return nil
}

// New creates a logger from cfg without touching the process-wide one.
func New(cfg Config) zerolog.Logger {
	cfg.ApplyDefaults()
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	out := cfg.Writer
	if out == nil {
		out = outputWriter(cfg.Output)
	}
	if strings.ToLower(cfg.Format) == FormatConsole {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
			NoColor:    cfg.NoColor,
		}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// L returns the process-wide logger. Before Init it discards everything.
func L() *zerolog.Logger {
	return &global
}

// WithComponent returns the process-wide logger tagged with a component.
func WithComponent(name string) zerolog.Logger {
	return global.With().Str(FieldComponent, name).Logger()
}

func outputWriter(output string) io.Writer {
	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout
	default:
		return os.Stderr
	}
}
