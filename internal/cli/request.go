package cli

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/goral/internal/config"
	"github.com/goral/internal/logger"
	"github.com/goral/internal/tui"
	"github.com/goral/pkg/protocol"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

type requestFlags struct {
	configPath string
	service    string

	protocol    string
	host        string
	port        int
	path        string
	method      string
	headers     []string
	query       []string
	rawQuery    string
	data        string
	encoding    string
	https       bool
	insecure    bool
	caFile      string
	certFile    string
	keyFile     string
	ignoreCode  bool
	maxBytes    int64
	timeout     time.Duration
	connect     time.Duration
	raw         bool
	noTUI       bool
	maxBodyShow int
}

var reqFlags requestFlags

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Issue a single request",
	Long: `Issue one request and print its status and aggregated body.

The request is built from flags, or from a named service in a config file
with flags overriding individual fields. A payload given with --data is
sent in full; --data @- streams standard input as the body.

Examples:
  goral request --host localhost --port 8080 --path /users -q id=5
  goral request --host legacy.local --path /search -q q=中文 --encoding gbk
  goral request -X POST --host localhost --port 8080 --path /items -d @item.json
  tail -f events.log | goral request -X POST --host localhost --path /ingest -d @-
  goral request --config goral.yaml --service users`,
	RunE: runRequest,
}

func init() {
	bindRequestFlags(requestCmd.Flags(), &reqFlags)
	rootCmd.AddCommand(requestCmd)
}

func bindRequestFlags(f *pflag.FlagSet, rf *requestFlags) {
	f.StringVarP(&rf.configPath, "config", "c", "", "Path to configuration file")
	f.StringVarP(&rf.service, "service", "s", "", "Service name from the configuration file")
	f.StringVar(&rf.protocol, "protocol", config.ProtocolHTTP, "Protocol adapter (http or grpc)")
	f.StringVar(&rf.host, "host", "", "Server host")
	f.IntVarP(&rf.port, "port", "p", 0, "Server port (default 80, or 443 with --https)")
	f.StringVar(&rf.path, "path", "/", "Request path")
	f.StringVarP(&rf.method, "method", "X", "GET", "Request method")
	f.StringArrayVarP(&rf.headers, "header", "H", nil, "Header as 'Name: value' (repeatable)")
	f.StringArrayVarP(&rf.query, "query", "q", nil, "Query parameter as key=value (repeatable)")
	f.StringVar(&rf.rawQuery, "raw-query", "", "Encoded query string, decoded with --encoding")
	f.StringVarP(&rf.data, "data", "d", "", "Payload; @file reads a file, @- streams stdin")
	f.StringVar(&rf.encoding, "encoding", "utf-8", "Charset of the query string")
	f.BoolVar(&rf.https, "https", false, "Use TLS")
	f.BoolVarP(&rf.insecure, "insecure", "k", false, "Skip server certificate verification")
	f.StringVar(&rf.caFile, "ca", "", "CA certificate (PEM)")
	f.StringVar(&rf.certFile, "cert", "", "Client certificate (PEM)")
	f.StringVar(&rf.keyFile, "key", "", "Client key (PEM)")
	f.BoolVar(&rf.ignoreCode, "ignore-status", false, "Accept any response status")
	f.Int64Var(&rf.maxBytes, "max-bytes", 0, "Fail when the response exceeds this size (0 = unlimited)")
	f.DurationVarP(&rf.timeout, "timeout", "t", 30*time.Second, "Request timeout")
	f.DurationVar(&rf.connect, "connect-timeout", 10*time.Second, "Connection timeout (0 = bounded by --timeout only)")
	f.BoolVar(&rf.raw, "raw", false, "Print only the response body")
	f.BoolVar(&rf.noTUI, "no-tui", false, "Disable the interactive progress view")
	f.IntVar(&rf.maxBodyShow, "max-show", 4096, "Truncate the printed body after this many bytes (0 = no limit)")
}

func runRequest(cmd *cobra.Command, args []string) error {
	svc, err := requestService(cmd.Flags(), reqFlags)
	if err != nil {
		return err
	}
	if err := initLogging(logger.Config{}); err != nil {
		return err
	}
	log := logger.WithComponent("request")

	raw, err := svc.RequestConfig()
	if err != nil {
		return err
	}
	streamStdin := reqFlags.data == "@-"
	if streamStdin {
		raw.Payload = nil
	}

	// The auto-close check waits until the body writer is attached.
	gate := make(chan struct{})
	registry := protocol.DefaultRegistry(protocol.Options{
		Logger:      &log,
		DialTimeout: reqFlags.connect,
		Tick: func(fn func()) {
			go func() {
				<-gate
				fn()
			}()
		},
	})

	adapter, err := registry.Get(svc.Protocol)
	if err != nil {
		return err
	}
	cfg, err := adapter.NormalizeConfig(raw)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, svc.Timeout)
	defer cancel()

	target := describeTarget(svc.Protocol, cfg)
	call := adapter.Execute(ctx, cfg, nil)
	if streamStdin {
		if err := call.Pipe(os.Stdin); err != nil {
			call.Abort()
			close(gate)
			return err
		}
	}
	close(gate)

	res, err := awaitCall(call, target)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if reqFlags.raw {
		if res.Err == nil {
			_, _ = out.Write(res.Body)
		}
	} else {
		fmt.Fprint(out, tui.RenderResult(target, res, reqFlags.maxBodyShow))
	}
	return res.Err
}

// awaitCall waits for call, showing a spinner when attached to a terminal.
func awaitCall(call *protocol.Call, target string) (tui.CallResult, error) {
	if reqFlags.noTUI || reqFlags.raw || !term.IsTerminal(int(os.Stdout.Fd())) {
		start := time.Now()
		body, err := call.Wait()
		return tui.CallResult{Status: call.StatusCode(), Body: body, Err: err, Duration: time.Since(start)}, nil
	}

	final, err := tea.NewProgram(tui.NewCallModel(call, target)).Run()
	if err != nil {
		call.Abort()
		return tui.CallResult{}, fmt.Errorf("TUI error: %w", err)
	}
	return final.(tui.CallModel).Result(), nil
}

// requestService assembles a service from an optional config entry and
// the flags the user changed.
func requestService(flags *pflag.FlagSet, rf requestFlags) (config.Service, error) {
	svc := config.Service{
		Name:     "request",
		Protocol: rf.protocol,
		Path:     rf.path,
		Method:   rf.method,
		Encoding: rf.encoding,
		Timeout:  rf.timeout,
	}

	if rf.configPath != "" || rf.service != "" {
		if rf.configPath == "" || rf.service == "" {
			return svc, fmt.Errorf("--config and --service must be used together")
		}
		cfg, err := config.Load(rf.configPath)
		if err != nil {
			return svc, fmt.Errorf("failed to load config: %w", err)
		}
		found, ok := cfg.Service(rf.service)
		if !ok {
			return svc, fmt.Errorf("service %q not found in %s", rf.service, rf.configPath)
		}
		svc = found
	}

	if flags.Changed("protocol") {
		svc.Protocol = rf.protocol
	}
	if flags.Changed("host") {
		svc.Server.Host = rf.host
	}
	if flags.Changed("port") {
		svc.Server.Port = rf.port
	}
	if flags.Changed("path") {
		svc.Path = rf.path
	}
	if flags.Changed("method") {
		svc.Method = rf.method
	}
	if flags.Changed("encoding") {
		svc.Encoding = rf.encoding
	}
	if flags.Changed("timeout") {
		svc.Timeout = rf.timeout
	}
	if flags.Changed("https") {
		svc.HTTPS = rf.https
	}
	if flags.Changed("insecure") {
		reject := !rf.insecure
		svc.TLS.RejectUnauthorized = &reject
	}
	if flags.Changed("ca") {
		svc.TLS.CAFile = rf.caFile
	}
	if flags.Changed("cert") {
		svc.TLS.CertFile = rf.certFile
	}
	if flags.Changed("key") {
		svc.TLS.KeyFile = rf.keyFile
	}
	if flags.Changed("ignore-status") {
		svc.IgnoreStatusCode = rf.ignoreCode
	}
	if flags.Changed("max-bytes") {
		svc.MaxResponseBytes = rf.maxBytes
	}

	if len(rf.headers) > 0 {
		headers, err := parseHeaders(rf.headers)
		if err != nil {
			return svc, err
		}
		if svc.Headers == nil {
			svc.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			svc.Headers[k] = v
		}
	}

	if len(rf.query) > 0 && rf.rawQuery != "" {
		return svc, fmt.Errorf("--query and --raw-query are mutually exclusive")
	}
	if len(rf.query) > 0 {
		q, err := parseQuery(rf.query)
		if err != nil {
			return svc, err
		}
		svc.Query = config.Query{Values: q}
	}
	if rf.rawQuery != "" {
		svc.Query = config.Query{Raw: rf.rawQuery}
	}

	if flags.Changed("data") {
		svc.Payload, svc.PayloadFile = "", ""
		switch {
		case rf.data == "@-":
		case strings.HasPrefix(rf.data, "@"):
			svc.PayloadFile = strings.TrimPrefix(rf.data, "@")
		default:
			svc.Payload = rf.data
		}
	}

	if svc.Server.Host == "" {
		return svc, fmt.Errorf("a host is required (--host or --config/--service)")
	}
	if svc.Timeout <= 0 {
		svc.Timeout = 30 * time.Second
	}
	return svc, nil
}

// parseHeaders parses "Name: value" pairs. Names keep their case.
func parseHeaders(pairs []string) (map[string]string, error) {
	headers := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q: expected 'Name: value'", p)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}

// parseQuery parses key=value pairs. Repeated keys accumulate values.
func parseQuery(pairs []string) (url.Values, error) {
	q := make(url.Values, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid query parameter %q: expected key=value", p)
		}
		q.Add(key, value)
	}
	return q, nil
}

func describeTarget(proto string, cfg *protocol.RequestConfig) string {
	if proto != config.ProtocolHTTP {
		return fmt.Sprintf("%s %s/%s", proto, cfg.Address(), cfg.Path)
	}
	path, err := protocol.WirePath(cfg)
	if err != nil {
		path = cfg.Path
	}
	scheme := "http"
	if cfg.HTTPS {
		scheme = "https"
	}
	return fmt.Sprintf("%s %s://%s%s", cfg.Method, scheme, cfg.Address(), path)
}
