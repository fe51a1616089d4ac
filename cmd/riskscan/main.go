// Command riskscan scores a single URL, message or file text in-process and
// prints the result as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/riskscan/internal/app/checks"
	"github.com/ahrav/riskscan/internal/app/configstore"
	"github.com/ahrav/riskscan/internal/app/consensus"
	"github.com/ahrav/riskscan/internal/app/scanning"
	"github.com/ahrav/riskscan/internal/app/threatintel"
	"github.com/ahrav/riskscan/internal/config"
	"github.com/ahrav/riskscan/internal/config/fileloader"
	"github.com/ahrav/riskscan/internal/domain/events"
	domain "github.com/ahrav/riskscan/internal/domain/scanning"
	cachememory "github.com/ahrav/riskscan/internal/infra/cache/memory"
	"github.com/ahrav/riskscan/internal/infra/eventbus/memory"
	"github.com/ahrav/riskscan/internal/infra/fetch"
	"github.com/ahrav/riskscan/internal/infra/oracles"
	"github.com/ahrav/riskscan/internal/infra/rdap"
	"github.com/ahrav/riskscan/internal/infra/reachability"
	memstore "github.com/ahrav/riskscan/internal/infra/storage/memory"
	tiadapters "github.com/ahrav/riskscan/internal/infra/threatintel"
	"github.com/ahrav/riskscan/pkg/common/logger"
)

type options struct {
	kind       string
	configFile string
	failOn     string
	timeout    time.Duration
	private    bool
	progress   bool
	pretty     bool
	verbose    bool
}

func main() {
	opts := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, opts, flag.Args(), os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "riskscan: %v\n", err)
	}
	os.Exit(code)
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.kind, "kind", "url", "Target kind: url, message or file_text")
	flag.StringVar(&opts.configFile, "config", "", "YAML scan configuration (defaults to the built-in document)")
	flag.StringVar(&opts.failOn, "fail-on", "", "Exit with status 2 when the tier is at least this (e.g. HIGH)")
	flag.DurationVar(&opts.timeout, "timeout", 0, "Override the configured global scan timeout")
	flag.BoolVar(&opts.private, "allow-private", false, "Allow connections to loopback and internal addresses")
	flag.BoolVar(&opts.progress, "progress", false, "Print pipeline events to stderr")
	flag.BoolVar(&opts.pretty, "pretty", false, "Indent the JSON result")
	flag.BoolVar(&opts.verbose, "v", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: riskscan [flags] <target | ->\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	return opts
}

// run scans one target and writes the result to stdout. The returned code
// is the process exit status.
func run(ctx context.Context, opts options, args []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	kind, err := domain.ParseTargetKind(opts.kind)
	if err != nil {
		return 1, err
	}
	threshold, err := failThreshold(opts.failOn)
	if err != nil {
		return 1, err
	}
	target, err := readTarget(args, stdin)
	if err != nil {
		return 1, err
	}

	level := logger.LevelWarn
	if opts.verbose {
		level = logger.LevelDebug
	}
	log := logger.New(stderr, level, "riskscan", nil)
	tracer := noop.NewTracerProvider().Tracer("riskscan")

	var loader config.Loader = config.DefaultsLoader{}
	if opts.configFile != "" {
		loader = fileloader.NewFileLoader(opts.configFile)
	}
	doc, err := loader.Load(ctx)
	if err != nil {
		return 1, err
	}
	if opts.timeout > 0 {
		doc.Settings.GlobalTimeout = opts.timeout
	}
	if err := doc.Validate(); err != nil {
		return 1, err
	}

	store := configstore.NewStore(memstore.NewConfigRepository(doc), log, tracer)
	if err := store.Refresh(ctx); err != nil {
		return 1, err
	}

	broker := memory.NewBroker(log)
	sources := tiadapters.NewResolver(ctx, tiadapters.NewHTTPClient(), log)
	defer sources.Close()

	prober, err := reachability.NewProber(nil, reachability.Config{AllowPrivate: opts.private}, log, tracer)
	if err != nil {
		return 1, err
	}

	engine, err := scanning.NewEngine(scanning.Dependencies{
		Config:       store,
		Prober:       prober,
		Fetcher:      fetch.NewFetcher(fetch.Config{AllowPrivate: opts.private}, log, tracer),
		DNS:          reachability.NewDNS(nil),
		Registration: rdap.NewClient("", nil, tracer),
		Checks:       checks.NewExecutor(checks.DefaultRegistry(), log, tracer),
		ThreatIntel:  threatintel.NewAggregator(sources, log, tracer),
		Consensus:    consensus.NewEngine(oracles.NewResolver(oracles.NewHTTPClient()), log, tracer),
		Cache:        cachememory.NewCache(1, nil),
		Events:       broker,
	}, log, tracer)
	if err != nil {
		return 1, err
	}
	defer engine.Wait()

	req := domain.NewScanRequest(target, kind, "")
	if opts.progress {
		evts, release, err := broker.Subscribe(ctx, req.RequestID)
		if err != nil {
			return 1, err
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			printProgress(stderr, evts)
		}()
		defer func() {
			release()
			<-done
		}()
	}

	res, err := engine.Scan(ctx, req)
	if err != nil {
		return 1, err
	}

	enc := json.NewEncoder(stdout)
	if opts.pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(res); err != nil {
		return 1, err
	}
	fmt.Fprintln(stderr, summary(res, !color.NoColor))

	if threshold != nil && res.RiskTier >= *threshold {
		return 2, nil
	}
	return 0, nil
}

// readTarget takes the target from the single positional argument, or from
// stdin when that argument is "-".
func readTarget(args []string, stdin io.Reader) (string, error) {
	if len(args) != 1 {
		return "", errors.New("exactly one target is required")
	}
	if args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	target := strings.TrimSpace(string(data))
	if target == "" {
		return "", errors.New("stdin was empty")
	}
	return target, nil
}

func failThreshold(s string) (*domain.RiskTier, error) {
	if s == "" {
		return nil, nil
	}
	tier, err := domain.ParseRiskTier(s)
	if err != nil {
		return nil, fmt.Errorf("invalid -fail-on: %w", err)
	}
	return &tier, nil
}

func printProgress(w io.Writer, evts <-chan events.ScanEvent) {
	for evt := range evts {
		switch evt.Type {
		case events.EventTypeStageStart, events.EventTypeStageComplete:
			fmt.Fprintf(w, "[%3d%%] %-15s %s\n", evt.Percent, evt.Type, evt.Stage)
		case events.EventTypeCheckComplete:
			fmt.Fprintf(w, "[%3d%%] %-15s %s %.1f\n", evt.Percent, evt.Type, evt.CheckID, evt.Points)
		case events.EventTypeLog, events.EventTypeError:
			fmt.Fprintf(w, "[%3d%%] %-15s %s\n", evt.Percent, evt.Level, evt.Message)
		}
	}
}

var tierColors = map[domain.RiskTier]*color.Color{
	domain.RiskTierSafe:     color.New(color.FgGreen),
	domain.RiskTierLow:      color.New(color.FgCyan),
	domain.RiskTierMedium:   color.New(color.FgYellow),
	domain.RiskTierHigh:     color.New(color.FgRed),
	domain.RiskTierCritical: color.New(color.FgHiRed, color.Bold),
}

// summary renders a one-line verdict for humans watching stderr.
func summary(res domain.ScanResult, colored bool) string {
	tier := res.RiskTier.String()
	if c, ok := tierColors[res.RiskTier]; ok && colored {
		tier = c.Sprint(tier)
	}

	var notes []string
	if res.Cached {
		notes = append(notes, "cached")
	}
	if res.ShortCircuited {
		notes = append(notes, "threat-intel match")
	}
	if res.Partial {
		notes = append(notes, "partial")
	}

	line := fmt.Sprintf("%s %.1f/%.0f %s", tier, res.FinalScore, res.MaxScore, res.Target)
	if len(notes) > 0 {
		line += " (" + strings.Join(notes, ", ") + ")"
	}
	return line
}
