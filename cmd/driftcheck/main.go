package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fixturelab/stub_server/internal/driftcheck"
	stubconfig "github.com/fixturelab/stub_server/pkg/stub/config"
)

const (
	exitClean         = 0
	exitDrift         = 1
	exitUsage         = 2
	exitInvalidConfig = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("driftcheck", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to stub server configuration file")
	fixturesPath := fs.String("fixtures", "", "Fixture document to audit (defaults to the configured path)")
	overrideList := fs.String("overrides", "", "Comma-separated override files supplying request material")
	concurrency := fs.Int("concurrency", 4, "Number of probes in flight at once")
	timeout := fs.Duration("timeout", 5*time.Second, "Per-probe HTTP timeout")
	extraStrip := fs.String("strip", "", "Comma-separated JSON keys to scrub in addition to the volatile defaults")
	keepVolatile := fs.Bool("keep-volatile", false, "Diff volatile keys such as ids and timestamps instead of scrubbing them")
	format := fs.String("format", "text", "Report format: text or json")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	opts := []stubconfig.Option{}
	if strings.TrimSpace(*configPath) != "" {
		opts = append(opts, stubconfig.WithPath(*configPath))
	}
	cfg, err := stubconfig.Load(opts...)
	if err != nil {
		log.Printf("driftcheck: load config: %v", err)
		return exitInvalidConfig
	}

	docPath := strings.TrimSpace(*fixturesPath)
	if docPath == "" {
		docPath = cfg.Fixtures.Path
	}
	doc, err := driftcheck.LoadDocument(docPath)
	if err != nil {
		log.Printf("driftcheck: %v", err)
		return exitInvalidConfig
	}

	overrides, err := driftcheck.LoadOverrides(splitList(*overrideList))
	if err != nil {
		log.Printf("driftcheck: %v", err)
		return exitInvalidConfig
	}

	probes := driftcheck.BuildProbes(cfg, doc, overrides)
	if len(probes) == 0 {
		fmt.Println("no staged fixtures back services with live upstreams; nothing to probe")
		return exitClean
	}

	var normalizers []func([]byte) []byte
	if !*keepVolatile {
		normalizers = append(normalizers, driftcheck.StripJSONKeys(driftcheck.DefaultVolatileKeys...))
	}
	if extra := splitList(*extraStrip); len(extra) > 0 {
		normalizers = append(normalizers, driftcheck.StripJSONKeys(extra...))
	}

	runner := &driftcheck.Runner{
		Client:      &http.Client{Timeout: *timeout},
		Concurrency: *concurrency,
		Normalizers: normalizers,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	results := runner.Run(ctx, probes)
	summary := driftcheck.Summarize(results)

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "", "text":
		err = driftcheck.WriteText(os.Stdout, summary)
	case "json":
		err = driftcheck.WriteJSON(os.Stdout, summary)
	default:
		log.Printf("driftcheck: unknown format %q", *format)
		return exitUsage
	}
	if err != nil {
		log.Printf("driftcheck: write report: %v", err)
		return exitDrift
	}

	if summary.Drifted > 0 || summary.Failed > 0 {
		return exitDrift
	}
	return exitClean
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
