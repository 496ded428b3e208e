package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fixturelab/stub_server/internal/openapi"
	stubconfig "github.com/fixturelab/stub_server/pkg/stub/config"
)

func main() {
	configPath := flag.String("config", "", "Path to stub server configuration file")
	outPath := flag.String("out", "dist/openapi.json", "Path to write the merged contract document")
	flag.Parse()

	opts := []stubconfig.Option{}
	if strings.TrimSpace(*configPath) != "" {
		opts = append(opts, stubconfig.WithPath(*configPath))
	}
	cfg, err := stubconfig.Load(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(3)
	}

	svc := openapi.NewService(cfg.Contracts)
	doc, err := svc.Document(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "merge contracts failed: %v\n", err)
		os.Exit(1)
	}

	if dir := filepath.Dir(*outPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "ensure output directory: %v\n", err)
			os.Exit(1)
		}
	}
	if err := os.WriteFile(*outPath, doc, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write document: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stdout, "contract document written to %s\n", *outPath)
}
