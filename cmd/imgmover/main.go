// Command imgmover moves container images between an OCI/Docker Registry
// HTTP API v2 endpoint and a local content-addressed cache. It is a thin
// dispatcher over internal/orchestrator: flag parsing and environment
// reading happen here and nowhere else, matching img_tool/cmd/img/img.go's
// switch-based verb dispatch and the "no global logger/verbose state"
// redesign note in SPEC_FULL.md §9.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/bazel-contrib/imgmover/internal/imgcfg"
	"github.com/bazel-contrib/imgmover/internal/obslog"
	"github.com/bazel-contrib/imgmover/internal/orchestrator"
	"github.com/bazel-contrib/imgmover/internal/progress"
)

const usage = `Usage: imgmover [COMMAND] [ARGS...]

Commands:
  pull      pulls an image from a registry into the local cache
  push      pushes a cached image to a registry
  extract   ingests a docker-save tar stream into the local cache
  list      lists images held in the local cache`

func main() {
	ctx := context.Background()
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]
	var err error
	switch command {
	case "pull":
		err = pullProcess(ctx, args)
	case "push":
		err = pushProcess(ctx, args)
	case "extract":
		err = extractProcess(ctx, args)
	case "list":
		err = listProcess(ctx, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "imgmover %s: %v\n", command, err)
		os.Exit(1)
	}
}

// baseConfig assembles an imgcfg.Config from environment defaults, the
// layer every verb starts from before applying its own flags.
func baseConfig() imgcfg.Config {
	cfg := imgcfg.Default()
	cfg.CacheDir = imgcfg.EnvOr("IMGMOVER_CACHE_DIR", cfg.CacheDir)
	cfg.Concurrency = imgcfg.EnvOrInt("IMGMOVER_CONCURRENCY", cfg.Concurrency)

	if user := os.Getenv("IMGMOVER_REGISTRY_USER"); user != "" {
		host := imgcfg.EnvOr("IMGMOVER_REGISTRY_HOST", cfg.Registries[0])
		cfg.Credentials[host] = imgcfg.Credentials{
			Username: user,
			Password: os.Getenv("IMGMOVER_REGISTRY_PASS"),
		}
	}
	return cfg
}

func newLogger() obslog.Logger {
	if os.Getenv("IMGMOVER_VERBOSE") == "" {
		return obslog.Default()
	}
	return obslog.New(os.Stderr, logrus.DebugLevel)
}

// renderProgress drains a ChannelReporter onto a schollz/progressbar/v3 bar
// until the channel closes, kept entirely in cmd/imgmover per spec.md §1's
// core/renderer split — the orchestrator never imports this file.
func renderProgress(events <-chan progress.Event) {
	var bar *progressbar.ProgressBar
	for ev := range events {
		switch ev.Phase {
		case progress.PhaseStarted:
			bar = progressbar.DefaultBytes(ev.BytesTotal, ev.TaskID)
		case progress.PhaseCompleted, progress.PhaseFailed, progress.PhaseSkipped:
			if bar != nil {
				bar.Finish()
			}
		}
	}
}

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func pullProcess(ctx context.Context, args []string) error {
	cfg := baseConfig()
	var registries stringSliceFlag
	var repository, reference string

	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	fs.StringVar(&repository, "repository", "", "repository to pull (required)")
	fs.StringVar(&reference, "reference", "", "tag or digest to pull (required)")
	fs.Var(&registries, "registry", "candidate registry host, may repeat (defaults to registry-1.docker.io)")
	fs.IntVar(&cfg.Concurrency, "j", cfg.Concurrency, "maximum concurrent blob transfers")
	fs.BoolVar(&cfg.Airgapped, "airgapped", false, "refuse all registry network access (registry operations fail)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if repository == "" || reference == "" {
		fs.Usage()
		return fmt.Errorf("--repository and --reference are required")
	}
	if len(registries) > 0 {
		cfg.Registries = registries
	}

	o := orchestrator.New(cfg, newLogger())
	reporter := progress.NewChannelReporter(64)
	o.WithReporter(reporter)
	go renderProgress(reporter.Events())

	if err := o.Init(); err != nil {
		return err
	}
	report, err := o.PullAndCache(ctx, repository, reference, cfg.Registries)
	reporter.Close()
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func pushProcess(ctx context.Context, args []string) error {
	cfg := baseConfig()
	var host, repository, reference string

	fs := flag.NewFlagSet("push", flag.ExitOnError)
	fs.StringVar(&host, "registry", "", "registry host to push to (required)")
	fs.StringVar(&repository, "repository", "", "repository to push (required)")
	fs.StringVar(&reference, "reference", "", "tag or digest to push (required)")
	fs.IntVar(&cfg.Concurrency, "j", cfg.Concurrency, "maximum concurrent blob transfers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if host == "" {
		fs.Usage()
		return fmt.Errorf("--registry is required")
	}
	if repository == "" || reference == "" {
		fs.Usage()
		return fmt.Errorf("--repository and --reference are required")
	}

	o := orchestrator.New(cfg, newLogger())
	reporter := progress.NewChannelReporter(64)
	o.WithReporter(reporter)
	go renderProgress(reporter.Events())

	if err := o.Init(); err != nil {
		return err
	}
	report, err := o.PushFromCache(ctx, host, repository, reference, nil)
	reporter.Close()
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func extractProcess(ctx context.Context, args []string) error {
	cfg := baseConfig()
	var repository, reference string

	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	fs.StringVar(&repository, "repository", "", "repository name to record the tar under (required)")
	fs.StringVar(&reference, "reference", "", "reference to record the tar under (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if repository == "" || reference == "" {
		fs.Usage()
		return fmt.Errorf("--repository and --reference are required")
	}

	o := orchestrator.New(cfg, newLogger())
	if err := o.Init(); err != nil {
		return err
	}
	report, err := o.ExtractAndCache(ctx, os.Stdin, repository, reference)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func listProcess(ctx context.Context, args []string) error {
	_ = ctx
	cfg := baseConfig()
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	o := orchestrator.New(cfg, newLogger())
	if err := o.Init(); err != nil {
		return err
	}
	entries, err := o.ListCachedImages()
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s@%s\t%s\t%s\t%s\n", e.Repository, e.Reference, e.ManifestDigest, e.Source, strconv.FormatInt(e.ManifestSize, 10))
	}
	return nil
}

func printReport(r orchestrator.Report) {
	fmt.Fprintf(os.Stdout, "succeeded=%d skipped=%d failed=%d\n", r.Succeeded, r.Skipped, len(r.Failed))
	for _, f := range r.Failed {
		fmt.Fprintf(os.Stdout, "  FAILED %s [%s]: %v\n", f.Digest, f.Kind, f.Err)
	}
}
