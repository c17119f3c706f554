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

	"github.com/rendis/buildcore/internal/diagram"
	"github.com/rendis/buildcore/internal/logging"
	"github.com/rendis/buildcore/internal/panel"
	"github.com/rendis/buildcore/internal/plan"
	"github.com/rendis/buildcore/internal/service"
	"github.com/rendis/buildcore/pkg/mcp"
	"github.com/rendis/buildcore/pkg/schema"
)

const usage = `usage: buildcore <command> [flags]

commands:
  run <plan>       execute a build plan
  plan <plan>      print the planned order and levels
  diagram <plan>   render the execution graph
  serve            run the MCP stdio server (and the HTTP panel with --http)
  version          print the version`

// errBuildFailed makes main exit non-zero without printing twice.
var errBuildFailed = errors.New("build failed")

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "run":
		err = cmdRun(ctx, args, os.Stdout)
	case "plan":
		err = cmdPlan(ctx, args, os.Stdout)
	case "diagram":
		err = cmdDiagram(ctx, args, os.Stdout)
	case "serve":
		err = cmdServe(ctx, args)
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		if !errors.Is(err, errBuildFailed) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

// setup loads the configuration and wires the application.
func setup(ctx context.Context) (*app, error) {
	cfg, err := loadConfig(buildcoreDir(), nil)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, logger)
}

// planArg reads the single positional plan path of a subcommand.
func planArg(fs *flag.FlagSet) ([]byte, error) {
	if fs.NArg() != 1 {
		return nil, fmt.Errorf("%s: expected exactly one plan file", fs.Name())
	}
	return plan.ReadFile(fs.Arg(0))
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func cmdRun(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	targets := fs.String("targets", "", "comma-separated target unit ids")
	exclude := fs.String("exclude", "", "expr filter; matching units are excluded")
	policy := fs.String("policy", "", "failure policy: fail_fast or continue")
	parallelism := fs.Int("parallelism", 0, "maximum concurrent units")
	name := fs.String("name", "", "build name recorded in history")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	doc, err := planArg(fs)
	if err != nil {
		return err
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.builder.Run(ctx, service.Request{
		Name:        *name,
		Plan:        doc,
		Targets:     splitList(*targets),
		Exclude:     *exclude,
		Policy:      *policy,
		Parallelism: *parallelism,
	})
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(out, report)
	}
	if !report.Succeeded() {
		return errBuildFailed
	}
	return nil
}

func printReport(out io.Writer, r *schema.BuildReport) {
	fmt.Fprintf(out, "build %s finished in %s\n", r.BuildID, r.Duration)
	fmt.Fprintf(out, "  executed:   %s\n", strings.Join(r.Executed, ", "))
	fmt.Fprintf(out, "  up to date: %s\n", strings.Join(r.UpToDate, ", "))
	if len(r.SkippedExcluded) > 0 {
		fmt.Fprintf(out, "  excluded:   %s\n", strings.Join(r.SkippedExcluded, ", "))
	}
	if len(r.SkippedFailedDependency) > 0 {
		fmt.Fprintf(out, "  skipped:    %s\n", strings.Join(r.SkippedFailedDependency, ", "))
	}
	if r.Cancelled {
		fmt.Fprintln(out, "  cancelled")
	}
	if err := r.Err(); err != nil {
		fmt.Fprintf(out, "FAILED: %v\n", err)
		for _, f := range r.Failures {
			fmt.Fprintf(out, "  - %s: %v\n", f.UnitID, schema.RootCause(f.Cause))
		}
	}
}

func cmdPlan(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	targets := fs.String("targets", "", "comma-separated target unit ids")
	if err := fs.Parse(args); err != nil {
		return err
	}
	doc, err := planArg(fs)
	if err != nil {
		return err
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	planned, err := a.builder.Plan(doc, splitList(*targets))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "order: %s\n", strings.Join(planned.Graph.Order(), " "))
	for i, level := range planned.Graph.Levels() {
		fmt.Fprintf(out, "level %d: %s\n", i, strings.Join(level, " "))
	}
	return nil
}

func cmdDiagram(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("diagram", flag.ContinueOnError)
	format := fs.String("format", "ascii", "ascii, mermaid, png, svg or dot")
	buildID := fs.String("build", "", "overlay the unit states of a recorded build")
	outPath := fs.String("out", "", "write to file instead of stdout")
	targets := fs.String("targets", "", "comma-separated target unit ids")
	if err := fs.Parse(args); err != nil {
		return err
	}
	doc, err := planArg(fs)
	if err != nil {
		return err
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	planned, err := a.builder.Plan(doc, splitList(*targets))
	if err != nil {
		return err
	}
	var report *schema.BuildReport
	if *buildID != "" {
		rec, err := a.history.GetBuild(ctx, *buildID)
		if err != nil {
			return err
		}
		if report, err = rec.DecodeReport(); err != nil {
			return err
		}
	}

	model := diagram.Build(planned.Plan.Name, planned.Graph, report)
	var data []byte
	switch *format {
	case "ascii":
		data = []byte(diagram.RenderASCII(model))
	case "mermaid":
		data = []byte(diagram.RenderMermaid(model))
	case "png", "svg", "dot":
		if data, err = diagram.RenderGraphviz(ctx, model, diagram.Format(*format)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown diagram format %q", *format)
	}

	if *outPath != "" {
		return os.WriteFile(*outPath, data, 0o644)
	}
	_, err = out.Write(data)
	return err
}

func cmdServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	httpAddr := fs.String("http", "", "serve the HTTP panel on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	if *httpAddr != "" {
		a.cfg.HTTPAddr = *httpAddr
	}

	pruner, err := a.pruner()
	if err != nil {
		return err
	}
	if err := pruner.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = pruner.Stop() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	if a.cfg.HTTPAddr != "" {
		p := panel.NewPanelServer(panel.PanelDeps{
			Builder:  a.builder,
			Registry: a.registry,
			History:  a.history,
			Events:   a.events,
			Hub:      a.hub,
			Metrics:  a.collector.Handler(),
			Logger:   a.logger,
		})
		go func() { errCh <- p.ListenAndServe(ctx, a.cfg.HTTPAddr) }()
	}

	mcp.SetVersion(version)
	s := mcp.NewBuildServer(mcp.BuildServerDeps{
		Builder:  a.builder,
		Registry: a.registry,
		History:  a.history,
		Events:   a.events,
		Hub:      a.hub,
		Logger:   a.logger,
	})
	a.logger.Info("buildcore serving", "version", version, "http", a.cfg.HTTPAddr, "next_prune", pruner.Next())
	go func() { errCh <- s.Serve(ctx) }()

	err = <-errCh
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
