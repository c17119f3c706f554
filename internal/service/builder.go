// Package service is the run path shared by the CLI, the MCP server and the
// HTTP panel: plan documents in, recorded build reports out.
package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/buildcore/internal/engine"
	"github.com/rendis/buildcore/internal/expressions"
	"github.com/rendis/buildcore/internal/logging"
	"github.com/rendis/buildcore/internal/plan"
	"github.com/rendis/buildcore/pkg/schema"
)

// ReportRecorder persists finished builds.
type ReportRecorder interface {
	RecordReport(ctx context.Context, name string, r *schema.BuildReport) error
}

// ReportObserver is told about every finished build.
type ReportObserver interface {
	ObserveReport(r *schema.BuildReport)
}

// Defaults apply when a request leaves a field unset.
type Defaults struct {
	Parallelism int
	Policy      schema.FailurePolicy
}

// Deps holds the collaborators of a Builder. CEL, Filter, History and
// Observer may be nil.
type Deps struct {
	Loader   *plan.Loader
	Executor engine.Executor
	CEL      *expressions.CELEngine
	Filter   *expressions.ExprEngine
	History  ReportRecorder
	Observer ReportObserver
	Defaults Defaults
	Logger   *slog.Logger
}

// Request describes one build.
type Request struct {
	BuildID     string // generated when empty
	Name        string // defaults to the plan name
	Plan        []byte // JSON plan document
	Targets     []string
	Exclude     string // expr filter; matching units are skipped as excluded
	Policy      string
	Parallelism int
}

// Planned is a validated plan together with its execution graph.
type Planned struct {
	Plan  *schema.BuildPlan
	Graph *engine.Graph
}

// Builder validates, plans and runs build plans.
type Builder struct {
	deps Deps
}

// NewBuilder creates a Builder.
func NewBuilder(deps Deps) *Builder {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Builder{deps: deps}
}

// Validate reports every issue in doc without building it.
func (b *Builder) Validate(doc []byte) (*schema.BuildPlan, *schema.ValidationResult) {
	return b.deps.Loader.Validate(doc)
}

// Plan loads doc and builds the execution graph restricted to targets.
func (b *Builder) Plan(doc []byte, targets []string) (*Planned, error) {
	p, err := b.deps.Loader.Load(doc)
	if err != nil {
		return nil, err
	}
	g, err := engine.BuildGraph(p.Units, targets...)
	if err != nil {
		return nil, err
	}
	return &Planned{Plan: p, Graph: g}, nil
}

// Run plans and executes req. Unit failures are reported in the returned
// report; the error is set only when the build could not start.
func (b *Builder) Run(ctx context.Context, req Request) (*schema.BuildReport, error) {
	planned, err := b.Plan(req.Plan, req.Targets)
	if err != nil {
		return nil, err
	}
	opts, err := b.options(req)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithBuildID(ctx, opts.BuildID)
	logger := logging.LogWith(ctx, b.deps.Logger)
	logger.Info("build starting", "units", planned.Graph.Len(), "policy", opts.Policy, "parallelism", opts.Parallelism)

	report, err := b.deps.Executor.Execute(ctx, planned.Graph, opts)
	if err != nil {
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = planned.Plan.Name
	}
	if b.deps.History != nil {
		// The build already ran; a history failure must not hide its report.
		if err := b.deps.History.RecordReport(context.WithoutCancel(ctx), name, report); err != nil {
			logger.Warn("failed to record build", "error", err)
		}
	}
	if b.deps.Observer != nil {
		b.deps.Observer.ObserveReport(report)
	}

	logger.Info("build finished",
		"executed", len(report.Executed),
		"up_to_date", len(report.UpToDate),
		"failures", len(report.Failures),
		"duration", report.Duration,
	)
	return report, nil
}

func (b *Builder) options(req Request) (engine.ExecuteOptions, error) {
	policy := schema.FailurePolicy(req.Policy)
	if req.Policy == "" {
		policy = b.deps.Defaults.Policy
	}
	parsed, err := schema.ParseFailurePolicy(string(policy))
	if err != nil {
		return engine.ExecuteOptions{}, err
	}

	parallelism := req.Parallelism
	if parallelism <= 0 {
		parallelism = b.deps.Defaults.Parallelism
	}

	exclude, err := b.excluders(req.Exclude)
	if err != nil {
		return engine.ExecuteOptions{}, err
	}

	id := req.BuildID
	if id == "" {
		id = uuid.NewString()
	}
	return engine.ExecuteOptions{
		BuildID:     id,
		Parallelism: parallelism,
		Policy:      parsed,
		Exclude:     exclude,
	}, nil
}

// excluders orders the request filter before the units' own only_if.
func (b *Builder) excluders(filter string) ([]expressions.UnitPredicate, error) {
	var preds []expressions.UnitPredicate
	if filter != "" {
		if b.deps.Filter == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "exclude filters are not enabled")
		}
		match, err := b.deps.Filter.Matcher(filter)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid exclude filter: %v", err).WithCause(err)
		}
		preds = append(preds, match)
	}
	if b.deps.CEL != nil {
		preds = append(preds, b.deps.CEL.Excluder())
	}
	return preds, nil
}
