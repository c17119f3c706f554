package engine

import (
	"container/heap"
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/buildcore/internal/actions"
	"github.com/rendis/buildcore/internal/expressions"
	"github.com/rendis/buildcore/internal/fingerprint"
	"github.com/rendis/buildcore/internal/logging"
	"github.com/rendis/buildcore/internal/streaming"
	"github.com/rendis/buildcore/pkg/schema"
)

// Executor runs an execution graph to completion.
type Executor interface {
	// Execute runs every unit of g at most once and reports the outcome.
	// Unit failures are recorded in the report; the returned error is only
	// set for unusable options or an internal state violation.
	Execute(ctx context.Context, g *Graph, opts ExecuteOptions) (*schema.BuildReport, error)
}

// ExecuteOptions controls one build invocation.
type ExecuteOptions struct {
	BuildID     string // generated when empty
	Parallelism int    // 0 = runtime.NumCPU()
	Policy      schema.FailurePolicy
	// Exclude predicates are evaluated in order when a unit becomes ready;
	// the first that returns true skips the unit as SkippedExcluded.
	Exclude []expressions.UnitPredicate
}

// ExecutorConfig holds the collaborators of an executor.
type ExecutorConfig struct {
	WorkDir     string
	Cache       *fingerprint.Cache // nil disables up-to-date checks
	Broadcaster *streaming.Broadcaster
	Logger      *slog.Logger
}

type executorImpl struct {
	runner        *actions.Runner
	cache         *fingerprint.Cache
	fingerprinter *fingerprint.Fingerprinter
	events        *streaming.Broadcaster
	logger        *slog.Logger
	workDir       string
}

// NewExecutor creates an Executor invoking actions through runner.
func NewExecutor(runner *actions.Runner, cfg ExecutorConfig) Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = streaming.NewBroadcaster(logging.NewEventLogger(cfg.Logger), cfg.Logger)
	}
	return &executorImpl{
		runner:        runner,
		cache:         cfg.Cache,
		fingerprinter: fingerprint.NewFingerprinter(cfg.WorkDir),
		events:        cfg.Broadcaster,
		logger:        cfg.Logger,
		workDir:       cfg.WorkDir,
	}
}

func (x *executorImpl) Execute(ctx context.Context, g *Graph, opts ExecuteOptions) (*schema.BuildReport, error) {
	if g == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph is nil")
	}
	policy, err := schema.ParseFailurePolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}
	opts.Policy = policy
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}
	if opts.BuildID == "" {
		opts.BuildID = uuid.NewString()
	}

	r := newBuildRun(x, g, opts)
	r.ctx = logging.WithBuildID(ctx, opts.BuildID)
	return r.run()
}

// unitMsg is what workers report back to the coordinator.
type unitMsg struct {
	idx     int
	kind    msgKind
	outcome schema.UnitState // msgDone
	err     error            // msgDone
	level   slog.Level       // msgLog
	message string           // msgLog
}

type msgKind int

const (
	msgStarted msgKind = iota
	msgLog
	msgDone
)

// buildRun is the state of one Execute call. Everything except abort and
// results is owned by the coordinator goroutine.
type buildRun struct {
	x      *executorImpl
	g      *Graph
	opts   ExecuteOptions
	ctx    context.Context
	fsm    *UnitFSM
	pool   *WorkerPool
	report *schema.BuildReport

	position []int // unit index -> planned position
	hardLeft []int // hard deps not yet satisfied
	softLeft []int // soft predecessors not yet terminal
	causes   []error
	ready    positionHeap
	inFlight int

	abort   atomic.Bool
	results chan unitMsg
}

func newBuildRun(x *executorImpl, g *Graph, opts ExecuteOptions) *buildRun {
	n := g.Len()
	r := &buildRun{
		x:        x,
		g:        g,
		opts:     opts,
		fsm:      NewUnitFSM(g),
		position: make([]int, n),
		hardLeft: make([]int, n),
		softLeft: make([]int, n),
		causes:   make([]error, n),
		results:  make(chan unitMsg, 2*opts.Parallelism),
		report: &schema.BuildReport{
			BuildID:      opts.BuildID,
			PlannedOrder: g.Order(),
			Policy:       opts.Policy,
			StartedAt:    time.Now(),
		},
	}
	for pos, idx := range g.order {
		r.position[idx] = pos
	}
	for i := 0; i < n; i++ {
		r.hardLeft[i] = len(g.deps[i])
		r.softLeft[i] = len(g.after[i])
	}
	r.pool = NewWorkerPool(opts.Parallelism, r.onWorkerPanic)
	r.fsm.OnTransition(r.onTransition)
	return r
}

func (r *buildRun) run() (*schema.BuildReport, error) {
	defer r.shutdown()

	r.emit(schema.Event{Kind: schema.EventGraphReady, Planned: r.g.Order()})
	r.x.logger.InfoContext(r.ctx, "build started",
		slog.Int("units", r.g.Len()),
		slog.Int("parallelism", r.opts.Parallelism),
		slog.String("policy", string(r.opts.Policy)),
	)

	for _, idx := range r.g.order {
		if r.hardLeft[idx] == 0 && r.softLeft[idx] == 0 {
			if err := r.markReady(idx); err != nil {
				return nil, err
			}
		}
	}

	done := r.ctx.Done()
	for {
		if err := r.dispatch(); err != nil {
			return nil, err
		}
		if r.inFlight == 0 {
			break
		}
		select {
		case msg := <-r.results:
			if err := r.handle(msg); err != nil {
				return nil, err
			}
		case <-done:
			done = nil
			r.cancel()
		}
	}

	r.finish()
	return r.report, nil
}

// shutdown waits for the pool, discarding results nobody will read after an
// early return.
func (r *buildRun) shutdown() {
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-r.results:
			case <-stop:
				return
			}
		}
	}()
	r.pool.Shutdown()
	close(stop)
}

// dispatch starts ready units until the pool is full, the queue is empty or
// the build is aborted. The abort flag is checked before every dispatch.
func (r *buildRun) dispatch() error {
	for r.ready.Len() > 0 && r.inFlight < r.opts.Parallelism {
		if r.abort.Load() {
			return nil
		}
		if r.ctx.Err() != nil {
			r.cancel()
			return nil
		}
		idx := heap.Pop(&r.ready).(readyItem).idx

		excluded, err := r.excluded(idx)
		if err != nil {
			r.causes[idx] = err
			if err := r.fail(idx, err); err != nil {
				return err
			}
			continue
		}
		if excluded {
			if err := r.fsm.Transition(idx, schema.UnitStateSkippedExcluded); err != nil {
				return err
			}
			if err := r.settle(idx); err != nil {
				return err
			}
			continue
		}

		unit := r.g.units[idx]
		if err := r.pool.Submit(r.ctx, Job{Name: unit.ID, Run: func(ctx context.Context) error {
			r.work(ctx, idx)
			return nil
		}}); err != nil {
			// Only cancellation can refuse a submit here; the unit stays unexecuted.
			r.cancel()
			return nil
		}
		r.inFlight++
	}
	return nil
}

func (r *buildRun) excluded(idx int) (bool, error) {
	unit := r.g.units[idx]
	for _, pred := range r.opts.Exclude {
		skip, err := pred(r.ctx, unit.UnitDescriptor)
		if err != nil {
			return false, schema.NewError(schema.ErrCodeEvaluation, "cannot evaluate exclusion").
				WithUnit(unit.ID).WithCause(err)
		}
		if skip {
			return true, nil
		}
	}
	return false, nil
}

func (r *buildRun) handle(msg unitMsg) error {
	switch msg.kind {
	case msgStarted:
		return r.fsm.Transition(msg.idx, schema.UnitStateExecuting)
	case msgLog:
		r.emit(schema.Event{Kind: schema.EventLog, UnitID: r.g.units[msg.idx].ID, Level: msg.level, Message: msg.message})
		return nil
	}

	r.inFlight--
	if msg.outcome == schema.UnitStateFailed {
		r.causes[msg.idx] = msg.err
		return r.fail(msg.idx, msg.err)
	}
	if err := r.fsm.Transition(msg.idx, msg.outcome); err != nil {
		return err
	}
	return r.settle(msg.idx)
}

// fail records a failed unit and skips everything downstream of it.
func (r *buildRun) fail(idx int, cause error) error {
	if err := r.fsm.Transition(idx, schema.UnitStateFailed); err != nil {
		return err
	}
	r.report.Failures = append(r.report.Failures, schema.UnitFailure{
		UnitID:      r.g.units[idx].ID,
		Cause:       cause,
		IsAggregate: r.opts.Policy == schema.Continue,
	})
	if r.opts.Policy == schema.FailFast {
		r.abort.Store(true)
	}
	return r.settle(idx)
}

// settle propagates a terminal state to hard dependents and soft successors.
func (r *buildRun) settle(idx int) error {
	state := r.fsm.State(idx)
	for _, d := range r.g.dependents[idx] {
		if r.fsm.State(d).IsTerminal() {
			continue
		}
		if state.Blocks() {
			if err := r.fsm.Transition(d, schema.UnitStateSkippedFailedDependency); err != nil {
				return err
			}
			if err := r.settle(d); err != nil {
				return err
			}
			continue
		}
		r.hardLeft[d]--
		if err := r.maybeReady(d); err != nil {
			return err
		}
	}
	for _, s := range r.g.before[idx] {
		r.softLeft[s]--
		if err := r.maybeReady(s); err != nil {
			return err
		}
	}
	return nil
}

func (r *buildRun) maybeReady(idx int) error {
	if r.hardLeft[idx] > 0 || r.softLeft[idx] > 0 || r.fsm.State(idx) != schema.UnitStatePending {
		return nil
	}
	return r.markReady(idx)
}

func (r *buildRun) markReady(idx int) error {
	if err := r.fsm.Transition(idx, schema.UnitStateReady); err != nil {
		return err
	}
	heap.Push(&r.ready, readyItem{idx: idx, pos: r.position[idx]})
	return nil
}

func (r *buildRun) cancel() {
	if !r.report.Cancelled {
		r.report.Cancelled = true
		r.x.logger.WarnContext(r.ctx, "build cancelled, waiting for running units", slog.Int("in_flight", r.inFlight))
	}
	r.abort.Store(true)
}

// onTransition emits lifecycle events and fills the report buckets.
func (r *buildRun) onTransition(unit *Unit, _, to schema.UnitState) {
	switch to {
	case schema.UnitStateExecuting:
		r.emit(schema.Event{Kind: schema.EventBeforeExecute, UnitID: unit.ID})
		return
	case schema.UnitStateExecuted:
		r.report.Executed = append(r.report.Executed, unit.ID)
	case schema.UnitStateUpToDate:
		r.report.UpToDate = append(r.report.UpToDate, unit.ID)
	case schema.UnitStateSkippedFailedDependency:
		r.report.SkippedFailedDependency = append(r.report.SkippedFailedDependency, unit.ID)
	case schema.UnitStateSkippedExcluded:
		r.report.SkippedExcluded = append(r.report.SkippedExcluded, unit.ID)
	}
	if to.IsTerminal() {
		r.emit(schema.Event{Kind: schema.EventAfterExecute, UnitID: unit.ID, Outcome: to, Cause: r.causes[unit.Index]})
	}
}

func (r *buildRun) emit(e schema.Event) {
	e.BuildID = r.opts.BuildID
	e.Timestamp = time.Now()
	r.x.events.Emit(e)
}

// finish records units that never ran and puts every bucket in planned order.
func (r *buildRun) finish() {
	for _, idx := range r.g.order {
		if !r.fsm.State(idx).IsTerminal() {
			r.report.Unexecuted = append(r.report.Unexecuted, r.g.units[idx].ID)
		}
	}
	for _, bucket := range [][]string{
		r.report.Executed,
		r.report.UpToDate,
		r.report.SkippedFailedDependency,
		r.report.SkippedExcluded,
	} {
		r.sortPlanned(bucket)
	}
	sort.SliceStable(r.report.Failures, func(i, j int) bool {
		a, _ := r.g.Unit(r.report.Failures[i].UnitID)
		b, _ := r.g.Unit(r.report.Failures[j].UnitID)
		return r.position[a.Index] < r.position[b.Index]
	})
	r.report.Duration = time.Since(r.report.StartedAt)

	r.x.logger.InfoContext(r.ctx, "build finished",
		slog.Int("executed", len(r.report.Executed)),
		slog.Int("up_to_date", len(r.report.UpToDate)),
		slog.Int("failed", len(r.report.Failures)),
		slog.Int("skipped", len(r.report.SkippedFailedDependency)+len(r.report.SkippedExcluded)),
		slog.Int("unexecuted", len(r.report.Unexecuted)),
		slog.Duration("duration", r.report.Duration),
	)
}

func (r *buildRun) sortPlanned(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, _ := r.g.Unit(ids[i])
		b, _ := r.g.Unit(ids[j])
		return r.position[a.Index] < r.position[b.Index]
	})
}

// --- worker side ---

// work runs on a pool goroutine. It resolves the unit's fingerprint, consults
// the cache and invokes the action on a miss. It reports back through
// r.results only.
func (r *buildRun) work(ctx context.Context, idx int) {
	unit := r.g.units[idx]
	ctx = logging.WithAction(logging.WithUnitID(ctx, unit.ID), unit.Action)

	target := &actions.Target{
		UnitID:  unit.ID,
		WorkDir: r.x.workDir,
		Inputs:  unit.Inputs,
		Outputs: unit.Outputs,
	}
	invoke := func(ctx context.Context) error {
		r.results <- unitMsg{idx: idx, kind: msgStarted}
		return r.x.runner.Invoke(ctx, unit.Action, unit.Params, target, r).Err
	}
	reply := func(err error, ok schema.UnitState) {
		if err != nil {
			r.results <- unitMsg{idx: idx, kind: msgDone, outcome: schema.UnitStateFailed, err: err}
			return
		}
		r.results <- unitMsg{idx: idx, kind: msgDone, outcome: ok}
	}

	if r.x.cache == nil {
		reply(invoke(ctx), schema.UnitStateExecuted)
		return
	}

	digest, err := r.fingerprint(unit)
	if err != nil {
		r.log(idx, slog.LevelInfo, "unit is not cacheable and will always execute: "+err.Error())
		reply(invoke(ctx), schema.UnitStateExecuted)
		return
	}

	probe, err := r.x.cache.Probe(ctx, digest, unit.Outputs, invoke)
	if probe.Mismatch != nil {
		r.log(idx, slog.LevelWarn, "cached outputs no longer match, unit re-executed: "+probe.Mismatch.Error())
	}
	if probe.Hit {
		reply(nil, schema.UnitStateUpToDate)
		return
	}
	reply(err, schema.UnitStateExecuted)
}

func (r *buildRun) fingerprint(unit *Unit) (fingerprint.Digest, error) {
	identity, err := r.x.runner.Registry().Identity(unit.Action)
	if err != nil {
		return fingerprint.Digest{}, err
	}
	return r.x.fingerprinter.Fingerprint(unit.UnitDescriptor, identity)
}

func (r *buildRun) log(idx int, level slog.Level, message string) {
	r.results <- unitMsg{idx: idx, kind: msgLog, level: level, message: message}
}

// HandleException is the runner's exception handler for this build. Under
// fail-fast it raises the abort flag as soon as the failure happens, before
// the coordinator processes the result.
func (r *buildRun) HandleException(target *actions.Target, cause error) {
	ctx := logging.WithUnitID(r.ctx, target.UnitID)
	r.x.logger.ErrorContext(ctx, "unit failed", slog.Any("error", cause))
	if r.opts.Policy == schema.FailFast {
		r.abort.Store(true)
	}
}

// onWorkerPanic turns a panic outside the action boundary into a failure
// so the coordinator never waits for a result that will not come.
func (r *buildRun) onWorkerPanic(job Job, err error) {
	unit, ok := r.g.Unit(job.Name)
	if !ok {
		return
	}
	r.results <- unitMsg{idx: unit.Index, kind: msgDone, outcome: schema.UnitStateFailed, err: err}
}

// readyItem orders ready units by planned position.
type readyItem struct {
	idx int
	pos int
}

type positionHeap []readyItem

func (h positionHeap) Len() int           { return len(h) }
func (h positionHeap) Less(i, j int) bool { return h[i].pos < h[j].pos }
func (h positionHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *positionHeap) Push(x any)        { *h = append(*h, x.(readyItem)) }
func (h *positionHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}
