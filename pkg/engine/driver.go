package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Driver converges a host to an ordered list of resource descriptors. It
// processes one resource at a time, probing, reconciling and acting, and stops
// at the first failure.
//
// A Driver is not safe for concurrent use. Running two drivers against the
// same host at once is the operator's responsibility to avoid.
type Driver struct {
	cfg      Config
	probe    *Probe
	executor *Executor
	observer RunObserver
	logger   zerolog.Logger
	clock    Clock
	newRunID func() string

	state RunState
}

// Option configures a Driver.
type Option func(*Driver)

// WithObserver registers an observer for run events.
func WithObserver(o RunObserver) Option {
	return func(d *Driver) {
		d.observer = o
	}
}

// WithLogger sets the logger used by the driver and its components.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithClock replaces time.Now for record timestamps.
func WithClock(clock Clock) Option {
	return func(d *Driver) {
		d.clock = clock
	}
}

// WithRunID fixes the ID assigned to the next run instead of a random UUID.
func WithRunID(id string) Option {
	return func(d *Driver) {
		d.newRunID = func() string { return id }
	}
}

// NewDriver creates a driver. cfg is copied; empty fields take the values from
// DefaultConfig except ValidateCommand.
func NewDriver(transport Transport, cfg Config, opts ...Option) (*Driver, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	d := &Driver{
		cfg:      cfg,
		observer: NopObserver{},
		logger:   zerolog.Nop(),
		clock:    time.Now,
		newRunID: func() string { return uuid.New().String() },
		state:    RunStatePending,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.logger = d.logger.With().Str("component", "driver").Logger()
	d.probe = NewProbe(transport, cfg, d.logger)
	d.executor = NewExecutor(transport, cfg, d.logger)
	return d, nil
}

// Config returns the configuration the driver runs with.
func (d *Driver) Config() Config {
	return d.cfg
}

// State returns the state of the most recent run.
func (d *Driver) State() RunState {
	return d.state
}

func (d *Driver) transition(next RunState) {
	if !d.state.CanTransition(next) {
		// Only reachable through a driver bug.
		panic(fmt.Sprintf("invalid run state transition %s -> %s", d.state, next))
	}
	d.state = next
}

// Run converges the host to descriptors, in order.
//
// The returned error is non-nil only when descriptors are invalid; nothing is
// probed in that case. Every other failure is recorded in the report: the
// failing resource is marked failed, the remaining ones skipped, and the
// report state is aborted.
//
// ctx is checked before each resource. Once a resource has started, its probe
// and action run to completion even if ctx is cancelled.
func (d *Driver) Run(ctx context.Context, descriptors []ResourceDescriptor) (*Report, error) {
	if err := ValidateDescriptors(descriptors); err != nil {
		return nil, err
	}

	d.state = RunStatePending
	report := &Report{
		RunID:     d.newRunID(),
		State:     d.state,
		Records:   make([]ChangeRecord, 0, len(descriptors)),
		StartedAt: d.clock(),
	}
	logger := d.logger.With().Str("run_id", report.RunID).Logger()

	d.transition(RunStateRunning)
	report.State = d.state
	d.observer.RunStarted(ctx, report.RunID, descriptors)
	logger.Info().Int("resources", len(descriptors)).Msg("run started")

	next := 0
	for ; next < len(descriptors); next++ {
		desc := descriptors[next]
		if err := ctx.Err(); err != nil {
			report.Reason = fmt.Sprintf("cancelled before %s: %v", desc.ID(), err)
			break
		}

		d.observer.ResourceStarted(ctx, report.RunID, desc)
		rec := d.converge(context.WithoutCancel(ctx), logger, desc)
		report.Records = append(report.Records, rec)
		d.observer.ResourceFinished(ctx, report.RunID, rec)

		if rec.Outcome == OutcomeFailed {
			report.Reason = fmt.Sprintf("%s failed", desc.ID())
			next++
			break
		}
	}

	if report.Reason == "" {
		d.transition(RunStateCompleted)
	} else {
		for _, desc := range descriptors[next:] {
			rec := ChangeRecord{Kind: desc.Kind(), Key: desc.Key(), Outcome: OutcomeSkipped}
			report.Records = append(report.Records, rec)
			d.observer.ResourceFinished(ctx, report.RunID, rec)
		}
		d.transition(RunStateAborted)
	}
	report.State = d.state
	report.FinishedAt = d.clock()

	counts := report.Counts()
	event := logger.Info()
	if report.State == RunStateAborted {
		event = logger.Warn().Str("reason", report.Reason)
	}
	event.
		Str("state", string(report.State)).
		Int("changed", counts[OutcomeChanged]).
		Int("unchanged", counts[OutcomeUnchanged]).
		Int("failed", counts[OutcomeFailed]).
		Int("skipped", counts[OutcomeSkipped]).
		Dur("duration", report.Duration()).
		Msg("run finished")
	d.observer.RunFinished(ctx, report)

	return report, nil
}

// converge runs probe, reconcile and action for one resource.
func (d *Driver) converge(ctx context.Context, logger zerolog.Logger, desc ResourceDescriptor) ChangeRecord {
	rec := ChangeRecord{Kind: desc.Kind(), Key: desc.Key(), StartedAt: d.clock()}
	finish := func(outcome Outcome, err error) ChangeRecord {
		rec.Outcome = outcome
		rec.Duration = d.clock().Sub(rec.StartedAt)
		if err != nil {
			rec.Err = err
			rec.Error = err.Error()
		}
		return rec
	}

	observed, err := d.probe.Observe(ctx, desc)
	if err != nil {
		logger.Error().Err(err).Str("resource", desc.ID()).Msg("probe failed")
		return finish(OutcomeFailed, err)
	}

	decision := Reconcile(desc, observed)
	switch decision.Type {
	case DecisionSatisfied:
		logger.Info().Str("resource", desc.ID()).Msg("unchanged")
		return finish(OutcomeUnchanged, nil)

	case DecisionUnreconcilable:
		err := NewUnreconcilableError(decision.Description)
		err.Resource = desc.ID()
		logger.Error().Err(err).Str("resource", desc.ID()).Msg("unreconcilable")
		return finish(OutcomeFailed, err)
	}

	rec.Description = decision.Description
	changed, err := d.executor.Apply(ctx, desc, decision)
	if err != nil {
		logger.Error().Err(err).Str("resource", desc.ID()).Msg("action failed")
		return finish(OutcomeFailed, err)
	}
	if !changed {
		rec.Description = ""
		logger.Info().Str("resource", desc.ID()).Msg("unchanged")
		return finish(OutcomeUnchanged, nil)
	}
	logger.Info().Str("resource", desc.ID()).Str("change", decision.Description).Msg("changed")
	return finish(OutcomeChanged, nil)
}

// Plan probes and reconciles every descriptor without acting. It stops at the
// first probe error.
//
// A resource whose only unmet precondition is satisfied by an earlier planned
// change (a key for a user the plan creates) is planned as if that change had
// been applied.
func (d *Driver) Plan(ctx context.Context, descriptors []ResourceDescriptor) (*Plan, error) {
	if err := ValidateDescriptors(descriptors); err != nil {
		return nil, err
	}

	plan := &Plan{
		Changes:   make([]PlannedChange, 0, len(descriptors)),
		CreatedAt: d.clock(),
	}
	pending := make(map[string]bool)

	for _, desc := range descriptors {
		if err := ctx.Err(); err != nil {
			return plan, err
		}

		observed, err := d.probe.Observe(ctx, desc)
		if err != nil {
			return plan, err
		}

		decision := Reconcile(desc, observed)
		if decision.Type == DecisionUnreconcilable && observed.Requires != "" && pending[observed.Requires] {
			decision = Reconcile(desc, ObservedState{})
			decision.Description = fmt.Sprintf("%s (after %s)", decision.Description, observed.Requires)
		}
		if decision.Type == DecisionNeedsAction {
			pending[desc.ID()] = true
		}

		plan.Changes = append(plan.Changes, PlannedChange{
			Descriptor: desc,
			Observed:   observed,
			Decision:   decision,
		})
	}
	return plan, nil
}
