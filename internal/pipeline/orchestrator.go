package pipeline

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// RunGuard enforces single-flight execution: at most one run holds the
// guard at a time. Both the scheduled and the on-demand trigger path
// acquire it through compare-and-set, so they can never race past each
// other.
type RunGuard struct {
	active atomic.Bool
}

// NewRunGuard creates a released guard.
func NewRunGuard() *RunGuard {
	return &RunGuard{}
}

// TryAcquire atomically claims the guard. It returns false when a run is
// already active.
func (g *RunGuard) TryAcquire() bool {
	return g.active.CAS(false, true)
}

// Release returns the guard.
func (g *RunGuard) Release() {
	g.active.Store(false)
}

// Active reports whether a run currently holds the guard.
func (g *RunGuard) Active() bool {
	return g.active.Load()
}

// RetryPolicy bounds one orchestrator step.
type RetryPolicy struct {
	// Attempts is the total number of attempts including the first.
	Attempts int
	// Interval is the fixed pause between attempts.
	Interval time.Duration
	// Timeout bounds each individual attempt, not the whole step.
	Timeout time.Duration
}

// Policies holds the per-step orchestration knobs.
type Policies struct {
	Fetch       RetryPolicy
	Materialize RetryPolicy

	// Settle delay window: a mandatory pause between fetch and materialize
	// so the raw store commit becomes visible to the silver builder.
	SettleDelayMin time.Duration
	SettleDelayMax time.Duration
}

func (p *Policies) applyDefaults() {
	if p.Fetch.Attempts <= 0 {
		p.Fetch.Attempts = 1
	}
	if p.Fetch.Timeout <= 0 {
		p.Fetch.Timeout = 30 * time.Second
	}
	if p.Materialize.Attempts <= 0 {
		p.Materialize.Attempts = 1
	}
	if p.Materialize.Timeout <= 0 {
		p.Materialize.Timeout = 30 * time.Second
	}
	if p.SettleDelayMax < p.SettleDelayMin {
		p.SettleDelayMax = p.SettleDelayMin
	}
}

// ReasonCancelled is recorded when a run is stopped at a step boundary
// during shutdown.
const ReasonCancelled = "cancelled"

// Orchestrator sequences fetch → settle delay → materialize with per-step
// timeout and retry policy. A step failure after exhausting its retries
// fails the run and is recorded on the run's audit record; it never crashes
// the orchestrator or touches the previous gold snapshot.
type Orchestrator struct {
	producer *Producer
	silver   *SilverBuilder
	gold     *GoldMaterializer
	runs     RunLog
	guard    *RunGuard
	policies Policies
	logger   *zap.Logger

	// mu orders the {stopping check, wg.Add} pair in Trigger against the
	// {stopping set, wg.Wait} pair in Shutdown, so Shutdown can never observe
	// a zero WaitGroup counter while an accepted trigger is about to Add.
	mu       sync.Mutex
	stopping atomic.Bool
	wg       sync.WaitGroup

	now func() time.Time
}

// NewOrchestrator wires an Orchestrator. The guard may be shared with other
// components that need to observe run activity.
func NewOrchestrator(
	producer *Producer,
	silver *SilverBuilder,
	gold *GoldMaterializer,
	runs RunLog,
	guard *RunGuard,
	policies Policies,
	logger *zap.Logger,
) *Orchestrator {
	policies.applyDefaults()
	return &Orchestrator{
		producer: producer,
		silver:   silver,
		gold:     gold,
		runs:     runs,
		guard:    guard,
		policies: policies,
		logger:   logger.Named("orchestrator"),
		now:      time.Now,
	}
}

// Trigger starts a run if none is active and returns its ID immediately;
// the run itself executes in the background and its outcome is observable
// through the run log. A trigger arriving while a run is active gets
// ErrBusy and is not queued.
func (o *Orchestrator) Trigger(kind TriggerKind) (string, error) {
	o.mu.Lock()
	if o.stopping.Load() || !o.guard.TryAcquire() {
		o.mu.Unlock()
		return "", ErrBusy
	}
	o.wg.Add(1)
	o.mu.Unlock()

	run := RunRecord{
		ID:        uuid.NewString(),
		Trigger:   kind,
		Status:    RunStatusRunning,
		StartedAt: o.now().UTC(),
	}
	if err := o.runs.Create(context.Background(), run); err != nil {
		o.guard.Release()
		o.wg.Done()
		return "", eris.Wrap(err, "create run record")
	}

	go func() {
		defer o.wg.Done()
		defer o.guard.Release()
		o.execute(run)
	}()

	return run.ID, nil
}

// Shutdown rejects new triggers and waits for any in-flight run to finish.
// A running run is cancelled cooperatively at its next step boundary;
// the current step always completes or times out.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.stopping.Store(true)
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) execute(run RunRecord) {
	ctx := context.Background()
	log := o.logger.With(
		zap.String("run_id", run.ID),
		zap.String("trigger", string(run.Trigger)),
	)
	log.Info("run started")

	// Step: fetch.
	step, batch := o.runFetch(ctx, log)
	run.Steps = append(run.Steps, step)
	if step.Status == RunStatusFailed {
		o.finish(&run, ReasonFetchExhausted, log)
		return
	}
	run.BatchID = batch.BatchID

	if o.cancelledAtBoundary(&run, log) {
		return
	}

	// Step: settle delay.
	run.Steps = append(run.Steps, o.runSettleDelay(log))

	if o.cancelledAtBoundary(&run, log) {
		return
	}

	// Step: materialize.
	step = o.runMaterialize(ctx, &run, log)
	run.Steps = append(run.Steps, step)
	if step.Status == RunStatusFailed {
		o.finish(&run, ReasonMaterializeExhausted, log)
		return
	}

	o.finish(&run, "", log)
}

func (o *Orchestrator) runFetch(ctx context.Context, log *zap.Logger) (StepState, RawBatch) {
	policy := o.policies.Fetch
	step := StepState{Name: StepFetch, Status: RunStatusRunning, StartedAt: o.now().UTC()}

	var batch RawBatch
	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		step.Attempts = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		batch, lastErr = o.producer.Fetch(attemptCtx)
		cancel()

		if lastErr == nil {
			o.finishStep(&step, RunStatusSucceeded, nil)
			return step, batch
		}

		log.Warn("fetch attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.Attempts),
			zap.Error(lastErr),
		)
		if attempt < policy.Attempts {
			o.pause(policy.Interval)
		}
	}

	o.finishStep(&step, RunStatusFailed, lastErr)
	return step, RawBatch{}
}

func (o *Orchestrator) runSettleDelay(log *zap.Logger) StepState {
	step := StepState{Name: StepSettleDelay, Status: RunStatusRunning, StartedAt: o.now().UTC(), Attempts: 1}

	delay := o.settleDelay()
	log.Info("settling before materialize", zap.Duration("delay", delay))
	o.pause(delay)

	o.finishStep(&step, RunStatusSucceeded, nil)
	return step
}

func (o *Orchestrator) runMaterialize(ctx context.Context, run *RunRecord, log *zap.Logger) StepState {
	policy := o.policies.Materialize
	step := StepState{Name: StepMaterialize, Status: RunStatusRunning, StartedAt: o.now().UTC()}

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		step.Attempts = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		appended, rebuilt, err := o.materializeOnce(attemptCtx, run.BatchID)
		cancel()

		if err == nil {
			run.RowsAppended += appended
			run.RowsMaterialized = rebuilt
			o.finishStep(&step, RunStatusSucceeded, nil)
			return step
		}
		lastErr = err

		log.Warn("materialize attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.Attempts),
			zap.Bool("visibility", eris.Is(err, ErrCommitVisibility)),
			zap.Error(err),
		)
		if attempt < policy.Attempts {
			o.pause(policy.Interval)
		}
	}

	o.finishStep(&step, RunStatusFailed, lastErr)
	return step
}

// materializeOnce applies the run's batch to the silver log and rebuilds
// gold. Silver appends are fully applied before the rebuild reads them, so
// a run always materializes its own data.
func (o *Orchestrator) materializeOnce(ctx context.Context, batchID string) (int, int, error) {
	appended, err := o.silver.Apply(ctx, batchID)
	if err != nil {
		return appended, 0, err
	}
	rebuilt, err := o.gold.Rebuild(ctx)
	if err != nil {
		return appended, 0, err
	}
	return appended, rebuilt, nil
}

func (o *Orchestrator) cancelledAtBoundary(run *RunRecord, log *zap.Logger) bool {
	if !o.stopping.Load() {
		return false
	}
	o.finish(run, ReasonCancelled, log)
	return true
}

func (o *Orchestrator) finish(run *RunRecord, reason string, log *zap.Logger) {
	finishedAt := o.now().UTC()
	run.FinishedAt = &finishedAt
	run.FailureReason = reason
	if reason == "" {
		run.Status = RunStatusSucceeded
	} else {
		run.Status = RunStatusFailed
	}

	if err := o.runs.Update(context.Background(), *run); err != nil {
		log.Error("persist run record", zap.Error(err))
	}

	log.Info("run finished",
		zap.String("status", string(run.Status)),
		zap.String("reason", reason),
		zap.Int("rows_appended", run.RowsAppended),
		zap.Int("rows_materialized", run.RowsMaterialized),
	)
}

func (o *Orchestrator) finishStep(step *StepState, status RunStatus, err error) {
	finishedAt := o.now().UTC()
	step.FinishedAt = &finishedAt
	step.Status = status
	if err != nil {
		step.Error = err.Error()
	}
}

func (o *Orchestrator) settleDelay() time.Duration {
	min, max := o.policies.SettleDelayMin, o.policies.SettleDelayMax
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}

func (o *Orchestrator) pause(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}
