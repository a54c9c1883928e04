package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CTG813819/lvl-up-sub003/pkg/config"
	"github.com/CTG813819/lvl-up-sub003/pkg/custody"
	"github.com/CTG813819/lvl-up-sub003/pkg/llm"
	"github.com/CTG813819/lvl-up-sub003/pkg/models"
)

type checkpoint struct {
	agent  models.AgentType
	status models.AgentStatus
}

// fakeStore records checkpoints and serves canned agent rows.
type fakeStore struct {
	mu          sync.Mutex
	rows        []models.AgentMetrics
	checkpoints []checkpoint
	testedSince map[models.AgentType]bool
	cycles      int
}

func (f *fakeStore) ListAgentMetrics(context.Context) ([]models.AgentMetrics, error) {
	return f.rows, nil
}

func (f *fakeStore) CheckpointStatus(_ context.Context, agent models.AgentType, status models.AgentStatus, _, _ *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, checkpoint{agent, status})
	return nil
}

func (f *fakeStore) UpsertAgentMetrics(_ context.Context, agent models.AgentType, patch models.MetricsPatch) (*models.AgentMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if patch.Status != nil {
		f.checkpoints = append(f.checkpoints, checkpoint{agent, *patch.Status})
	}
	return &models.AgentMetrics{AgentType: agent}, nil
}

func (f *fakeStore) HasTestSince(_ context.Context, agent models.AgentType, _ time.Time) (bool, error) {
	return f.testedSince[agent], nil
}

func (f *fakeStore) IncrementLearningCycles(context.Context, models.AgentType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cycles++
	return nil
}

func (f *fakeStore) statuses(agent models.AgentType) []models.AgentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AgentStatus
	for _, c := range f.checkpoints {
		if c.agent == agent {
			out = append(out, c.status)
		}
	}
	return out
}

type trigger struct {
	agent models.AgentType
	opts  custody.TestOptions
}

// fakeEngine records administered triggers and signals each one.
type fakeEngine struct {
	mu       sync.Mutex
	triggers []trigger
	fired    chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{fired: make(chan struct{}, 16)}
}

func (f *fakeEngine) AdministerTest(_ context.Context, agent models.AgentType, opts custody.TestOptions) (*models.TestResult, error) {
	f.mu.Lock()
	f.triggers = append(f.triggers, trigger{agent, opts})
	f.mu.Unlock()
	f.fired <- struct{}{}
	return &models.TestResult{AgentType: agent, Passed: true}, nil
}

func (f *fakeEngine) recorded() []trigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trigger(nil), f.triggers...)
}

// fakeBudget serves a scripted governor alert level.
type fakeBudget struct {
	mu    sync.Mutex
	level models.AlertLevel
}

func (f *fakeBudget) Status(context.Context) (models.TokenStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.TokenStatus{AlertLevel: f.level}, nil
}

func (f *fakeBudget) setLevel(level models.AlertLevel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.level = level
}

type stubBroker struct {
	err error
}

func (b *stubBroker) Generate(context.Context, models.AgentType, string, int64, int64) (*llm.Result, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &llm.Result{Provider: models.ProviderPrimary, Text: "learned"}, nil
}

func fastConfig() *config.SchedulerConfig {
	cfg := config.DefaultSchedulerConfig()
	cfg.CustodyDelay = 0
	cfg.CustodyTimeout = time.Second
	cfg.GracefulShutdownTimeout = 2 * time.Second
	return cfg
}

func testScheduler(t *testing.T, store *fakeStore, engine CustodyEngine, brokerErr error) *Scheduler {
	t.Helper()
	if store.testedSince == nil {
		store.testedSince = map[models.AgentType]bool{}
	}
	learner := NewLearner(&stubBroker{err: brokerErr}, store, slog.Default())
	s := New(fastConfig(), store, learner, engine, &fakeBudget{level: models.AlertActive}, slog.Default())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func waitFired(t *testing.T, engine *fakeEngine) {
	t.Helper()
	select {
	case <-engine.fired:
	case <-time.After(3 * time.Second):
		t.Fatal("custody trigger did not fire")
	}
}

func TestTriggerNonceDeterministic(t *testing.T) {
	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, TriggerNonce(models.AgentImperium, at), TriggerNonce(models.AgentImperium, at))
	assert.NotEqual(t, TriggerNonce(models.AgentImperium, at), TriggerNonce(models.AgentGuardian, at))
	assert.NotEqual(t, TriggerNonce(models.AgentImperium, at), TriggerNonce(models.AgentImperium, at.Add(time.Millisecond)))
}

func TestTriggerNowConflictsWhenNotIdle(t *testing.T) {
	s := testScheduler(t, &fakeStore{}, newFakeEngine(), nil)

	require.NoError(t, s.TriggerNow(models.AgentImperium))

	s.mu.Lock()
	s.states[models.AgentImperium].status = models.StatusRunning
	s.mu.Unlock()
	assert.ErrorIs(t, s.TriggerNow(models.AgentImperium), ErrNotIdle)
}

func TestTriggerNowAcceptsExactlyOnePerIdlePeriod(t *testing.T) {
	store := &fakeStore{}
	engine := newFakeEngine()
	s := testScheduler(t, store, engine, nil)
	agent := models.AgentGuardian

	require.NoError(t, s.TriggerNow(agent))
	// The agent is now due but not yet dispatched; further triggers
	// conflict until the pending one is claimed.
	assert.ErrorIs(t, s.TriggerNow(agent), ErrNotIdle)
	assert.ErrorIs(t, s.TriggerNow(agent), ErrNotIdle)

	// Dispatching consumes the pending trigger; while the run is in
	// flight triggers still conflict, and once the machine settles back
	// to idle a fresh trigger is accepted again.
	s.dispatchDue()
	assert.ErrorIs(t, s.TriggerNow(agent), ErrNotIdle)
	waitFired(t, engine)
	require.Eventually(t, func() bool {
		return s.AgentStates()[agent].Status == models.StatusIdle
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, s.TriggerNow(agent))
}

func TestUnblockReturnsAgentToIdleAndDue(t *testing.T) {
	store := &fakeStore{}
	s := testScheduler(t, store, newFakeEngine(), nil)
	agent := models.AgentConquest

	s.mu.Lock()
	s.states[agent].status = models.StatusBlocked
	s.mu.Unlock()

	s.Unblock(agent)
	view := s.AgentStates()[agent]
	assert.Equal(t, models.StatusIdle, view.Status)
	assert.False(t, view.NextScheduledAt.After(time.Now()))
	assert.Contains(t, store.statuses(agent), models.StatusIdle)

	// Unblocking a non-blocked agent is a no-op.
	s.Unblock(agent)
	assert.Equal(t, models.StatusIdle, s.AgentStates()[agent].Status)
}

func TestReviveBlockedWaitsForEmergencyToClear(t *testing.T) {
	store := &fakeStore{testedSince: map[models.AgentType]bool{}}
	budget := &fakeBudget{level: models.AlertEmergency}
	learner := NewLearner(&stubBroker{}, store, slog.Default())
	s := New(fastConfig(), store, learner, newFakeEngine(), budget, slog.Default())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	agent := models.AgentSandbox

	s.mu.Lock()
	s.states[agent].status = models.StatusBlocked
	s.mu.Unlock()

	s.reviveBlocked()
	assert.Equal(t, models.StatusBlocked, s.AgentStates()[agent].Status)

	// A ledger reset or month rollover drops the alert level; the next
	// tick lifts the block.
	budget.setLevel(models.AlertWarning)
	s.reviveBlocked()
	assert.Equal(t, models.StatusIdle, s.AgentStates()[agent].Status)
}

func TestRunCouplesCustodyAndReturnsToIdle(t *testing.T) {
	store := &fakeStore{}
	engine := newFakeEngine()
	s := testScheduler(t, store, engine, nil)

	s.mu.Lock()
	s.states[models.AgentSandbox].status = models.StatusRunning
	s.mu.Unlock()
	s.runSlots <- struct{}{}
	s.wg.Add(1)
	go s.run(models.AgentSandbox, 0)

	waitFired(t, engine)
	triggers := engine.recorded()
	require.Len(t, triggers, 1)
	assert.Equal(t, models.AgentSandbox, triggers[0].agent)
	assert.NotEmpty(t, triggers[0].opts.TriggerNonce)
	assert.False(t, triggers[0].opts.RunFailed)

	// The state machine settles back to idle with the next run scheduled
	// one interval after completion.
	require.Eventually(t, func() bool {
		return s.AgentStates()[models.AgentSandbox].Status == models.StatusIdle
	}, 3*time.Second, 10*time.Millisecond)
	view := s.AgentStates()[models.AgentSandbox]
	assert.True(t, view.NextScheduledAt.After(time.Now().Add(3*time.Hour)))

	statuses := store.statuses(models.AgentSandbox)
	assert.Equal(t, []models.AgentStatus{
		models.StatusRunning, models.StatusCooldown, models.StatusIdle,
	}, statuses)
	assert.Equal(t, 1, store.cycles)
}

func TestFailedRunRetriesThenCouplesCustodyWithFailSignal(t *testing.T) {
	store := &fakeStore{}
	engine := newFakeEngine()
	s := testScheduler(t, store, engine, errors.New("provider down"))
	agent := models.AgentConquest
	retries := s.cfg.Agents[agent].Retries

	// Burn the retry budget, then the terminal attempt couples custody
	// with the failure signal.
	for attempt := 0; attempt <= retries; attempt++ {
		s.mu.Lock()
		s.states[agent].status = models.StatusRunning
		s.mu.Unlock()
		s.runSlots <- struct{}{}
		s.wg.Add(1)
		s.run(agent, attempt)
	}

	waitFired(t, engine)
	triggers := engine.recorded()
	require.Len(t, triggers, 1)
	assert.True(t, triggers[0].opts.RunFailed)

	require.Eventually(t, func() bool {
		return s.AgentStates()[agent].Status == models.StatusIdle
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEmergencyDenialBlocksAgent(t *testing.T) {
	store := &fakeStore{}
	engine := newFakeEngine()
	s := testScheduler(t, store, engine, &llm.BudgetDeniedError{Reason: models.DenyEmergencyShutdown})
	agent := models.AgentGuardian

	s.mu.Lock()
	s.states[agent].status = models.StatusRunning
	s.mu.Unlock()
	s.runSlots <- struct{}{}
	s.wg.Add(1)
	s.run(agent, 0)

	assert.Equal(t, models.StatusBlocked, s.AgentStates()[agent].Status)
	assert.Empty(t, engine.recorded())
	assert.Contains(t, store.statuses(agent), models.StatusBlocked)
}

func TestRecoveryReissuesCustodyTrigger(t *testing.T) {
	finished := time.Now().Add(-5 * time.Minute)
	store := &fakeStore{
		rows: []models.AgentMetrics{
			{AgentType: models.AgentImperium, Status: models.StatusCooldown, LastFinishedAt: &finished},
			{AgentType: models.AgentGuardian, Status: models.StatusRunning},
		},
		testedSince: map[models.AgentType]bool{},
	}
	engine := newFakeEngine()
	s := testScheduler(t, store, engine, nil)

	waitFired(t, engine)
	triggers := engine.recorded()
	require.Len(t, triggers, 1)
	assert.Equal(t, models.AgentImperium, triggers[0].agent)
	assert.Equal(t, TriggerNonce(models.AgentImperium, finished), triggers[0].opts.TriggerNonce)

	// The agent interrupted mid-run was reset to idle and is due now.
	view := s.AgentStates()[models.AgentGuardian]
	assert.Equal(t, models.StatusIdle, view.Status)
	assert.False(t, view.NextScheduledAt.After(time.Now()))
}

func TestRecoverySkipsTestedCooldownAgent(t *testing.T) {
	finished := time.Now().Add(-5 * time.Minute)
	store := &fakeStore{
		rows: []models.AgentMetrics{
			{AgentType: models.AgentSandbox, Status: models.StatusCooldown, LastFinishedAt: &finished},
		},
		testedSince: map[models.AgentType]bool{models.AgentSandbox: true},
	}
	engine := newFakeEngine()
	s := testScheduler(t, store, engine, nil)

	assert.Empty(t, engine.recorded())
	assert.Equal(t, models.StatusIdle, s.AgentStates()[models.AgentSandbox].Status)
}

func TestStopCompletesWithinTimeout(t *testing.T) {
	store := &fakeStore{testedSince: map[models.AgentType]bool{}}
	learner := NewLearner(&stubBroker{}, store, slog.Default())
	s := New(fastConfig(), store, learner, newFakeEngine(), &fakeBudget{level: models.AlertActive}, slog.Default())
	require.NoError(t, s.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not complete within the shutdown budget")
	}
}
