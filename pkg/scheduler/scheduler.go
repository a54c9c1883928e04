// Package scheduler drives the periodic per-agent learning cycles and
// couples each completion with a custody test. Learning runs share a
// bounded run pool; custody tests run on their own single slot so a slow
// test never starves the learning cadence.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/CTG813819/lvl-up-sub003/pkg/config"
	"github.com/CTG813819/lvl-up-sub003/pkg/custody"
	"github.com/CTG813819/lvl-up-sub003/pkg/llm"
	"github.com/CTG813819/lvl-up-sub003/pkg/models"
	"github.com/CTG813819/lvl-up-sub003/pkg/services"
)

// ErrNotIdle means a manual trigger targeted an agent that is not idle.
var ErrNotIdle = errors.New("agent is not idle")

// tickInterval is how often the dispatch loop scans for due agents.
const tickInterval = 15 * time.Second

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lvlup_learning_runs_total",
		Help: "Learning run completions by agent and outcome.",
	}, []string{"agent_type", "outcome"})

	runningGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lvlup_agents_running",
		Help: "Agents currently executing a learning run.",
	})
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	ListAgentMetrics(ctx context.Context) ([]models.AgentMetrics, error)
	CheckpointStatus(ctx context.Context, agent models.AgentType, status models.AgentStatus, startedAt, finishedAt *time.Time) error
	UpsertAgentMetrics(ctx context.Context, agent models.AgentType, patch models.MetricsPatch) (*models.AgentMetrics, error)
	HasTestSince(ctx context.Context, agent models.AgentType, since time.Time) (bool, error)
}

// CustodyEngine administers tests on the scheduler's custody slot.
type CustodyEngine interface {
	AdministerTest(ctx context.Context, agent models.AgentType, opts custody.TestOptions) (*models.TestResult, error)
}

// BudgetStatus is the governor projection the scheduler consults to
// decide when budget-blocked agents may resume.
type BudgetStatus interface {
	Status(ctx context.Context) (models.TokenStatus, error)
}

type agentState struct {
	status       models.AgentStatus
	retries      int
	triggered    bool
	nextDue      time.Time
	lastFinished time.Time
}

// Scheduler owns the per-agent state machines (idle, running, cooldown,
// blocked) and the two work pools.
type Scheduler struct {
	cfg     *config.SchedulerConfig
	store   Store
	learner *Learner
	engine  CustodyEngine
	budget  BudgetStatus
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	states map[models.AgentType]*agentState

	runSlots     chan struct{}
	custodySlots chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped scheduler.
func New(cfg *config.SchedulerConfig, store Store, learner *Learner, engine CustodyEngine, budget BudgetStatus, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		cfg:          cfg,
		store:        store,
		learner:      learner,
		engine:       engine,
		budget:       budget,
		logger:       logger.With("component", "scheduler"),
		now:          time.Now,
		states:       map[models.AgentType]*agentState{},
		runSlots:     make(chan struct{}, cfg.MaxConcurrentAgents),
		custodySlots: make(chan struct{}, 1),
	}
	for _, agent := range models.AllAgentTypes() {
		s.states[agent] = &agentState{status: models.StatusIdle}
	}
	return s
}

// Start loads persisted agent state, runs crash recovery, and begins the
// dispatch loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.loadStates(ctx); err != nil {
		return fmt.Errorf("loading agent states: %w", err)
	}
	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	s.wg.Add(1)
	go s.loop()
	s.logger.Info("scheduler started",
		"max_concurrent_agents", s.cfg.MaxConcurrentAgents,
		"custody_delay", s.cfg.CustodyDelay)
	return nil
}

func (s *Scheduler) loadStates(ctx context.Context) error {
	rows, err := s.store.ListAgentMetrics(ctx)
	if err != nil && !errors.Is(err, services.ErrNotFound) {
		return err
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range rows {
		st := s.states[m.AgentType]
		if st == nil {
			continue
		}
		st.status = m.Status
		if m.LastFinishedAt != nil {
			st.lastFinished = *m.LastFinishedAt
			st.nextDue = m.LastFinishedAt.Add(s.cfg.Agents[m.AgentType].Interval)
		} else {
			st.nextDue = now
		}
	}
	return nil
}

// recover repairs state left by a crash: agents checkpointed as running
// go back to idle and become due, and cooldown agents with no custody
// record inside the recovery window get their trigger re-issued. The
// re-issued trigger carries a nonce derived from the completion instant,
// so a trigger that actually fired before the crash is dropped as a
// duplicate.
func (s *Scheduler) recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	for agent, st := range s.states {
		switch st.status {
		case models.StatusRunning:
			s.logger.Warn("recovering agent interrupted mid-run", "agent_type", agent)
			if err := s.store.CheckpointStatus(ctx, agent, models.StatusIdle, nil, nil); err != nil {
				return err
			}
			st.status = models.StatusIdle
			st.nextDue = now

		case models.StatusCooldown:
			since := now.Add(-s.cfg.CooldownRecoveryWindow)
			tested, err := s.store.HasTestSince(ctx, agent, since)
			if err != nil {
				return err
			}
			if tested {
				if err := s.store.CheckpointStatus(ctx, agent, models.StatusIdle, nil, nil); err != nil {
					return err
				}
				st.status = models.StatusIdle
				continue
			}
			s.logger.Warn("re-issuing custody trigger after restart", "agent_type", agent)
			s.spawnCustody(agent, st.lastFinished, false, 0)
		}
	}
	return nil
}

// Stop halts admission, waits for in-flight units up to the configured
// timeout, then cancels whatever remains and writes status idle for it.
func (s *Scheduler) Stop() {
	s.logger.Info("scheduler stopping")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.GracefulShutdownTimeout):
		s.logger.Warn("graceful shutdown timeout elapsed with units in flight")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for agent, st := range s.states {
		if st.status == models.StatusRunning || st.status == models.StatusCooldown {
			st.status = models.StatusIdle
			if err := s.store.CheckpointStatus(ctx, agent, models.StatusIdle, nil, nil); err != nil {
				s.logger.Error("writing shutdown checkpoint", "agent_type", agent, "error", err)
			}
		}
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.reviveBlocked()
			s.dispatchDue()
		}
	}
}

func (s *Scheduler) dispatchDue() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, agent := range models.AllAgentTypes() {
		st := s.states[agent]
		if st.status != models.StatusIdle || now.Before(st.nextDue) {
			continue
		}
		select {
		case s.runSlots <- struct{}{}:
		default:
			// Pool full; the agent stays due for the next tick.
			continue
		}
		st.status = models.StatusRunning
		st.triggered = false
		s.wg.Add(1)
		go s.run(agent, st.retries)
	}
}

// TriggerNow forces an idle agent to become due immediately. Exactly one
// trigger is accepted per idle period: a second call while the first is
// still waiting for a dispatch slot conflicts, as does any call while the
// agent is running, cooling down, or blocked.
func (s *Scheduler) TriggerNow(agent models.AgentType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[agent]
	if !ok {
		return fmt.Errorf("unknown agent %q", agent)
	}
	if st.status != models.StatusIdle {
		return fmt.Errorf("%w: %s is %s", ErrNotIdle, agent, st.status)
	}
	if st.triggered {
		return fmt.Errorf("%w: %s is already due", ErrNotIdle, agent)
	}
	st.triggered = true
	st.nextDue = s.now()
	s.logger.Info("manual trigger accepted", "agent_type", agent)
	return nil
}

// reviveBlocked lifts budget blocks once the emergency condition has
// cleared, which happens when the month rolls over or an operator resets
// the ledger.
func (s *Scheduler) reviveBlocked() {
	s.mu.Lock()
	var blocked []models.AgentType
	for agent, st := range s.states {
		if st.status == models.StatusBlocked {
			blocked = append(blocked, agent)
		}
	}
	s.mu.Unlock()
	if len(blocked) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	status, err := s.budget.Status(ctx)
	if err != nil {
		s.logger.Warn("checking budget for blocked agents", "error", err)
		return
	}
	if status.AlertLevel == models.AlertEmergency {
		return
	}
	for _, agent := range blocked {
		s.Unblock(agent)
	}
}

// Unblock returns a budget-blocked agent to idle and makes it due. The
// admin metrics reset calls this so a reset takes effect without a
// process restart; calls for agents that are not blocked are no-ops.
func (s *Scheduler) Unblock(agent models.AgentType) {
	s.mu.Lock()
	st, ok := s.states[agent]
	if !ok || st.status != models.StatusBlocked {
		s.mu.Unlock()
		return
	}
	st.status = models.StatusIdle
	st.triggered = false
	st.retries = 0
	st.nextDue = s.now()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status := models.StatusIdle
	reason := ""
	if _, err := s.store.UpsertAgentMetrics(ctx, agent, models.MetricsPatch{
		Status:        &status,
		BlockedReason: &reason,
	}); err != nil {
		s.logger.Error("writing unblocked state", "agent_type", agent, "error", err)
	}
	s.logger.Info("agent unblocked", "agent_type", agent)
}

// AgentStates returns a snapshot of the in-memory state machine, with
// the next scheduled instant per agent.
func (s *Scheduler) AgentStates() map[models.AgentType]AgentStateView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[models.AgentType]AgentStateView, len(s.states))
	for agent, st := range s.states {
		out[agent] = AgentStateView{
			Status:          st.status,
			NextScheduledAt: st.nextDue,
			RetriesPending:  st.retries,
		}
	}
	return out
}

// AgentStateView is a read-only projection of one agent's machine state.
type AgentStateView struct {
	Status          models.AgentStatus `json:"status"`
	NextScheduledAt time.Time          `json:"next_scheduled_at"`
	RetriesPending  int                `json:"retries_pending"`
}

// run executes one learning attempt and drives the state transitions
// that follow it.
func (s *Scheduler) run(agent models.AgentType, attempt int) {
	defer s.wg.Done()
	defer func() { <-s.runSlots }()
	runningGauge.Inc()
	defer runningGauge.Dec()

	sched := s.cfg.Agents[agent]
	startedAt := s.now()
	if err := s.store.CheckpointStatus(s.ctx, agent, models.StatusRunning, &startedAt, nil); err != nil {
		s.logger.Error("writing run checkpoint", "agent_type", agent, "error", err)
	}

	runCtx, cancel := context.WithTimeout(s.ctx, sched.Timeout)
	err := s.learner.RunLearningCycle(runCtx, agent)
	cancel()

	switch {
	case err == nil:
		runsTotal.WithLabelValues(string(agent), "success").Inc()
		s.completeRun(agent, false)

	case llm.DenyReasonOf(err) == models.DenyEmergencyShutdown:
		runsTotal.WithLabelValues(string(agent), "blocked").Inc()
		s.blockAgent(agent, "budget")

	case attempt < sched.Retries && s.ctx.Err() == nil:
		runsTotal.WithLabelValues(string(agent), "retry").Inc()
		s.logger.Warn("learning run failed, scheduling retry",
			"agent_type", agent, "attempt", attempt+1, "retry_delay", sched.RetryDelay, "error", err)
		s.scheduleRetry(agent)

	default:
		runsTotal.WithLabelValues(string(agent), "failure").Inc()
		s.logger.Error("learning run failed terminally", "agent_type", agent, "error", err)
		s.completeRun(agent, true)
	}
}

func (s *Scheduler) scheduleRetry(agent models.AgentType) {
	s.mu.Lock()
	st := s.states[agent]
	st.status = models.StatusIdle
	st.retries++
	st.nextDue = s.now().Add(s.cfg.Agents[agent].RetryDelay)
	s.mu.Unlock()
	if err := s.store.CheckpointStatus(s.ctx, agent, models.StatusIdle, nil, nil); err != nil {
		s.logger.Error("writing retry checkpoint", "agent_type", agent, "error", err)
	}
}

func (s *Scheduler) blockAgent(agent models.AgentType, reason string) {
	s.mu.Lock()
	s.states[agent].status = models.StatusBlocked
	s.mu.Unlock()
	status := models.StatusBlocked
	_, err := s.store.UpsertAgentMetrics(context.Background(), agent, models.MetricsPatch{
		Status:        &status,
		BlockedReason: &reason,
	})
	if err != nil {
		s.logger.Error("writing blocked state", "agent_type", agent, "error", err)
	}
	s.logger.Warn("agent blocked", "agent_type", agent, "reason", reason)
}

// completeRun finishes a learning run (success or terminal failure) and
// enqueues the coupled custody trigger.
func (s *Scheduler) completeRun(agent models.AgentType, runFailed bool) {
	finished := s.now()
	s.mu.Lock()
	st := s.states[agent]
	st.status = models.StatusCooldown
	st.lastFinished = finished
	st.retries = 0
	s.mu.Unlock()

	if err := s.store.CheckpointStatus(s.ctx, agent, models.StatusCooldown, nil, &finished); err != nil {
		s.logger.Error("writing cooldown checkpoint", "agent_type", agent, "error", err)
	}
	s.mu.Lock()
	s.spawnCustody(agent, finished, runFailed, s.cfg.CustodyDelay)
	s.mu.Unlock()
}

// spawnCustody launches the custody unit for a completed run. Callers
// hold s.mu.
func (s *Scheduler) spawnCustody(agent models.AgentType, completedAt time.Time, runFailed bool, delay time.Duration) {
	s.wg.Add(1)
	go s.custody(agent, completedAt, runFailed, delay)
}

func (s *Scheduler) custody(agent models.AgentType, completedAt time.Time, runFailed bool, delay time.Duration) {
	defer s.wg.Done()

	if delay > 0 {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	select {
	case <-s.ctx.Done():
		return
	case s.custodySlots <- struct{}{}:
	}
	defer func() { <-s.custodySlots }()

	testCtx, cancel := context.WithTimeout(s.ctx, s.cfg.CustodyTimeout)
	defer cancel()
	_, err := s.engine.AdministerTest(testCtx, agent, custody.TestOptions{
		TriggerNonce: TriggerNonce(agent, completedAt),
		RunFailed:    runFailed,
	})
	switch {
	case errors.Is(err, custody.ErrDuplicateTrigger):
		s.logger.Info("custody trigger already consumed", "agent_type", agent)
	case err != nil:
		s.logger.Error("custody test failed", "agent_type", agent, "error", err)
	}

	s.finishCooldown(agent)
}

func (s *Scheduler) finishCooldown(agent models.AgentType) {
	s.mu.Lock()
	st := s.states[agent]
	st.status = models.StatusIdle
	st.nextDue = st.lastFinished.Add(s.cfg.Agents[agent].Interval)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.CheckpointStatus(ctx, agent, models.StatusIdle, nil, nil); err != nil {
		s.logger.Error("writing idle checkpoint", "agent_type", agent, "error", err)
	}
}

// TriggerNonce derives the deterministic custody trigger identity from
// the learning run's completion instant. Re-issuing the trigger for the
// same completion yields the same nonce, so duplicates are dropped.
func TriggerNonce(agent models.AgentType, completedAt time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", agent, completedAt.UnixMilli())))
	return hex.EncodeToString(sum[:16])
}
