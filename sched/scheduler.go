package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/flowstate"
	"github.com/xraph/flowstate/event"
	"github.com/xraph/flowstate/id"
)

// StartFunc is the callback the scheduler uses to start workflow runs.
// This breaks the import cycle: the engine provides the implementation.
type StartFunc func(ctx context.Context, workflow, strategy string, vars map[string]any) (id.ExecutionID, error)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler fires registered entries on a tick loop. Entries live in
// memory; the engine re-registers them on startup.
type Scheduler struct {
	start  StartFunc
	bus    *event.Bus
	logger *slog.Logger

	tickInterval time.Duration

	mu      sync.RWMutex
	entries map[id.ScheduleID]*Entry
	byName  map[string]id.ScheduleID

	// parsed caches compiled cron expressions by text.
	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(start StartFunc, bus *event.Bus, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		start:        start,
		bus:          bus,
		logger:       logger,
		tickInterval: 1 * time.Second,
		entries:      make(map[id.ScheduleID]*Entry),
		byName:       make(map[string]id.ScheduleID),
		parsed:       make(map[string]cronlib.Schedule),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a scheduled workflow start. The schedule expression is
// validated up front and NextRunAt is primed from now.
func (s *Scheduler) Register(name, scheduleExpr, workflow, strategy string, vars map[string]any) (*Entry, error) {
	sched, err := s.getOrParseSchedule(scheduleExpr)
	if err != nil {
		return nil, fmt.Errorf("sched: register %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[name]; exists {
		return nil, fmt.Errorf("sched: entry %q already registered", name)
	}

	next := sched.Next(time.Now().UTC())
	entry := &Entry{
		ID:        id.NewScheduleID(),
		Name:      name,
		Schedule:  scheduleExpr,
		Workflow:  workflow,
		Strategy:  strategy,
		Variables: vars,
		Enabled:   true,
		NextRunAt: &next,
		CreatedAt: time.Now().UTC(),
	}

	s.entries[entry.ID] = entry
	s.byName[name] = entry.ID

	s.logger.Info("schedule registered",
		slog.String("schedule_id", entry.ID.String()),
		slog.String("name", name),
		slog.String("expression", scheduleExpr),
		slog.Time("next_run_at", next),
	)

	return entry.Clone(), nil
}

// Unregister removes an entry by id.
func (s *Scheduler) Unregister(entryID id.ScheduleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryID]
	if !ok {
		return flowstate.ErrScheduleNotFound
	}
	delete(s.entries, entryID)
	delete(s.byName, entry.Name)
	return nil
}

// SetEnabled toggles an entry without removing it.
func (s *Scheduler) SetEnabled(entryID id.ScheduleID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryID]
	if !ok {
		return flowstate.ErrScheduleNotFound
	}
	entry.Enabled = enabled
	return nil
}

// Get returns a copy of an entry.
func (s *Scheduler) Get(entryID id.ScheduleID) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[entryID]
	if !ok {
		return nil, flowstate.ErrScheduleNotFound
	}
	return entry.Clone(), nil
}

// List returns copies of all entries sorted by name.
func (s *Scheduler) List() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches the tick loop.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("scheduler started", slog.Duration("tick_interval", s.tickInterval))
	return nil
}

// Stop signals the scheduler to stop and waits for the tick loop.
func (s *Scheduler) Stop(_ context.Context) error {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick fires every due entry and advances its NextRunAt.
func (s *Scheduler) tick() {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*Entry
	for _, entry := range s.entries {
		if !entry.Enabled {
			continue
		}
		if entry.NextRunAt == nil || entry.NextRunAt.After(now) {
			continue
		}
		due = append(due, entry)

		entry.LastRunAt = &now
		if sched, err := s.getOrParseSchedule(entry.Schedule); err == nil {
			next := sched.Next(now)
			entry.NextRunAt = &next
		}
	}
	s.mu.Unlock()

	for _, entry := range due {
		s.fire(entry.Clone(), now)
	}
}

func (s *Scheduler) fire(entry *Entry, now time.Time) {
	ctx := context.Background()

	execID, err := s.start(ctx, entry.Workflow, entry.Strategy, entry.Variables)
	if err != nil {
		s.logger.Error("scheduled start failed",
			slog.String("schedule", entry.Name),
			slog.String("workflow", entry.Workflow),
			slog.String("error", err.Error()),
		)
		return
	}

	if s.bus != nil {
		_, _ = s.bus.Emit(ctx, event.TypeScheduleFired, map[string]any{
			"schedule":     entry.Name,
			"schedule_id":  entry.ID.String(),
			"workflow":     entry.Workflow,
			"execution_id": execID.String(),
			"fired_at":     now,
		}, event.Metadata{ExecutionID: execID})
	}

	s.logger.Info("schedule fired",
		slog.String("schedule", entry.Name),
		slog.String("workflow", entry.Workflow),
		slog.String("execution_id", execID.String()),
	)
}

// getOrParseSchedule caches parsed cron expressions.
func (s *Scheduler) getOrParseSchedule(expr string) (cronlib.Schedule, error) {
	s.parsedMu.RLock()
	sched, ok := s.parsed[expr]
	s.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	s.parsedMu.Lock()
	s.parsed[expr] = sched
	s.parsedMu.Unlock()
	return sched, nil
}
