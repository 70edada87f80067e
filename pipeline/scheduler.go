package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/config"
	"github.com/drivelinehq/driveline/events"
	"github.com/drivelinehq/driveline/metrics"
)

// defaultSyncInterval applies to kinds without a configured schedule.
const defaultSyncInterval = 6 * time.Hour

// failureBackoff is the retry delay after a whole-run failure,
// doubling per consecutive failure up to the kind's interval.
const failureBackoff = 5 * time.Minute

// Builder assembles the pipeline and extraction query for one entity
// kind. The scheduler owns nothing about construction; the factory
// satisfies this.
type Builder func(entity string) (*Pipeline, string, error)

// RunOutcome reports one RunSync call.
type RunOutcome struct {
	Status    string  `json:"status"` // skipped, completed, failed, cancelled
	HistoryID string  `json:"history_id,omitempty"`
	Result    *Result `json:"result,omitempty"`
}

// delayThenEvery fires once after an initial delay, then at the fixed
// interval. cron.Every cannot express the shifted first run a manual
// reschedule needs.
type delayThenEvery struct {
	first    time.Time
	interval time.Duration
}

func (s *delayThenEvery) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return t.Add(s.interval)
}

// Scheduler is the process-wide sync coordinator: one run per entity
// kind at a time, recurring schedules, history bookkeeping.
type Scheduler struct {
	cfg     config.SyncConfig
	build   Builder
	history *HistoryRepo

	cron    *cron.Cron
	events  events.Publisher
	metrics *metrics.Service
	logger  *common.ContextLogger

	mu          sync.Mutex
	entries     map[string]cron.EntryID
	active      map[string]struct{}
	lastSuccess map[string]time.Time
	failures    map[string]int

	runWG sync.WaitGroup
}

// NewScheduler builds the scheduler service.
func NewScheduler(cfg config.SyncConfig, build Builder, history *HistoryRepo, pub events.Publisher) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		build:       build,
		history:     history,
		cron:        cron.New(),
		events:      pub,
		logger:      common.ServiceLogger("sync"),
		entries:     make(map[string]cron.EntryID),
		active:      make(map[string]struct{}),
		lastSuccess: make(map[string]time.Time),
		failures:    make(map[string]int),
	}
}

// Name identifies this service in the registry.
func (s *Scheduler) Name() string { return "sync" }

// SetMetrics attaches the metrics service.
func (s *Scheduler) SetMetrics(m *metrics.Service) { s.metrics = m }

// Initialize registers the configured schedules and starts the cron
// engine. Kinds without a schedule entry are not run automatically.
func (s *Scheduler) Initialize(_ context.Context) error {
	for kind, interval := range s.cfg.Schedules {
		s.ScheduleSync(kind, interval)
	}
	s.cron.Start()
	s.logger.WithField("scheduled_kinds", len(s.cfg.Schedules)).Info("Sync scheduler started")
	return nil
}

// interval returns the configured run interval for a kind.
func (s *Scheduler) interval(kind string) time.Duration {
	if d, ok := s.cfg.Schedules[kind]; ok && d > 0 {
		return d
	}
	return defaultSyncInterval
}

// ScheduleSync (re)schedules a kind: any existing entry is cancelled
// and the next run happens after delay, then at the kind's interval.
func (s *Scheduler) ScheduleSync(kind string, delay time.Duration) {
	if delay <= 0 {
		delay = s.interval(kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[kind]; ok {
		s.cron.Remove(id)
	}
	schedule := &delayThenEvery{
		first:    time.Now().Add(delay),
		interval: s.interval(kind),
	}
	id := s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.runWG.Add(1)
		defer s.runWG.Done()
		s.RunSync(context.Background(), kind, false)
	}))
	s.entries[kind] = id

	s.logger.WithFields(map[string]interface{}{
		"kind":  kind,
		"delay": delay.String(),
	}).Debug("sync scheduled")
}

// LastSuccess returns when a kind last completed, zero if never.
func (s *Scheduler) LastSuccess(kind string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSuccess[kind]
}

// ActiveKinds lists the kinds currently running.
func (s *Scheduler) ActiveKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, 0, len(s.active))
	for k := range s.active {
		kinds = append(kinds, k)
	}
	return kinds
}

// claim marks a kind active; false when it already is.
func (s *Scheduler) claim(kind string, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.active[kind]; running && !force {
		return false
	}
	s.active[kind] = struct{}{}
	return true
}

func (s *Scheduler) release(kind string) {
	s.mu.Lock()
	delete(s.active, kind)
	s.mu.Unlock()
}

// RunSync runs one sync for a kind right now. A kind already running
// is skipped unless forced. The run is recorded in sync history from
// pending through its terminal status, and the next run is
// rescheduled when the kind carries a schedule.
func (s *Scheduler) RunSync(ctx context.Context, kind string, force bool) *RunOutcome {
	if !s.claim(kind, force) {
		s.logger.WithField("kind", kind).Info("sync already active, skipped")
		return &RunOutcome{Status: "skipped"}
	}
	defer s.release(kind)

	source := s.cfg.Source
	if source == "" {
		source = SourceAS400
	}
	row, err := s.history.Create(ctx, kind, source, nil, nil)
	if err != nil {
		s.logger.WithError(err).Error("failed to create sync history")
		return &RunOutcome{Status: StatusFailed}
	}
	outcome := &RunOutcome{HistoryID: row.ID}

	if err := s.history.MarkRunning(ctx, row.ID); err != nil {
		s.logger.WithError(err).Error("failed to mark sync running")
	}
	_ = s.history.AppendEvent(ctx, row.ID, "started", "sync run started", map[string]interface{}{"forced": force})

	pipe, query, err := s.build(kind)
	if err != nil {
		s.finish(ctx, row.ID, kind, StatusFailed, err.Error(), ResultCounters{}, nil)
		outcome.Status = StatusFailed
		s.rescheduleAfterFailure(kind)
		return outcome
	}

	result := pipe.Run(ctx, query, 0, nil)
	outcome.Result = result

	switch {
	case result.Success:
		outcome.Status = StatusCompleted
		s.finish(ctx, row.ID, kind, StatusCompleted, "", result.Counters, result)
		s.mu.Lock()
		s.lastSuccess[kind] = time.Now().UTC()
		s.failures[kind] = 0
		s.mu.Unlock()
		s.reschedule(kind, s.interval(kind))
	case ctx.Err() != nil:
		outcome.Status = StatusCancelled
		s.finish(ctx, row.ID, kind, StatusCancelled, result.Error, result.Counters, result)
		s.reschedule(kind, s.interval(kind))
	default:
		outcome.Status = StatusFailed
		s.finish(ctx, row.ID, kind, StatusFailed, result.Error, result.Counters, result)
		s.rescheduleAfterFailure(kind)
	}
	return outcome
}

// finish writes the terminal history row, appends the closing event
// and publishes the audit event; all best-effort.
func (s *Scheduler) finish(ctx context.Context, historyID, kind, status, errorMessage string, counters ResultCounters, result *Result) {
	// Finishing must survive a cancelled run context.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}

	details := map[string]interface{}{}
	if result != nil {
		details["durations"] = map[string]interface{}{
			"extract": result.Durations.Extract.Seconds(),
			"process": result.Durations.Process.Seconds(),
			"import":  result.Durations.Import.Seconds(),
			"total":   result.Durations.Total.Seconds(),
		}
		details["skipped"] = counters.Skipped
		details["dry_run"] = result.DryRun
	}

	if err := s.history.Finish(ctx, historyID, status, errorMessage, counters, details); err != nil {
		s.logger.WithError(err).Error("failed to finish sync history")
	}
	if err := s.history.AppendEvent(ctx, historyID, status, errorMessage, nil); err != nil {
		s.logger.WithError(err).Error("failed to append sync event")
	}

	if s.metrics != nil && result != nil {
		s.metrics.TrackSyncRun(kind, status, result.Durations.Total)
		s.metrics.TrackSyncRecords(kind, counters.Created, counters.Updated, counters.Failed)
	}
	if s.events != nil {
		_ = s.events.Publish(ctx, "sync."+status, map[string]interface{}{
			"kind":       kind,
			"history_id": historyID,
			"processed":  counters.Processed,
			"created":    counters.Created,
			"updated":    counters.Updated,
			"failed":     counters.Failed,
		}, nil)
	}
}

// reschedule arms the next run for kinds that carry a schedule.
func (s *Scheduler) reschedule(kind string, delay time.Duration) {
	if _, scheduled := s.cfg.Schedules[kind]; !scheduled {
		return
	}
	s.ScheduleSync(kind, delay)
}

// rescheduleAfterFailure backs off exponentially per consecutive
// failure, capped at the kind's regular interval.
func (s *Scheduler) rescheduleAfterFailure(kind string) {
	s.mu.Lock()
	s.failures[kind]++
	n := s.failures[kind]
	s.mu.Unlock()

	s.reschedule(kind, backoffDelay(n, s.interval(kind)))
}

// backoffDelay doubles the base backoff per consecutive failure,
// capped at max.
func backoffDelay(failures int, max time.Duration) time.Duration {
	delay := failureBackoff
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

// Shutdown cancels every scheduled entry, stops the engine and waits
// for in-flight runs to reach their chunk boundary.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	stopCtx := s.cron.Stop()

	s.mu.Lock()
	for kind, id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, kind)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-stopCtx.Done():
	case <-ctx.Done():
		s.logger.Warn("sync shutdown timed out with runs in flight")
		return ctx.Err()
	}

	s.mu.Lock()
	s.active = make(map[string]struct{})
	s.mu.Unlock()
	s.logger.Info("Sync scheduler stopped")
	return nil
}
