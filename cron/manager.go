package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

// scheduleParser accepts five-field expressions, an optional leading
// seconds field and descriptors such as @every 15m.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	cron            *cron.Cron
	timezone        *time.Location
	jobs            map[string]*jobState
	state           atomic.Value
	mu              sync.RWMutex
	shutdownTimeout time.Duration
	jobTimeout      time.Duration
}

type jobState struct {
	entry   types.JobEntry
	job     types.CronJob
	running atomic.Bool
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (*Manager, error) {
	syncConfig := config.GetConfig().Sync
	if syncConfig == nil {
		syncConfig = &types.SyncConfig{}
	}

	timezone := time.UTC
	if syncConfig.Timezone != "" {
		location, err := time.LoadLocation(syncConfig.Timezone)
		if err != nil {
			return nil, types.Errorf(types.ErrConfigValidateFailed, "timezone %q: %v", syncConfig.Timezone, err)
		}
		timezone = location
	}

	jobTimeout := syncConfig.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}

	managerCtx, cancel := context.WithCancel(ctx)

	cronL := cronLogger{logger: logger}

	manager := &Manager{
		ctx:     managerCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		cron: cron.New(
			cron.WithLocation(timezone),
			cron.WithParser(scheduleParser),
			cron.WithLogger(cronL),
			cron.WithChain(cron.Recover(cronL)),
		),
		timezone:        timezone,
		jobs:            make(map[string]*jobState),
		shutdownTimeout: 10 * time.Second,
		jobTimeout:      jobTimeout,
	}

	manager.state.Store(StateStopped)

	return manager, nil
}

func (m *Manager) Add(jobName, spec string, job types.CronJob) error {
	if jobName == "" {
		return types.ErrCronJobNameIsEmpty
	}

	if job == nil {
		return types.ErrCronJobIsNil
	}

	if _, err := scheduleParser.Parse(spec); err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%q: %v", spec, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getState() == StateStopping {
		return types.ErrCronSchedulerStopped
	}

	if _, exists := m.jobs[jobName]; exists {
		return types.Errorf(types.ErrCronJobExists, "job: %s", jobName)
	}

	state := &jobState{job: job}

	entryID, err := m.cron.AddFunc(spec, func() { _ = m.execute(m.ctx, jobName, state) })
	if err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%q: %v", spec, err)
	}

	state.entry = types.JobEntry{
		ID:      entryID,
		Name:    jobName,
		Spec:    spec,
		AddedAt: time.Now(),
	}

	m.jobs[jobName] = state

	m.logger.Info("Cron job added",
		zap.String("job_name", jobName),
		zap.String("spec", spec))

	return nil
}

func (m *Manager) Remove(jobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.jobs[jobName]
	if !exists {
		return types.Errorf(types.ErrCronJobNotFound, "job: %s", jobName)
	}

	m.cron.Remove(state.entry.ID)
	delete(m.jobs, jobName)

	m.logger.Info("Cron job removed", zap.String("job_name", jobName))

	return nil
}

// RunNow runs the job on the caller's goroutine outside its schedule.
func (m *Manager) RunNow(ctx context.Context, jobName string) error {
	m.mu.RLock()
	state, exists := m.jobs[jobName]
	m.mu.RUnlock()

	if !exists {
		return types.Errorf(types.ErrCronJobNotFound, "job: %s", jobName)
	}

	return m.execute(ctx, jobName, state)
}

// Jobs returns a snapshot of every job sorted by name.
func (m *Manager) Jobs() []types.JobEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]types.JobEntry, 0, len(m.jobs))
	for _, state := range m.jobs {
		entry := state.entry
		if cronEntry := m.cron.Entry(entry.ID); cronEntry.ID != 0 {
			entry.NextRun = cronEntry.Next
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return entries
}

func (m *Manager) Start() error {
	if !m.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrCronIsRunning
	}

	m.cron.Start()
	m.setSchedulerStatus(1)

	m.logger.Info("Cron manager started", zap.String("timezone", m.timezone.String()))

	return nil
}

func (m *Manager) Stop() error {
	if !m.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer m.state.Store(StateStopped)

	m.cancel()

	select {
	case <-m.cron.Stop().Done():
		m.logger.Info("Cron scheduler stopped gracefully")
	case <-time.After(m.shutdownTimeout):
		m.logger.Warn("Cron manager stop timeout, some jobs may not have stopped gracefully")
	}

	m.setSchedulerStatus(0)

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

// execute skips a run while the previous run of the same job is still going.
func (m *Manager) execute(ctx context.Context, jobName string, state *jobState) (err error) {
	if !state.running.CompareAndSwap(false, true) {
		m.logger.Warn("Cron job still running, skipping", zap.String("job_name", jobName))
		return types.Errorf(types.ErrCronIsRunning, "job: %s", jobName)
	}
	defer state.running.Store(false)

	jobCtx, cancel := context.WithTimeout(ctx, m.jobTimeout)
	defer cancel()

	startTime := time.Now()

	m.incActiveJobsGauge(1)
	defer m.incActiveJobsGauge(-1)

	defer func() {
		if r := recover(); r != nil {
			err = types.Errorf(types.ErrCronJobFailed, "job panic: %v", r)
		}

		duration := time.Since(startTime)
		m.finish(jobName, state, startTime, duration, err)
	}()

	m.logger.Debug("Cron job started", zap.String("job_name", jobName))

	err = state.job(jobCtx)
	if err == nil && types.IsError(jobCtx.Err(), context.DeadlineExceeded) {
		err = types.Errorf(types.ErrCronJobTimeout, "timeout after %v", m.jobTimeout)
	}

	return err
}

func (m *Manager) finish(jobName string, state *jobState, startTime time.Time, duration time.Duration, err error) {
	m.mu.Lock()
	state.entry.LastRun = startTime
	state.entry.LastDuration = duration
	state.entry.RunCount++
	state.entry.LastError = ""
	if err != nil {
		state.entry.LastError = err.Error()
	}
	m.mu.Unlock()

	result := "success"
	if err != nil {
		result = "error"
		m.logger.Error("Cron job failed",
			zap.String("job_name", jobName),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		m.logger.Info("Cron job completed",
			zap.String("job_name", jobName),
			zap.Duration("duration", duration))
	}

	if m.metrics == nil {
		return
	}

	m.metrics.Counter("cron_job_executions_total", map[string]string{
		"job_name": jobName,
		"result":   result,
	}).Inc()

	m.metrics.Histogram("cron_job_duration_seconds",
		[]float64{0.1, 1.0, 10.0, 60.0, 300.0},
		map[string]string{"job_name": jobName},
	).Observe(duration.Seconds())
}

func (m *Manager) incActiveJobsGauge(delta float64) {
	if m.metrics == nil {
		return
	}
	m.metrics.Gauge("cron_active_jobs", nil).Add(delta)
}

func (m *Manager) setSchedulerStatus(value float64) {
	if m.metrics == nil {
		return
	}
	m.metrics.Gauge("cron_scheduler_running", nil).Set(value)
}

// cronLogger adapts the scheduler's key/value logging to zap.
type cronLogger struct {
	logger types.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(keysAndValues []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = append(out, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return out
}
