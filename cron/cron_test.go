package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-offline/events"
	"github.com/saiset-co/sai-offline/testutil"
	"github.com/saiset-co/sai-offline/types"
)

type syncConfig struct {
	sync *types.SyncConfig
}

func (c syncConfig) Load() error { return nil }
func (c syncConfig) GetConfig() *types.ServiceConfig {
	return &types.ServiceConfig{Sync: c.sync}
}
func (c syncConfig) GetValue(_ string, def interface{}) interface{} { return def }
func (c syncConfig) GetAs(string, interface{}) error                { return nil }

func newManager(t *testing.T, sync *types.SyncConfig) *Manager {
	t.Helper()

	m, err := NewManager(context.Background(), syncConfig{sync}, testutil.Logger(), nil)
	require.NoError(t, err)

	return m
}

func noop(context.Context) error { return nil }

func TestAdd_Validation(t *testing.T) {
	m := newManager(t, &types.SyncConfig{Timezone: "UTC"})

	assert.ErrorIs(t, m.Add("", "@every 1m", noop), types.ErrCronJobNameIsEmpty)
	assert.ErrorIs(t, m.Add("job", "@every 1m", nil), types.ErrCronJobIsNil)
	assert.ErrorIs(t, m.Add("job", "not a schedule", noop), types.ErrCronExpressionInvalid)

	require.NoError(t, m.Add("job", "*/5 * * * *", noop))
	require.NoError(t, m.Add("seconds", "30 */5 * * * *", noop))
	assert.ErrorIs(t, m.Add("job", "@hourly", noop), types.ErrCronJobExists)

	jobs := m.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "job", jobs[0].Name)
	assert.Equal(t, "seconds", jobs[1].Name)
}

func TestNewManager_RejectsUnknownTimezone(t *testing.T) {
	_, err := NewManager(context.Background(), syncConfig{&types.SyncConfig{Timezone: "Mars/Olympus"}}, testutil.Logger(), nil)
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
}

func TestRunNow_RecordsStats(t *testing.T) {
	m := newManager(t, nil)

	boom := errors.New("boom")
	calls := 0
	require.NoError(t, m.Add("flaky", "@daily", func(context.Context) error {
		calls++
		if calls == 1 {
			return boom
		}
		return nil
	}))

	assert.ErrorIs(t, m.RunNow(context.Background(), "flaky"), boom)
	assert.Equal(t, "boom", m.Jobs()[0].LastError)

	require.NoError(t, m.RunNow(context.Background(), "flaky"))
	entry := m.Jobs()[0]
	assert.Equal(t, int64(2), entry.RunCount)
	assert.Empty(t, entry.LastError)
	assert.False(t, entry.LastRun.IsZero())

	assert.ErrorIs(t, m.RunNow(context.Background(), "missing"), types.ErrCronJobNotFound)
}

func TestRunNow_PanicBecomesError(t *testing.T) {
	m := newManager(t, nil)
	require.NoError(t, m.Add("panics", "@daily", func(context.Context) error { panic("bad job") }))

	err := m.RunNow(context.Background(), "panics")
	assert.ErrorIs(t, err, types.ErrCronJobFailed)
}

func TestRunNow_Timeout(t *testing.T) {
	m := newManager(t, &types.SyncConfig{JobTimeout: 20 * time.Millisecond})
	require.NoError(t, m.Add("slow", "@daily", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))

	assert.ErrorIs(t, m.RunNow(context.Background(), "slow"), types.ErrCronJobTimeout)
}

func TestRunNow_SkipsOverlappingRun(t *testing.T) {
	m := newManager(t, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, m.Add("long", "@daily", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- m.RunNow(context.Background(), "long") }()
	<-started

	assert.ErrorIs(t, m.RunNow(context.Background(), "long"), types.ErrCronIsRunning)

	close(release)
	require.NoError(t, <-done)
}

func TestRemove(t *testing.T) {
	m := newManager(t, nil)
	require.NoError(t, m.Add("job", "@daily", noop))

	require.NoError(t, m.Remove("job"))
	assert.Empty(t, m.Jobs())
	assert.ErrorIs(t, m.Remove("job"), types.ErrCronJobNotFound)
}

func TestScheduledRun(t *testing.T) {
	m := newManager(t, nil)

	var runs atomic.Int32
	require.NoError(t, m.Add("tick", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), types.ErrCronIsRunning)

	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
	assert.ErrorIs(t, m.Stop(), types.ErrServerNotRunning)
}

func TestScheduleSync_DispatchesTag(t *testing.T) {
	dispatcher := events.NewDispatcher(context.Background(), testutil.Logger(), nil)
	require.NoError(t, dispatcher.Start())
	t.Cleanup(func() { _ = dispatcher.Stop() })

	var refreshed atomic.Int32
	dispatcher.RegisterSync("refresh-core", func(context.Context) error {
		refreshed.Add(1)
		return nil
	})

	m := newManager(t, nil)
	require.NoError(t, ScheduleSync(m, dispatcher, []types.SyncJobConfig{
		{Tag: "refresh-core", Schedule: "@hourly"},
		{Tag: "outbox", Schedule: "*/10 * * * *"},
	}))

	require.NoError(t, m.RunNow(context.Background(), "sync:refresh-core"))
	assert.Equal(t, int32(1), refreshed.Load())

	err := m.RunNow(context.Background(), "sync:outbox")
	assert.ErrorIs(t, err, types.ErrSyncTagUnknown)

	err = ScheduleSync(m, dispatcher, []types.SyncJobConfig{{Tag: "bad", Schedule: "never"}})
	assert.ErrorIs(t, err, types.ErrCronExpressionInvalid)
}
