package cron

import (
	"context"

	"github.com/saiset-co/sai-offline/types"
)

type eventDispatcher interface {
	Dispatch(ctx context.Context, event types.Event) types.Task
}

// SyncJob turns a background-sync tag into a cron job. Each run dispatches
// a sync event and waits for its task.
func SyncJob(dispatcher eventDispatcher, tag string) types.CronJob {
	return func(ctx context.Context) error {
		task := dispatcher.Dispatch(ctx, types.Event{Type: types.EventSync, Tag: tag})

		select {
		case err := <-task:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ScheduleSync registers one job per configured sync tag, named "sync:<tag>".
func ScheduleSync(manager types.CronManager, dispatcher eventDispatcher, jobs []types.SyncJobConfig) error {
	for _, job := range jobs {
		if err := manager.Add("sync:"+job.Tag, job.Schedule, SyncJob(dispatcher, job.Tag)); err != nil {
			return types.WrapError(err, "failed to schedule sync "+job.Tag)
		}
	}

	return nil
}
