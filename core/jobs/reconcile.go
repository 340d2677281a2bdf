package jobs

import (
	"context"
	"fmt"

	"roomcast/cache"
	"roomcast/core/adapter"
	"roomcast/core/service"
	"roomcast/logger"
)

// ReconcileJobName 队列对账任务名
const ReconcileJobName = "queue-reconcile"

// ReconcileJob 用外部播放器的队列修正房间队列
//
// 同一房间在 QueueSyncMinInterval 内只对账一次；外部读取失败时不记同步时间，下一轮重来。
type ReconcileJob struct {
	store    *cache.Store
	adapters *adapter.Registry
	playback *service.PlaybackService
	opts     Options
}

// NewReconcileJob 创建队列对账任务
func NewReconcileJob(store *cache.Store, adapters *adapter.Registry, playback *service.PlaybackService, opts Options) *ReconcileJob {
	return &ReconcileJob{store: store, adapters: adapters, playback: playback, opts: opts.withDefaults()}
}

func (j *ReconcileJob) Name() string { return ReconcileJobName }

func (j *ReconcileJob) Run(ctx context.Context, roomID string) error {
	room := j.store.GetRoom(ctx, roomID)
	if room == nil || room.PlaybackControllerID == "" {
		return nil
	}
	state := j.store.GetJobState(ctx, roomID)
	now := j.opts.nowMillis()
	if state.LastQueueSyncAt > 0 && now-state.LastQueueSyncAt < j.opts.QueueSyncMinInterval.Milliseconds() {
		return nil
	}

	controller := j.adapters.PlaybackFor(ctx, room, "")
	if controller == nil {
		return nil
	}
	external, err := controller.Queue(ctx)
	if err != nil {
		j.playback.RecordAdapterError(ctx, room, service.FamilyPlayback, err)
		return fmt.Errorf("fetch external queue: %w", err)
	}

	var ids []string
	if external != nil {
		if external.NowPlaying != nil {
			ids = append(ids, external.NowPlaying.ID)
		}
		for _, t := range external.Tracks {
			ids = append(ids, t.ID)
		}
	}
	result, err := j.playback.ReconcileQueue(ctx, roomID, ids)
	if err != nil {
		return err
	}
	if result.Changed {
		logger.Debug("queue reconciled", logger.Job(ReconcileJobName), logger.Room(roomID), logger.Int("removed", result.Removed))
	}
	return j.store.SetJobFields(ctx, roomID, map[string]interface{}{"lastQueueSyncAt": now})
}
