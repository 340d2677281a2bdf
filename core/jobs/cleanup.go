package jobs

import (
	"context"
	"fmt"

	"roomcast/cache"
	"roomcast/logger"

	"go.uber.org/multierr"
)

// CleanupJobName 空闲清理任务名
const CleanupJobName = "idle-cleanup"

// CleanupJob 空闲房间清理
//
// 房主离线且房间非持久化时，给房间全部 key 设置一次过期（已有 TTL 则跳过），
// 并从房主的房间列表中移除；房间无人超过阈值时暂停媒体轮询。
type CleanupJob struct {
	store   *cache.Store
	plugins RoomCleaner
	opts    Options
}

// RoomCleaner 释放房间在本进程内的插件实例
type RoomCleaner interface {
	CleanupRoom(ctx context.Context, roomID string) error
}

// NewCleanupJob 创建空闲清理任务；plugins 可以为 nil
func NewCleanupJob(store *cache.Store, plugins RoomCleaner, opts Options) *CleanupJob {
	return &CleanupJob{store: store, plugins: plugins, opts: opts.withDefaults()}
}

func (j *CleanupJob) Name() string { return CleanupJobName }

func (j *CleanupJob) Run(ctx context.Context, roomID string) error {
	room := j.store.GetRoom(ctx, roomID)
	if room == nil {
		return j.removeVanished(ctx, roomID)
	}

	// 先写记账字段，随后的过期才能覆盖到 jobs key
	if err := j.trackIdle(ctx, roomID); err != nil {
		return err
	}
	if !room.Persistent && !j.store.IsUserOnline(ctx, roomID, room.CreatorID) {
		return j.expire(ctx, roomID, room.CreatorID)
	}
	return nil
}

// removeVanished 房间记录已过期：过期之后才写入的 key（回应、输入状态等）没有 TTL，
// 连同插件实例一起清掉，再从登记表移除
func (j *CleanupJob) removeVanished(ctx context.Context, roomID string) error {
	var errs error
	if j.plugins != nil {
		errs = multierr.Append(errs, j.plugins.CleanupRoom(ctx, roomID))
	}
	if err := j.store.DeleteRoom(ctx, roomID, ""); err != nil {
		return multierr.Append(errs, fmt.Errorf("delete leftover room keys: %w", err))
	}
	logger.Info("expired room removed", logger.Job(CleanupJobName), logger.Room(roomID))
	return errs
}

func (j *CleanupJob) expire(ctx context.Context, roomID, creatorID string) error {
	_, hasTTL, err := j.store.RoomTTL(ctx, roomID)
	if err != nil {
		return fmt.Errorf("probe room ttl: %w", err)
	}
	if hasTTL {
		return nil
	}
	if err := j.store.ExpireRoom(ctx, roomID, j.opts.RoomTTL); err != nil {
		return fmt.Errorf("expire room: %w", err)
	}
	if err := j.store.RemoveUserRoom(ctx, creatorID, roomID); err != nil {
		return fmt.Errorf("remove from creator rooms: %w", err)
	}
	logger.Info("room scheduled to expire", logger.Job(CleanupJobName), logger.Room(roomID),
		logger.User(creatorID), logger.Duration("ttl", j.opts.RoomTTL))
	return nil
}

// trackIdle 维护 emptySince / pollingPaused，两个字段只在状态变化时写入
func (j *CleanupJob) trackIdle(ctx context.Context, roomID string) error {
	state := j.store.GetJobState(ctx, roomID)
	online := j.store.OnlineCount(ctx, roomID)
	now := j.opts.nowMillis()

	if online > 0 {
		if state.EmptySince == 0 && !state.PollingPaused {
			return nil
		}
		if state.PollingPaused {
			logger.Info("room active again, resuming media polling", logger.Job(CleanupJobName), logger.Room(roomID))
		}
		return j.store.SetJobFields(ctx, roomID, map[string]interface{}{"emptySince": 0, "pollingPaused": false})
	}

	if state.EmptySince == 0 {
		return j.store.SetJobFields(ctx, roomID, map[string]interface{}{"emptySince": now})
	}
	if !state.PollingPaused && now-state.EmptySince > j.opts.IdleThreshold.Milliseconds() {
		logger.Info("room idle, pausing media polling", logger.Job(CleanupJobName), logger.Room(roomID))
		return j.store.SetJobFields(ctx, roomID, map[string]interface{}{"pollingPaused": true})
	}
	return nil
}
