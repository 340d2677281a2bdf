package jobs

import (
	"context"
	"fmt"

	"roomcast/cache"
	"roomcast/core/adapter"
	"roomcast/core/service"
	"roomcast/model"
)

// PollJobName 播放轮询任务名
const PollJobName = "media-poll"

// PollJob 从媒体源（电台流）或外部播放器读取当前播放并提交
type PollJob struct {
	store    *cache.Store
	adapters *adapter.Registry
	playback *service.PlaybackService
}

// NewPollJob 创建播放轮询任务
func NewPollJob(store *cache.Store, adapters *adapter.Registry, playback *service.PlaybackService) *PollJob {
	return &PollJob{store: store, adapters: adapters, playback: playback}
}

func (j *PollJob) Name() string { return PollJobName }

func (j *PollJob) Run(ctx context.Context, roomID string) error {
	room := j.store.GetRoom(ctx, roomID)
	if room == nil {
		return nil
	}
	if j.store.GetJobState(ctx, roomID).PollingPaused {
		return nil
	}

	switch {
	case room.MediaSourceID != "":
		return j.pollMedia(ctx, room)
	case room.PlaybackControllerID != "":
		return j.pollPlayer(ctx, room)
	}
	return nil
}

func (j *PollJob) pollMedia(ctx context.Context, room *model.Room) error {
	source := j.adapters.MediaFor(ctx, room)
	if source == nil {
		return nil
	}
	sub, err := source.NowPlaying(ctx, room.MediaSourceConfig)
	if err != nil {
		j.playback.RecordAdapterError(ctx, room, service.FamilyMedia, err)
		return fmt.Errorf("read media source: %w", err)
	}
	if room.LastMediaError != "" {
		j.playback.ClearAdapterError(ctx, room, service.FamilyMedia)
	}
	return j.playback.SubmitPlayback(ctx, room.ID, sub)
}

func (j *PollJob) pollPlayer(ctx context.Context, room *model.Room) error {
	controller := j.adapters.PlaybackFor(ctx, room, "")
	if controller == nil {
		return nil
	}
	state, err := controller.Queue(ctx)
	if err != nil {
		j.playback.RecordAdapterError(ctx, room, service.FamilyPlayback, err)
		return fmt.Errorf("read external player: %w", err)
	}
	sub := &model.PlaybackSubmission{}
	if state != nil && state.NowPlaying != nil {
		t := *state.NowPlaying
		sub.Track = &t
	}
	return j.playback.SubmitPlayback(ctx, room.ID, sub)
}
