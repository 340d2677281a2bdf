package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"roomcast/core/adapter"
	"roomcast/core/events"
	"roomcast/logger"
	"roomcast/model"
)

// 适配器家族，用于错误记账
const (
	FamilyMetadata = "metadata"
	FamilyMedia    = "media"
	FamilyPlayback = "playback"
)

// ErrRoomNotFound 后台任务接口的房间缺失错误
var ErrRoomNotFound = errors.New("room not found")

// PlaybackService 任务与适配器使用的播放数据入口
type PlaybackService struct {
	deps     *Deps
	messages *MessageService
}

// ReconcileResult 队列对账结果
type ReconcileResult struct {
	Changed bool `json:"changed"`
	Removed int  `json:"removed"`
}

// CurrentTrackID 当前播放的曲目 ID
func (s *PlaybackService) CurrentTrackID(ctx context.Context, roomID string) string {
	return s.deps.Store.CurrentTrackID(ctx, roomID)
}

// SubmitPlayback 提交新的播放数据，重建当前播放投影
//
// 同一曲目重复提交只刷新投影，不发事件；Track 与 Station 都为空表示停止。
func (s *PlaybackService) SubmitPlayback(ctx context.Context, roomID string, sub *model.PlaybackSubmission) error {
	room := s.deps.Store.GetRoom(ctx, roomID)
	if room == nil {
		return ErrRoomNotFound
	}
	store := s.deps.Store
	current := store.GetNowPlaying(ctx, roomID)

	if sub == nil || (sub.Track == nil && sub.Station == nil) {
		if current == nil {
			return nil
		}
		if err := store.ClearNowPlaying(ctx, roomID); err != nil {
			return fmt.Errorf("clear now playing: %w", err)
		}
		logger.Debug("playback stopped", logger.Room(roomID))
		s.deps.emit(ctx, roomID, events.TrackChanged, events.TrackChangedPayload{NowPlaying: nil})
		return nil
	}

	if sameTrack(current, sub) {
		current.Station = sub.Station
		if err := store.SetNowPlaying(ctx, roomID, current); err != nil {
			return fmt.Errorf("refresh now playing: %w", err)
		}
		return nil
	}

	np := &model.NowPlaying{Station: sub.Station, PlayedAt: nowMillis()}
	if sub.Track != nil {
		track := *sub.Track
		if room.FetchMeta && track.ID != "" {
			track = s.enrich(ctx, room, track)
		}
		np.Track = &track
		np.Title = track.Name
		np.Artist = strings.Join(track.Artists, ", ")
		np.Album = track.Album
		np.ArtworkURL = track.ArtworkURL

		item := model.QueueItem{Track: track, AddedAt: np.PlayedAt, PlayedAt: np.PlayedAt}
		if queued := s.takeFromQueue(ctx, roomID, track.ID); queued != nil {
			item.AddedBy = queued.AddedBy
			item.AddedAt = queued.AddedAt
			np.DJ = queued.AddedBy
		}
		if err := store.AddToPlaylist(ctx, roomID, item); err != nil {
			logger.Warn("playback: append playlist failed", logger.Room(roomID), logger.ErrorField(err))
		}
	} else if sub.Station != nil {
		np.Title = sub.Station.Title
	}
	if np.ArtworkURL == "" {
		np.ArtworkURL = room.ArtworkURL
	}

	if err := store.SetNowPlaying(ctx, roomID, np); err != nil {
		return fmt.Errorf("set now playing: %w", err)
	}
	logger.Info("track changed", logger.Room(roomID), logger.String("track", np.TrackID()), logger.String("title", np.Title))
	s.deps.emit(ctx, roomID, events.TrackChanged, events.TrackChangedPayload{NowPlaying: np})

	if room.AnnounceNowPlaying && np.Title != "" {
		content := "Now playing: " + np.Title
		if np.Artist != "" {
			content += " by " + np.Artist
		}
		if np.DJ != nil && np.DJ.Username != "" {
			content += " (added by " + np.DJ.Username + ")"
		}
		if err := s.messages.SendSystemMessage(ctx, roomID, content, &model.MessageMeta{Type: "nowPlaying", Title: np.Title}); err != nil {
			logger.Warn("playback: announce failed", logger.Room(roomID), logger.ErrorField(err))
		}
	}
	return nil
}

func sameTrack(current *model.NowPlaying, sub *model.PlaybackSubmission) bool {
	if current == nil {
		return false
	}
	if sub.Track != nil {
		return sub.Track.ID != "" && current.TrackID() == sub.Track.ID
	}
	return current.Track == nil && current.Station != nil && sub.Station != nil &&
		current.Station.Title == sub.Station.Title
}

// enrich 用元数据源补全曲目；失败时保留提交的数据并记录错误
func (s *PlaybackService) enrich(ctx context.Context, room *model.Room, track model.Track) model.Track {
	source := s.deps.Adapters.MetadataFor(ctx, room, "")
	if source == nil {
		return track
	}
	full, err := source.FetchTrack(ctx, track.ID)
	if err != nil {
		s.RecordAdapterError(ctx, room, FamilyMetadata, err)
		return track
	}
	if room.LastMetadataError != "" {
		s.ClearAdapterError(ctx, room, FamilyMetadata)
	}
	if full == nil {
		return track
	}
	merged := *full
	if merged.ID == "" {
		merged.ID = track.ID
	}
	if merged.URL == "" {
		merged.URL = track.URL
	}
	return merged
}

// takeFromQueue 当前曲目若在队列中则取出并广播新队列
func (s *PlaybackService) takeFromQueue(ctx context.Context, roomID, trackID string) *model.QueueItem {
	if trackID == "" {
		return nil
	}
	store := s.deps.Store
	var found *model.QueueItem
	for _, item := range store.GetQueue(ctx, roomID) {
		if item.Track.ID == trackID {
			it := item
			found = &it
			break
		}
	}
	if found == nil {
		return nil
	}
	if n, err := store.RemoveFromQueue(ctx, roomID, trackID); err != nil || n == 0 {
		return found
	}
	s.deps.emit(ctx, roomID, events.QueueChanged, events.QueuePayload{Queue: store.GetQueue(ctx, roomID)})
	return found
}

// ReconcileQueue 用外部队列的曲目 ID 对账，删除外部已不存在的条目
func (s *PlaybackService) ReconcileQueue(ctx context.Context, roomID string, externalIDs []string) (ReconcileResult, error) {
	store := s.deps.Store
	ids, err := store.QueueTrackIDs(ctx, roomID)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("read queue: %w", err)
	}
	external := make(map[string]bool, len(externalIDs))
	for _, id := range externalIDs {
		external[id] = true
	}
	var missing []string
	for _, id := range ids {
		if !external[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return ReconcileResult{}, nil
	}

	removed, err := store.RemoveFromQueue(ctx, roomID, missing...)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("remove stale queue entries: %w", err)
	}
	if removed == 0 {
		return ReconcileResult{}, nil
	}
	logger.Info("queue reconciled", logger.Room(roomID), logger.Int64("removed", removed))
	s.deps.emit(ctx, roomID, events.QueueChanged, events.QueuePayload{Queue: store.GetQueue(ctx, roomID)})
	return ReconcileResult{Changed: true, Removed: int(removed)}, nil
}

// RecordAdapterError 记录适配器失败；需要用户处理的错误额外发 errorOccurred
func (s *PlaybackService) RecordAdapterError(ctx context.Context, room *model.Room, family string, err error) {
	if room == nil || err == nil {
		return
	}
	logger.Warn("adapter call failed", logger.Room(room.ID), logger.String("family", family), logger.ErrorField(err))
	if field := errorField(family); field != "" {
		if serr := s.deps.Store.SetRoomFields(ctx, room.ID, map[string]interface{}{field: err.Error()}); serr != nil {
			logger.Warn("playback: record adapter error failed", logger.Room(room.ID), logger.ErrorField(serr))
		}
	}
	if ue, isUpstream := adapter.AsUpstream(err); isUpstream && ue.Actionable() {
		s.deps.emit(ctx, room.ID, events.ErrorOccurred, events.ErrorPayload{
			UserID:  room.CreatorID,
			Kind:    string(ue.Kind),
			Status:  ue.Status,
			Message: ue.Message,
		})
	}
}

// ClearAdapterError 适配器恢复后清除错误记录
func (s *PlaybackService) ClearAdapterError(ctx context.Context, room *model.Room, family string) {
	if field := errorField(family); field != "" {
		if err := s.deps.Store.SetRoomFields(ctx, room.ID, map[string]interface{}{field: ""}); err != nil {
			logger.Warn("playback: clear adapter error failed", logger.Room(room.ID), logger.ErrorField(err))
		}
	}
}

func errorField(family string) string {
	switch family {
	case FamilyMetadata:
		return "lastMetadataError"
	case FamilyMedia:
		return "lastMediaError"
	}
	return ""
}
