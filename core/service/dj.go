package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"roomcast/core/adapter"
	"roomcast/core/events"
	"roomcast/logger"
	"roomcast/model"
)

// DJService 点歌、搜索、跳过和 DJ 权限
type DJService struct {
	deps     *Deps
	playback *PlaybackService
}

// canQueue 房主和副 DJ 可以点歌
func (s *DJService) canQueue(ctx context.Context, room *model.Room, userID string) bool {
	return model.IsRoomAdmin(room, userID) || s.deps.Store.IsDeputyDj(ctx, room.ID, userID)
}

// Enqueue 点歌：先占位再通知外部播放器，外部失败时回滚
func (s *DJService) Enqueue(ctx context.Context, actor Actor, roomID, trackID string) Result {
	trackID = strings.TrimSpace(trackID)
	if trackID == "" {
		return badRequest("track id is required")
	}
	room, res := s.deps.loadRoom(ctx, roomID)
	if res != nil {
		return *res
	}
	if !s.canQueue(ctx, room, actor.UserID) {
		return forbidden("only the room creator or a deputy DJ can queue tracks")
	}
	controller := s.deps.Adapters.PlaybackFor(ctx, room, "")
	if controller == nil {
		return unsupported("queueing")
	}

	track := model.Track{ID: trackID}
	if source := s.deps.Adapters.MetadataFor(ctx, room, ""); source != nil {
		full, err := source.FetchTrack(ctx, trackID)
		if err != nil {
			s.playback.RecordAdapterError(ctx, room, FamilyMetadata, err)
			return upstream(err)
		}
		if full != nil {
			track = *full
			track.ID = trackID
		}
	}

	item := model.QueueItem{Track: track, AddedBy: refPtr(actor.Ref()), AddedAt: nowMillis()}
	if u := s.deps.Store.GetUser(ctx, actor.UserID); u != nil && u.Username != "" {
		item.AddedBy.Username = u.Username
	}
	added, err := s.deps.Store.EnqueueTrack(ctx, room.ID, item)
	if err != nil {
		logger.Error("dj: enqueue failed", logger.Room(room.ID), logger.ErrorField(err))
		return internal("could not queue track")
	}
	if !added {
		return fail(http.StatusConflict, ErrAlreadyQueued, "this track is already in the queue")
	}

	if err := controller.Enqueue(ctx, track); err != nil {
		if _, rerr := s.deps.Store.RemoveFromQueue(ctx, room.ID, trackID); rerr != nil {
			logger.Warn("dj: queue rollback failed", logger.Room(room.ID), logger.ErrorField(rerr))
		}
		s.playback.RecordAdapterError(ctx, room, FamilyPlayback, err)
		return upstream(err)
	}

	logger.Info("track queued", logger.Room(room.ID), logger.User(actor.UserID), logger.String("track", trackID))
	s.deps.emit(ctx, room.ID, events.QueueChanged, events.QueuePayload{Queue: s.deps.Store.GetQueue(ctx, room.ID)})
	return ok(item)
}

// Queue 读取队列；房间未公开队列时非房主只拿到数量
func (s *DJService) Queue(ctx context.Context, actor Actor, roomID string) Result {
	room, res := s.deps.loadRoom(ctx, roomID)
	if res != nil {
		return *res
	}
	if room.ShowQueueTracks || model.IsRoomAdmin(room, actor.UserID) {
		return ok(s.deps.Store.GetQueue(ctx, room.ID))
	}
	if room.ShowQueueCount {
		return ok(map[string]int64{"count": s.deps.Store.QueueLength(ctx, room.ID)})
	}
	return forbidden("the queue is hidden in this room")
}

// Search 搜索曲目，访客使用房主凭证
func (s *DJService) Search(ctx context.Context, actor Actor, roomID, query string) Result {
	query = strings.TrimSpace(query)
	if query == "" {
		return badRequest("query is required")
	}
	room, res := s.deps.loadRoom(ctx, roomID)
	if res != nil {
		return *res
	}
	source := s.deps.Adapters.MetadataFor(ctx, room, "")
	if source == nil {
		return unsupported("search")
	}
	tracks, err := source.Search(ctx, query, s.deps.Settings.SearchLimit)
	if err != nil {
		s.playback.RecordAdapterError(ctx, room, FamilyMetadata, err)
		return upstream(err)
	}
	if tracks == nil {
		tracks = []model.Track{}
	}
	return ok(tracks)
}

// SavePlaylist 把房间播放记录（或指定曲目）保存为调用者自己的外部歌单
func (s *DJService) SavePlaylist(ctx context.Context, actor Actor, roomID, name string, trackIDs []string) Result {
	room, res := s.deps.loadRoom(ctx, roomID)
	if res != nil {
		return *res
	}
	source := s.deps.Adapters.MetadataFor(ctx, room, actor.UserID)
	if !adapter.Supports(source, adapter.CapCreatePlaylist) {
		return unsupported(string(adapter.CapCreatePlaylist))
	}
	if len(trackIDs) == 0 {
		for _, item := range s.deps.Store.GetPlaylist(ctx, room.ID) {
			trackIDs = append(trackIDs, item.Track.ID)
		}
	}
	if len(trackIDs) == 0 {
		return badRequest("nothing to save")
	}
	if strings.TrimSpace(name) == "" {
		name = room.Title
	}
	id, err := source.(adapter.PlaylistCreator).CreatePlaylist(ctx, name, dedupe(trackIDs))
	if err != nil {
		return upstream(err)
	}
	return ok(map[string]string{"playlistId": id})
}

// LibraryAction 收藏操作
type LibraryAction string

const (
	LibraryAdd    LibraryAction = "add"
	LibraryRemove LibraryAction = "remove"
	LibraryCheck  LibraryAction = "check"
)

// Library 调用者自己账号的收藏增删查
func (s *DJService) Library(ctx context.Context, actor Actor, roomID string, action LibraryAction, trackIDs []string) Result {
	if len(trackIDs) == 0 {
		return badRequest("track ids are required")
	}
	room, res := s.deps.loadRoom(ctx, roomID)
	if res != nil {
		return *res
	}
	source := s.deps.Adapters.MetadataFor(ctx, room, actor.UserID)
	if !adapter.Supports(source, adapter.CapLibrary) {
		return unsupported(string(adapter.CapLibrary))
	}
	lib := source.(adapter.LibraryManager)

	var err error
	switch action {
	case LibraryAdd:
		err = lib.AddToLibrary(ctx, trackIDs)
	case LibraryRemove:
		err = lib.RemoveFromLibrary(ctx, trackIDs)
	case LibraryCheck:
		saved, cerr := lib.CheckSaved(ctx, trackIDs)
		if cerr != nil {
			return upstream(cerr)
		}
		out := make(map[string]bool, len(trackIDs))
		for i, id := range trackIDs {
			out[id] = i < len(saved) && saved[i]
		}
		return ok(out)
	default:
		return badRequest(fmt.Sprintf("unknown library action %q", action))
	}
	if err != nil {
		return upstream(err)
	}
	return ok(nil)
}

// Skip 房主跳过当前曲目
func (s *DJService) Skip(ctx context.Context, actor Actor, roomID string) Result {
	room, res := s.deps.requireAdmin(ctx, actor, roomID)
	if res != nil {
		return *res
	}
	current := s.deps.Store.CurrentTrackID(ctx, room.ID)
	if current == "" {
		return badRequest("nothing is playing")
	}
	skipped, err := s.SkipTrack(ctx, room.ID, current)
	if err != nil {
		return upstream(err)
	}
	return ok(map[string]bool{"skipped": skipped})
}

// SkipTrack 跳过指定曲目；曲目已不是当前播放时拒绝（返回 false）
func (s *DJService) SkipTrack(ctx context.Context, roomID, trackID string) (bool, error) {
	room := s.deps.Store.GetRoom(ctx, roomID)
	if room == nil {
		return false, ErrRoomNotFound
	}
	if trackID == "" || s.deps.Store.CurrentTrackID(ctx, roomID) != trackID {
		logger.Debug("skip refused: track is no longer current", logger.Room(roomID), logger.String("track", trackID))
		return false, nil
	}
	controller := s.deps.Adapters.PlaybackFor(ctx, room, "")
	if controller == nil {
		return false, fmt.Errorf("room %s has no playback controller", roomID)
	}
	if err := controller.Skip(ctx); err != nil {
		s.playback.RecordAdapterError(ctx, room, FamilyPlayback, err)
		return false, err
	}
	logger.Info("track skipped", logger.Room(roomID), logger.String("track", trackID))
	return true, nil
}

// ToggleDeputyDj 房主授予/收回副 DJ
func (s *DJService) ToggleDeputyDj(ctx context.Context, actor Actor, roomID, userID string) Result {
	room, res := s.deps.requireAdmin(ctx, actor, roomID)
	if res != nil {
		return *res
	}
	if userID == "" || model.IsRoomAdmin(room, userID) {
		return badRequest("invalid user")
	}
	store := s.deps.Store
	var err error
	deputy := !store.IsDeputyDj(ctx, room.ID, userID)
	if deputy {
		err = store.AddDeputyDj(ctx, room.ID, userID)
	} else {
		err = store.RemoveDeputyDj(ctx, room.ID, userID)
	}
	if err != nil {
		logger.Error("dj: toggle deputy failed", logger.Room(room.ID), logger.User(userID), logger.ErrorField(err))
		return internal("could not update deputy DJ")
	}
	users := store.RoomUsers(ctx, room)
	s.deps.emit(ctx, room.ID, events.DjChanged, events.UsersPayload{User: findUser(users, userID), Users: users})
	return ok(map[string]bool{"isDeputyDj": deputy})
}

// SetDj 房主开始/结束 DJ
func (s *DJService) SetDj(ctx context.Context, actor Actor, roomID string, isDj bool) Result {
	room, res := s.deps.requireAdmin(ctx, actor, roomID)
	if res != nil {
		return *res
	}
	if err := s.deps.Store.SetUserFields(ctx, actor.UserID, map[string]interface{}{"isDj": isDj}); err != nil {
		logger.Error("dj: set dj failed", logger.Room(room.ID), logger.ErrorField(err))
		return internal("could not update DJ state")
	}
	users := s.deps.Store.RoomUsers(ctx, room)
	s.deps.emit(ctx, room.ID, events.DjChanged, events.UsersPayload{User: findUser(users, actor.UserID), Users: users})
	return ok(map[string]bool{"isDj": isDj})
}

func refPtr(r model.UserRef) *model.UserRef { return &r }

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
