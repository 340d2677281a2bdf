package jobs

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"roomcast/cache"
	"roomcast/core/adapter"
	"roomcast/core/events"
	"roomcast/core/service"
	"roomcast/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

type emitted struct {
	roomID  string
	event   string
	payload any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (e *recordingEmitter) Emit(_ context.Context, roomID, event string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emitted{roomID: roomID, event: event, payload: payload})
}

func (e *recordingEmitter) named(event string) []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []emitted
	for _, ev := range e.events {
		if ev.event == event {
			out = append(out, ev)
		}
	}
	return out
}

type fakeController struct {
	state *adapter.QueueState
	err   error
	calls int32
}

func (c *fakeController) ID() string { return "fake-player" }
func (c *fakeController) Enqueue(context.Context, model.Track) error { return nil }
func (c *fakeController) Skip(context.Context) error { return nil }
func (c *fakeController) Queue(context.Context) (*adapter.QueueState, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.state, c.err
}

type memCreds struct {
	mu    sync.Mutex
	items map[string]*model.ServiceAuthentication
}

func (m *memCreds) GetCredentials(_ context.Context, userID, svc string) (*model.ServiceAuthentication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.items[userID+"|"+svc]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (m *memCreds) SaveCredentials(_ context.Context, a *model.ServiceAuthentication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.items[a.UserID+"|"+a.Service] = &cp
	return nil
}

type refreshingMetadata struct {
	err error
}

func (refreshingMetadata) ID() string { return "fake-meta" }
func (refreshingMetadata) Search(context.Context, string, int) ([]model.Track, error) {
	return nil, nil
}
func (refreshingMetadata) FetchTrack(_ context.Context, id string) (*model.Track, error) {
	return &model.Track{ID: id}, nil
}
func (m refreshingMetadata) RefreshCredentials(_ context.Context, c *adapter.Credentials) (*adapter.Credentials, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &adapter.Credentials{AccessToken: "fresh", ExpiresAt: time.UnixMilli(1_900_000_000_000)}, nil
}

type fakeMedia struct {
	sub *model.PlaybackSubmission
	err error
}

func (fakeMedia) ID() string { return "fake-media" }
func (m fakeMedia) NowPlaying(context.Context, map[string]string) (*model.PlaybackSubmission, error) {
	return m.sub, m.err
}

type testEnv struct {
	store    *cache.Store
	mr       *miniredis.Miniredis
	adapters *adapter.Registry
	creds    *memCreds
	emitter  *recordingEmitter
	services *service.Services
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := &testEnv{
		store:   cache.NewStore(client),
		mr:      mr,
		creds:   &memCreds{items: map[string]*model.ServiceAuthentication{}},
		emitter: &recordingEmitter{},
		now:     time.UnixMilli(1_700_000_000_000),
	}
	env.adapters = adapter.NewRegistry(env.creds)
	env.services = service.New(service.Deps{
		Store:    env.store,
		Emitter:  env.emitter,
		Adapters: env.adapters,
	})
	return env
}

func (e *testEnv) opts() Options {
	return Options{
		RoomTTL:              time.Hour,
		IdleThreshold:        10 * time.Minute,
		TokenRefreshMaxAge:   30 * time.Minute,
		QueueSyncMinInterval: 30 * time.Second,
		Now:                  func() time.Time { return e.now },
	}
}

func (e *testEnv) saveRoom(t *testing.T, room *model.Room) {
	t.Helper()
	if err := e.store.SaveRoom(context.Background(), room); err != nil {
		t.Fatalf("save room: %v", err)
	}
}

func TestIdleCleanupExpiresAbandonedRoom(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.saveRoom(t, &model.Room{ID: "r1", CreatorID: "u1"})
	_ = env.store.AddMessage(ctx, "r1", model.ChatMessage{Content: "hi", Timestamp: 1})
	// 房间已经空了 20 分钟，超过阈值
	_ = env.store.SetJobFields(ctx, "r1", map[string]interface{}{"emptySince": env.now.Add(-20 * time.Minute).UnixMilli()})

	job := NewCleanupJob(env.store, nil, env.opts())
	if err := job.Run(ctx, "r1"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	for _, key := range []string{"room:r1:details", "room:r1:messages", "room:r1:jobs"} {
		if ttl := env.mr.TTL(key); ttl != time.Hour {
			t.Fatalf("%s ttl = %v, want 1h", key, ttl)
		}
	}
	for _, id := range env.store.GetUserRooms(ctx, "u1") {
		if id == "r1" {
			t.Fatal("room still listed in creator's active rooms")
		}
	}
	if !env.store.GetJobState(ctx, "r1").PollingPaused {
		t.Fatal("polling should be paused for an idle room")
	}

	// 已有 TTL 时不重置
	env.mr.FastForward(10 * time.Minute)
	if err := job.Run(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if ttl := env.mr.TTL("room:r1:details"); ttl != 50*time.Minute {
		t.Fatalf("ttl was reset: %v", ttl)
	}
}

func TestIdleCleanupFirstPassOnlyMarksEmpty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.saveRoom(t, &model.Room{ID: "r1", CreatorID: "u1", Persistent: true})

	job := NewCleanupJob(env.store, nil, env.opts())
	if err := job.Run(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	st := env.store.GetJobState(ctx, "r1")
	if st.EmptySince != env.now.UnixMilli() || st.PollingPaused {
		t.Fatalf("job state = %+v", st)
	}
	if _, has, _ := env.store.RoomTTL(ctx, "r1"); has {
		t.Fatal("persistent room must not expire")
	}

	env.now = env.now.Add(11 * time.Minute)
	_ = job.Run(ctx, "r1")
	if !env.store.GetJobState(ctx, "r1").PollingPaused {
		t.Fatal("polling should pause after the idle threshold")
	}

	// 有人回来后恢复
	_ = env.store.AddOnlineUser(ctx, "r1", "u2")
	_ = job.Run(ctx, "r1")
	st = env.store.GetJobState(ctx, "r1")
	if st.EmptySince != 0 || st.PollingPaused {
		t.Fatalf("job state after users returned = %+v", st)
	}
}

func TestIdleCleanupKeepsRoomWithCreatorOnline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.saveRoom(t, &model.Room{ID: "r1", CreatorID: "u1"})
	_ = env.store.AddOnlineUser(ctx, "r1", "u1")

	if err := NewCleanupJob(env.store, nil, env.opts()).Run(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, has, _ := env.store.RoomTTL(ctx, "r1"); has {
		t.Fatal("room with creator online must not expire")
	}
}

type roomCleanerFunc func(ctx context.Context, roomID string) error

func (f roomCleanerFunc) CleanupRoom(ctx context.Context, roomID string) error { return f(ctx, roomID) }

func TestIdleCleanupRemovesExpiredRoom(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.saveRoom(t, &model.Room{ID: "r1", CreatorID: "owner"})
	var cleaned []string
	job := NewCleanupJob(env.store, roomCleanerFunc(func(_ context.Context, roomID string) error {
		cleaned = append(cleaned, roomID)
		return nil
	}), env.opts())

	// 房主离线：第一次清理设置过期
	if err := job.Run(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, has, _ := env.store.RoomTTL(ctx, "r1"); !has {
		t.Fatal("room should have a ttl")
	}

	// 过期之后仍有写入，这些 key 没有 TTL
	r := model.Reaction{Emoji: "x", UserID: "listener", Subject: model.ReactionSubject{Type: model.ReactionSubjectTrack, ID: "t1"}}
	if _, err := env.store.AddReaction(ctx, "r1", r); err != nil {
		t.Fatal(err)
	}
	if err := env.store.AddTypingUser(ctx, "r1", "listener"); err != nil {
		t.Fatal(err)
	}
	_ = env.store.PluginStorage("r1", "vote-skip").Set(ctx, "skips", "1", 0)

	env.mr.FastForward(2 * time.Hour)
	if env.store.GetRoom(ctx, "r1") != nil {
		t.Fatal("room details should have expired")
	}
	if err := job.Run(ctx, "r1"); err != nil {
		t.Fatal(err)
	}

	var left []string
	for _, k := range env.mr.Keys() {
		if strings.HasPrefix(k, "room:r1:") {
			left = append(left, k)
		}
	}
	if len(left) != 0 {
		t.Fatalf("keys left behind: %v", left)
	}
	if ids := env.store.ListRoomIDs(ctx); len(ids) != 0 {
		t.Fatalf("registry = %v", ids)
	}
	if len(cleaned) != 1 || cleaned[0] != "r1" {
		t.Fatalf("plugin cleanup calls = %v", cleaned)
	}
}

func TestReconcileRemovesMissingTracksOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	controller := &fakeController{state: &adapter.QueueState{Tracks: []model.Track{{ID: "A"}}}}
	env.adapters.RegisterPlayback("fake-player", func(*adapter.Credentials) (adapter.PlaybackController, error) {
		return controller, nil
	})
	env.saveRoom(t, &model.Room{ID: "r1", CreatorID: "u1", PlaybackControllerID: "fake-player"})
	for i, id := range []string{"A", "B"} {
		if _, err := env.store.EnqueueTrack(ctx, "r1", model.QueueItem{Track: model.Track{ID: id}, AddedAt: int64(i + 1)}); err != nil {
			t.Fatal(err)
		}
	}

	job := NewReconcileJob(env.store, env.adapters, env.services.Playback, env.opts())
	if err := job.Run(ctx, "r1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	ids, _ := env.store.QueueTrackIDs(ctx, "r1")
	if len(ids) != 1 || ids[0] != "A" {
		t.Fatalf("queue = %v", ids)
	}
	changes := env.emitter.named(events.QueueChanged)
	if len(changes) != 1 {
		t.Fatalf("queueChanged emitted %d times", len(changes))
	}
	payload, ok := changes[0].payload.(events.QueuePayload)
	if !ok || len(payload.Queue) != 1 || payload.Queue[0].Track.ID != "A" {
		t.Fatalf("queueChanged payload = %#v", changes[0].payload)
	}

	// 节流窗口内重复执行：不访问外部播放器，也不写存储
	before := env.mr.Dump()
	env.now = env.now.Add(10 * time.Second)
	if err := job.Run(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if after := env.mr.Dump(); after != before {
		t.Fatalf("store changed inside throttle window:\nbefore %s\nafter  %s", before, after)
	}
	if controller.calls != 1 {
		t.Fatalf("controller queried %d times", controller.calls)
	}
	if n := len(env.emitter.named(events.QueueChanged)); n != 1 {
		t.Fatalf("queueChanged emitted %d times", n)
	}

	// 窗口过后再次对账，没有差异时不发事件
	env.now = env.now.Add(time.Minute)
	if err := job.Run(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if controller.calls != 2 || len(env.emitter.named(events.QueueChanged)) != 1 {
		t.Fatalf("calls = %d, events = %d", controller.calls, len(env.emitter.named(events.QueueChanged)))
	}
}

func TestReconcileExternalFailureDoesNotMarkSynced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	controller := &fakeController{err: adapter.ErrorFromStatus("fake-player", http.StatusUnauthorized, "token expired")}
	env.adapters.RegisterPlayback("fake-player", func(*adapter.Credentials) (adapter.PlaybackController, error) {
		return controller, nil
	})
	env.saveRoom(t, &model.Room{ID: "r1", CreatorID: "u1", PlaybackControllerID: "fake-player"})
	_, _ = env.store.EnqueueTrack(ctx, "r1", model.QueueItem{Track: model.Track{ID: "A"}})

	err := NewReconcileJob(env.store, env.adapters, env.services.Playback, env.opts()).Run(ctx, "r1")
	if err == nil {
		t.Fatal("expected error from external queue")
	}
	if env.store.GetJobState(ctx, "r1").LastQueueSyncAt != 0 {
		t.Fatal("failed pass must not record a sync time")
	}
	if env.store.QueueLength(ctx, "r1") != 1 {
		t.Fatal("queue must be untouched")
	}
	if n := len(env.emitter.named(events.ErrorOccurred)); n != 1 {
		t.Fatalf("errorOccurred emitted %d times", n)
	}
}

func TestRefreshRenewsCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.adapters.RegisterMetadata("fake-meta", func(*adapter.Credentials) (adapter.MetadataSource, error) {
		return refreshingMetadata{}, nil
	})
	env.saveRoom(t, &model.Room{ID: "r1", CreatorID: "u1", MetadataSourceID: "fake-meta", LastMetadataError: "expired"})
	_ = env.creds.SaveCredentials(ctx, &model.ServiceAuthentication{UserID: "u1", Service: "fake-meta", RefreshToken: "refresh"})

	job := NewRefreshJob(env.store, env.adapters, env.services.Playback, env.emitter, env.opts())
	if err := job.Run(ctx, "r1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	auth, _ := env.creds.GetCredentials(ctx, "u1", "fake-meta")
	if auth.AccessToken != "fresh" || auth.RefreshToken != "refresh" {
		t.Fatalf("credentials = %+v", auth)
	}
	if env.store.GetRoom(ctx, "r1").LastMetadataError != "" {
		t.Fatal("metadata error should be cleared")
	}
	if len(env.emitter.named(events.TokenRefreshed)) != 1 {
		t.Fatal("tokenRefreshed not emitted")
	}
	if env.store.GetJobState(ctx, "r1").LastRefreshedAt != env.now.UnixMilli() {
		t.Fatal("lastRefreshedAt not recorded")
	}

	// 刚刷新过且 token 有效，不再刷新
	_ = job.Run(ctx, "r1")
	if n := len(env.emitter.named(events.TokenRefreshed)); n != 1 {
		t.Fatalf("refreshed %d times", n)
	}
}

func TestRefreshFailureRecordsError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.adapters.RegisterMetadata("fake-meta", func(*adapter.Credentials) (adapter.MetadataSource, error) {
		return refreshingMetadata{err: adapter.ErrorFromStatus("fake-meta", http.StatusUnauthorized, "revoked")}, nil
	})
	env.saveRoom(t, &model.Room{ID: "r1", CreatorID: "u1", MetadataSourceID: "fake-meta"})
	_ = env.creds.SaveCredentials(ctx, &model.ServiceAuthentication{UserID: "u1", Service: "fake-meta", RefreshToken: "refresh"})

	err := NewRefreshJob(env.store, env.adapters, env.services.Playback, env.emitter, env.opts()).Run(ctx, "r1")
	if err == nil {
		t.Fatal("expected refresh error")
	}
	if env.store.GetRoom(ctx, "r1").LastMetadataError == "" {
		t.Fatal("metadata error should be recorded")
	}
	if len(env.emitter.named(events.ErrorOccurred)) != 1 {
		t.Fatal("auth failure should notify the creator")
	}
}

func TestPollSubmitsMediaAndRespectsPause(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.adapters.RegisterMedia("fake-media", func() (adapter.MediaSource, error) {
		return fakeMedia{sub: &model.PlaybackSubmission{Station: &model.StationMeta{Title: "Artist - Song"}}}, nil
	})
	env.saveRoom(t, &model.Room{ID: "r1", CreatorID: "u1", Type: model.RoomTypeRadio, MediaSourceID: "fake-media"})
	env.saveRoom(t, &model.Room{ID: "r2", CreatorID: "u1", Type: model.RoomTypeRadio, MediaSourceID: "fake-media"})
	_ = env.store.SetJobFields(ctx, "r2", map[string]interface{}{"pollingPaused": true})

	job := NewPollJob(env.store, env.adapters, env.services.Playback)
	if err := job.Run(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if err := job.Run(ctx, "r2"); err != nil {
		t.Fatal(err)
	}
	if np := env.store.GetNowPlaying(ctx, "r1"); np == nil || np.Title != "Artist - Song" {
		t.Fatalf("r1 now playing = %+v", np)
	}
	if np := env.store.GetNowPlaying(ctx, "r2"); np != nil {
		t.Fatalf("paused room was polled: %+v", np)
	}

	// 同一标题再次提交不重复发事件
	_ = job.Run(ctx, "r1")
	if n := len(env.emitter.named(events.TrackChanged)); n != 1 {
		t.Fatalf("trackChanged emitted %d times", n)
	}
}

type scriptedJob struct {
	mu      sync.Mutex
	visited []string
}

func (j *scriptedJob) Name() string { return "scripted" }

func (j *scriptedJob) Run(_ context.Context, roomID string) error {
	j.mu.Lock()
	j.visited = append(j.visited, roomID)
	j.mu.Unlock()
	switch roomID {
	case "boom":
		panic("room exploded")
	case "fail":
		return errors.New("room failed")
	}
	return nil
}

// 单个房间失败或 panic 不影响同一批次的其他房间
func TestRunOnceIsolatesRooms(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"a", "boom", "fail", "b"} {
		env.saveRoom(t, &model.Room{ID: id, CreatorID: "u1"})
	}
	job := &scriptedJob{}
	s := NewScheduler(env.store, 2)

	err := s.RunOnce(context.Background(), job)
	if err == nil {
		t.Fatal("expected combined error")
	}
	sort.Strings(job.visited)
	if got := job.visited; len(got) != 4 || got[0] != "a" || got[1] != "b" || got[2] != "boom" || got[3] != "fail" {
		t.Fatalf("visited = %v", got)
	}

	// 下一批次仍然正常
	job.visited = nil
	_ = s.RunOnce(context.Background(), job)
	if len(job.visited) != 4 {
		t.Fatalf("second batch visited %d rooms", len(job.visited))
	}
}

func TestSchedulerStartStop(t *testing.T) {
	env := newTestEnv(t)
	env.saveRoom(t, &model.Room{ID: "a", CreatorID: "u1"})
	job := &scriptedJob{}
	s := NewScheduler(env.store, 1)
	s.Add(job, 10*time.Millisecond)
	if len(s.Jobs()) != 1 {
		t.Fatal("job not registered")
	}
	s.Start()
	deadline := time.After(2 * time.Second)
	for {
		job.mu.Lock()
		n := len(job.visited)
		job.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			s.Stop()
			t.Fatal("scheduled job never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	s.Stop()
}
