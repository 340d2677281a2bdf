package cache

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"roomcast/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client), mr
}

func TestRoomBoolRoundTrip(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	room := &model.Room{
		ID:                      "r1",
		Title:                   "Late night",
		Type:                    model.RoomTypeJukebox,
		CreatorID:               "u1",
		FetchMeta:               true,
		AnnounceNowPlaying:      false,
		AnnounceUsernameChanges: true,
		DeputizeOnJoin:          false,
		ShowQueueCount:          true,
		ShowQueueTracks:         false,
		Persistent:              true,
		MediaSourceConfig:       map[string]string{"url": "http://radio/stream"},
		CreatedAt:               1700000000000,
	}
	if err := s.SaveRoom(ctx, room); err != nil {
		t.Fatalf("save room: %v", err)
	}

	if v := mr.HGet("room:r1:details", "announceNowPlaying"); v != "false" {
		t.Fatalf("stored bool = %q, want \"false\"", v)
	}
	if v := mr.HGet("room:r1:details", "persistent"); v != "true" {
		t.Fatalf("stored bool = %q, want \"true\"", v)
	}

	got := s.GetRoom(ctx, "r1")
	if !reflect.DeepEqual(got, room) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, room)
	}
	if ids := s.ListRoomIDs(ctx); len(ids) != 1 || ids[0] != "r1" {
		t.Fatalf("registry = %v", ids)
	}
	if rooms := s.GetUserRooms(ctx, "u1"); len(rooms) != 1 {
		t.Fatalf("user rooms = %v", rooms)
	}

	// "false" 字符串不能被当成 true
	if err := s.SetRoomFields(ctx, "r1", map[string]interface{}{"fetchMeta": false}); err != nil {
		t.Fatalf("set fields: %v", err)
	}
	if s.GetRoom(ctx, "r1").FetchMeta {
		t.Fatal("fetchMeta should read back as false")
	}
}

func TestGetRoomMissing(t *testing.T) {
	s, _ := newTestStore(t)
	if room := s.GetRoom(context.Background(), "nope"); room != nil {
		t.Fatalf("expected nil, got %+v", room)
	}
}

func TestEnqueueDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first := model.QueueItem{Track: model.Track{ID: "t1", Name: "First"}, AddedAt: 10}
	ok, err := s.EnqueueTrack(ctx, "r1", first)
	if err != nil || !ok {
		t.Fatalf("first enqueue = %v, %v", ok, err)
	}
	ok, err = s.EnqueueTrack(ctx, "r1", model.QueueItem{Track: model.Track{ID: "t1", Name: "Second"}, AddedAt: 20})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if ok {
		t.Fatal("duplicate enqueue should report false")
	}

	queue := s.GetQueue(ctx, "r1")
	if len(queue) != 1 || queue[0].Track.Name != "First" {
		t.Fatalf("queue = %+v", queue)
	}
	if !s.IsQueued(ctx, "r1", "t1") || s.QueueLength(ctx, "r1") != 1 {
		t.Fatal("t1 should be queued once")
	}
}

func TestQueueOrderAndRemove(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"c", "a", "b"} {
		if _, err := s.EnqueueTrack(ctx, "r1", model.QueueItem{Track: model.Track{ID: id}, AddedAt: int64(100 + i)}); err != nil {
			t.Fatal(err)
		}
	}
	var order []string
	for _, item := range s.GetQueue(ctx, "r1") {
		order = append(order, item.Track.ID)
	}
	if strings.Join(order, ",") != "c,a,b" {
		t.Fatalf("queue order = %v", order)
	}

	n, err := s.RemoveFromQueue(ctx, "r1", "a", "missing")
	if err != nil || n != 1 {
		t.Fatalf("remove = %d, %v", n, err)
	}
	ids, err := s.QueueTrackIDs(ctx, "r1")
	if err != nil || len(ids) != 2 {
		t.Fatalf("ids = %v, %v", ids, err)
	}
}

func TestSinceQueriesAreExclusive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for _, ts := range []int64{100, 200, 300} {
		if err := s.AddMessage(ctx, "r1", model.ChatMessage{Content: fmt.Sprint(ts), Timestamp: ts}); err != nil {
			t.Fatal(err)
		}
		if err := s.AddToPlaylist(ctx, "r1", model.QueueItem{Track: model.Track{ID: fmt.Sprint(ts)}, PlayedAt: ts}); err != nil {
			t.Fatal(err)
		}
	}

	if msgs := s.GetMessagesSince(ctx, "r1", 200); len(msgs) != 1 || msgs[0].Timestamp != 300 {
		t.Fatalf("messages since 200 = %+v", msgs)
	}
	if msgs := s.GetMessagesSince(ctx, "r1", 0); len(msgs) != 3 {
		t.Fatalf("messages since 0 = %d", len(msgs))
	}
	if items := s.GetPlaylistSince(ctx, "r1", 100); len(items) != 2 {
		t.Fatalf("playlist since 100 = %d", len(items))
	}
	if last := s.LastPlayed(ctx, "r1"); last == nil || last.PlayedAt != 300 {
		t.Fatalf("last played = %+v", last)
	}
	if s.MessageCount(ctx, "r1") != 3 {
		t.Fatal("expected 3 messages")
	}
	if err := s.ClearMessages(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if msgs := s.GetMessages(ctx, "r1"); msgs == nil || len(msgs) != 0 {
		t.Fatalf("cleared messages = %#v", msgs)
	}
}

func TestReactionAddRemoveSymmetry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	r := model.Reaction{Emoji: "fire", UserID: "u1", Subject: model.ReactionSubject{Type: model.ReactionSubjectTrack, ID: "t1"}}

	before := s.GetReactions(ctx, "r1")
	keysBefore := len(mr.Keys())

	added, err := s.AddReaction(ctx, "r1", r)
	if err != nil || !added {
		t.Fatalf("add = %v, %v", added, err)
	}
	if again, _ := s.AddReaction(ctx, "r1", r); again {
		t.Fatal("second add should be a no-op")
	}
	if got := s.GetSubjectReactions(ctx, "r1", r.Subject); len(got) != 1 || got[0] != r {
		t.Fatalf("subject reactions = %+v", got)
	}
	if got := s.FilterReactions(ctx, "r1", model.ReactionFilter{Emoji: "fire"}); len(got) != 1 {
		t.Fatalf("filtered = %+v", got)
	}

	removed, err := s.RemoveReaction(ctx, "r1", r)
	if err != nil || !removed {
		t.Fatalf("remove = %v, %v", removed, err)
	}
	if again, _ := s.RemoveReaction(ctx, "r1", r); again {
		t.Fatal("second remove should report false")
	}

	after := s.GetReactions(ctx, "r1")
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("reactions not restored:\nbefore %+v\nafter  %+v", before, after)
	}
	if len(mr.Keys()) != keysBefore {
		t.Fatalf("leftover keys: %v", mr.Keys())
	}
}

func TestReactionDanglingIndexPruned(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	r := model.Reaction{Emoji: "heart", UserID: "u1", Subject: model.ReactionSubject{Type: model.ReactionSubjectMessage, ID: "1700"}}
	if _, err := s.AddReaction(ctx, "r1", r); err != nil {
		t.Fatal(err)
	}
	mr.Del(fmt.Sprintf(reactionBodyKey, "r1", r.Key()))

	if got := s.GetReactions(ctx, "r1"); len(got.Message) != 0 {
		t.Fatalf("expected no reactions, got %+v", got)
	}
	if mr.Exists(fmt.Sprintf(reactionTypeKey, "r1", model.ReactionSubjectMessage)) {
		t.Fatal("type index should have been pruned")
	}
}

func TestDanglingIndexPrunedForColonSubjects(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	subject := model.ReactionSubject{Type: model.ReactionSubjectTrack, ID: "spotify:track:4uLU6hMCjMI75M1A2tKUQC"}
	a := model.Reaction{Emoji: "fire", UserID: "u1", Subject: subject}
	b := model.Reaction{Emoji: "fire", UserID: "u2", Subject: subject}
	for _, r := range []model.Reaction{a, b} {
		if _, err := s.AddReaction(ctx, "r1", r); err != nil {
			t.Fatal(err)
		}
	}
	targetKey := fmt.Sprintf(reactionTargetKey, "r1", subject.Type, subject.ID)

	// 按类型读取：走扫描对象索引的路径
	mr.Del(fmt.Sprintf(reactionBodyKey, "r1", a.Key()))
	if got := s.GetReactions(ctx, "r1").Track[subject.ID]; len(got) != 1 || got[0].UserID != "u2" {
		t.Fatalf("track reactions = %+v", got)
	}
	if ok, _ := mr.SIsMember(targetKey, a.Key()); ok {
		t.Fatal("subject index still holds the dangling reaction")
	}

	// 按对象读取
	mr.Del(fmt.Sprintf(reactionBodyKey, "r1", b.Key()))
	if got := s.GetSubjectReactions(ctx, "r1", subject); len(got) != 0 {
		t.Fatalf("subject reactions = %+v", got)
	}
	if mr.Exists(targetKey) || mr.Exists(fmt.Sprintf(reactionTypeKey, "r1", subject.Type)) {
		t.Fatalf("indexes not pruned: %v", mr.Keys())
	}
}

func TestRejectsInvalidReactionSubject(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.AddReaction(context.Background(), "r1", model.Reaction{Emoji: "x", UserID: "u", Subject: model.ReactionSubject{Type: "album", ID: "1"}})
	if err == nil {
		t.Fatal("expected error for unknown subject type")
	}
}

func TestNowPlayingProjection(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if s.GetNowPlaying(ctx, "r1") != nil {
		t.Fatal("nothing should be playing")
	}
	np := &model.NowPlaying{
		Track:    &model.Track{ID: "t1", Name: "Song"},
		Title:    "Song",
		Artist:   "Band",
		DJ:       &model.UserRef{UserID: "u1", Username: "alice"},
		PlayedAt: 42,
	}
	if err := s.SetNowPlaying(ctx, "r1", np); err != nil {
		t.Fatal(err)
	}
	got := s.GetNowPlaying(ctx, "r1")
	if !reflect.DeepEqual(got, np) {
		t.Fatalf("now playing = %+v", got)
	}
	if s.CurrentTrackID(ctx, "r1") != "t1" {
		t.Fatal("unexpected current track id")
	}
	if err := s.ClearNowPlaying(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if s.GetNowPlaying(ctx, "r1") != nil || s.CurrentTrackID(ctx, "r1") != "" {
		t.Fatal("now playing should be cleared")
	}
}

func TestExpireAndPersistRoom(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	if err := s.SaveRoom(ctx, &model.Room{ID: "r1", CreatorID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMessage(ctx, "r1", model.ChatMessage{Content: "hi", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}

	if _, has, err := s.RoomTTL(ctx, "r1"); err != nil || has {
		t.Fatalf("fresh room ttl = %v, %v", has, err)
	}
	if err := s.ExpireRoom(ctx, "r1", time.Hour); err != nil {
		t.Fatal(err)
	}
	if mr.TTL("room:r1:messages") != time.Hour {
		t.Fatalf("messages ttl = %v", mr.TTL("room:r1:messages"))
	}
	if ttl, has, _ := s.RoomTTL(ctx, "r1"); !has || ttl <= 0 {
		t.Fatalf("expired room ttl = %v, %v", ttl, has)
	}

	if err := s.PersistRoom(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, has, _ := s.RoomTTL(ctx, "r1"); has {
		t.Fatal("room should be persistent again")
	}
}

func TestDeleteRoomRemovesEverything(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	if err := s.SaveRoom(ctx, &model.Room{ID: "r1", CreatorID: "u1"}); err != nil {
		t.Fatal(err)
	}
	_ = s.AddOnlineUser(ctx, "r1", "u1")
	_, _ = s.EnqueueTrack(ctx, "r1", model.QueueItem{Track: model.Track{ID: "t1"}})
	_ = s.PluginStorage("r1", "votes").Set(ctx, "k", "v", 0)
	// 其他房间不受影响
	_ = s.SaveRoom(ctx, &model.Room{ID: "r10", CreatorID: "u1"})

	if err := s.DeleteRoom(ctx, "r1", "u1"); err != nil {
		t.Fatal(err)
	}
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "room:r1:") {
			t.Fatalf("leftover key %q", k)
		}
	}
	if ids := s.ListRoomIDs(ctx); len(ids) != 1 || ids[0] != "r10" {
		t.Fatalf("registry = %v", ids)
	}
	if rooms := s.GetUserRooms(ctx, "u1"); len(rooms) != 1 || rooms[0] != "r10" {
		t.Fatalf("user rooms = %v", rooms)
	}
}

func TestPluginStorageCleanup(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	p := s.PluginStorage("r1", "votes")

	if err := p.Set(ctx, "mode", "strict", 0); err != nil {
		t.Fatal(err)
	}
	if n, err := p.Incr(ctx, "count", 2); err != nil || n != 2 {
		t.Fatalf("incr = %d, %v", n, err)
	}
	if _, err := p.ZIncrBy(ctx, "board", "alice", 3); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ZIncrBy(ctx, "board", "bob", 5); err != nil {
		t.Fatal(err)
	}
	if n, err := p.SAdd(ctx, "seen", "t1", "t2"); err != nil || n != 2 {
		t.Fatalf("sadd = %d, %v", n, err)
	}
	if n, _ := p.SAdd(ctx, "seen", "t2"); n != 0 {
		t.Fatalf("re-adding a member should add nothing, got %d", n)
	}
	top := p.ZTop(ctx, "board", 1)
	if len(top) != 1 || top[0].Member != "bob" {
		t.Fatalf("ztop = %+v", top)
	}
	if !p.SIsMember(ctx, "seen", "t2") {
		t.Fatal("t2 should be a member")
	}
	if v, ok := p.Get(ctx, "mode"); !ok || v != "strict" {
		t.Fatalf("get = %q, %v", v, ok)
	}

	other := s.PluginStorage("r1", "other")
	_ = other.Set(ctx, "keep", "1", 0)

	if err := p.Cleanup(ctx); err != nil {
		t.Fatal(err)
	}
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "room:r1:plugins:votes") {
			t.Fatalf("leftover plugin key %q", k)
		}
	}
	if v, ok := other.Get(ctx, "keep"); !ok || v != "1" {
		t.Fatal("other plugin data must survive")
	}
	if keys := p.Keys(ctx); len(keys) != 0 {
		t.Fatalf("index not cleared: %v", keys)
	}
}

func TestPluginStorageNamesDoNotCollide(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	short := s.PluginStorage("r1", "lua")
	long := s.PluginStorage("r1", "lua:x")

	if err := short.Set(ctx, "x:y", "short", 0); err != nil {
		t.Fatal(err)
	}
	if err := long.Set(ctx, "y", "long", 0); err != nil {
		t.Fatal(err)
	}
	if v, _ := short.Get(ctx, "x:y"); v != "short" {
		t.Fatalf("lua/x:y = %q", v)
	}
	if v, _ := long.Get(ctx, "y"); v != "long" {
		t.Fatalf("lua:x/y = %q", v)
	}

	if err := long.Cleanup(ctx); err != nil {
		t.Fatal(err)
	}
	if v, ok := short.Get(ctx, "x:y"); !ok || v != "short" {
		t.Fatal("cleaning lua:x must not touch lua")
	}
}

func TestJobStateFields(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if st := s.GetJobState(ctx, "r1"); st != (model.JobState{}) {
		t.Fatalf("empty job state = %+v", st)
	}
	fields := map[string]interface{}{"emptySince": int64(5), "pollingPaused": true}
	if err := s.SetJobFields(ctx, "r1", fields); err != nil {
		t.Fatal(err)
	}
	st := s.GetJobState(ctx, "r1")
	if st.EmptySince != 5 || !st.PollingPaused {
		t.Fatalf("job state = %+v", st)
	}
	// 调用方的 map 保持原样，可以重复使用
	if v, ok := fields["pollingPaused"].(bool); !ok || !v {
		t.Fatalf("caller map modified: %#v", fields)
	}

	room := map[string]interface{}{"persistent": true}
	if err := s.SetRoomFields(ctx, "r1", room); err != nil {
		t.Fatal(err)
	}
	if _, ok := room["persistent"].(bool); !ok {
		t.Fatalf("caller map modified: %#v", room)
	}
}

func TestUserRolesDecorated(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	room := &model.Room{ID: "r1", CreatorID: "u1"}
	_ = s.SaveRoom(ctx, room)
	for _, u := range []model.User{{UserID: "u1", Username: "alice"}, {UserID: "u2", Username: "bob"}} {
		u := u
		if err := s.SaveUser(ctx, &u); err != nil {
			t.Fatal(err)
		}
		_ = s.AddOnlineUser(ctx, "r1", u.UserID)
	}
	_ = s.AddDeputyDj(ctx, "r1", "u2")

	users := s.RoomUsers(ctx, room)
	if len(users) != 2 {
		t.Fatalf("users = %+v", users)
	}
	for _, u := range users {
		switch u.UserID {
		case "u1":
			if !u.IsAdmin || u.IsDeputyDj {
				t.Fatalf("u1 roles = %+v", u)
			}
		case "u2":
			if u.IsAdmin || !u.IsDeputyDj {
				t.Fatalf("u2 roles = %+v", u)
			}
		}
	}
}

// 存储不可用时读操作返回安全默认值，写操作返回错误
func TestUnavailableStoreDefaults(t *testing.T) {
	var s *Store
	ctx := context.Background()
	if s.GetRoom(ctx, "r1") != nil {
		t.Fatal("nil store should return nil room")
	}
	if q := s.GetQueue(ctx, "r1"); q == nil || len(q) != 0 {
		t.Fatalf("queue = %#v", q)
	}
	if _, err := s.QueueTrackIDs(ctx, "r1"); err == nil {
		t.Fatal("queue ids must report unavailability")
	}
	if err := s.AddMessage(ctx, "r1", model.ChatMessage{}); err == nil {
		t.Fatal("writes must fail")
	}

	live, mr := newTestStore(t)
	mr.Close()
	if msgs := live.GetMessages(ctx, "r1"); msgs == nil || len(msgs) != 0 {
		t.Fatalf("messages on closed server = %#v", msgs)
	}
	if _, err := live.QueueTrackIDs(ctx, "r1"); err == nil {
		t.Fatal("queue ids must fail on closed server")
	}
}
