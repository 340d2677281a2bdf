package builtin

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"roomcast/cache"
	"roomcast/core/events"
	"roomcast/core/plugin"
	"roomcast/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

type recordingHost struct {
	mu       sync.Mutex
	skipped  []string
	messages []string
	delay    time.Duration // 模拟外部播放器的响应时间
	refuse   bool
}

func (h *recordingHost) SkipTrack(_ context.Context, _, trackID string) (bool, error) {
	time.Sleep(h.delay)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refuse {
		return false, nil
	}
	h.skipped = append(h.skipped, trackID)
	return true, nil
}

func (h *recordingHost) skips() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.skipped...)
}

func (h *recordingHost) SendSystemMessage(_ context.Context, _, content string, _ *model.MessageMeta) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, content)
	return nil
}

func newRuntime(t *testing.T) (*plugin.Runtime, *cache.Store, *recordingHost) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := cache.NewStore(client)

	registry := plugin.NewRegistry()
	if err := RegisterAll(registry); err != nil {
		t.Fatal(err)
	}
	rt := plugin.NewRuntime(registry, store)
	host := &recordingHost{}
	rt.SetHost(host)
	return rt, store, host
}

func TestCountWords(t *testing.T) {
	got := CountWords("Banger! total BANGER, not a bangers. rock-on rock", []string{"banger", "rock-on", " ", ""})
	want := map[string]int{"banger": 2, "rock-on": 1}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("CountWords = %v, want %v", got, want)
	}
	if got := CountWords("anything", nil); len(got) != 0 {
		t.Fatalf("no targets: %v", got)
	}
}

func TestVotesNeeded(t *testing.T) {
	cfg := VoteSkipConfig{}
	cfg.withDefaults()
	cases := map[int]int{0: 2, 1: 2, 3: 2, 5: 3, 10: 5}
	for listeners, want := range cases {
		if got := cfg.VotesNeeded(listeners); got != want {
			t.Errorf("VotesNeeded(%d) = %d, want %d", listeners, got, want)
		}
	}
}

func TestVoteSkip(t *testing.T) {
	rt, store, host := newRuntime(t)
	ctx := context.Background()
	room := &model.Room{ID: "r1", CreatorID: "owner"}
	if err := store.SaveRoom(ctx, room); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"u1", "u2", "u3"} {
		_ = store.SaveUser(ctx, &model.User{UserID: id, Username: id, Status: model.UserStatusListening})
		_ = store.AddOnlineUser(ctx, "r1", id)
	}
	_ = store.SetNowPlaying(ctx, "r1", &model.NowPlaying{Track: &model.Track{ID: "t1", Name: "Song"}, Title: "Song"})
	_ = store.SetPluginConfig(ctx, "r1", VoteSkipName, VoteSkipConfig{Enabled: true, Emoji: "skip"})
	rt.SyncRoomPlugins(ctx, "r1", room, nil)

	vote := func(userID, emoji, trackID string) {
		r := model.Reaction{Emoji: emoji, UserID: userID, Subject: model.ReactionSubject{Type: model.ReactionSubjectTrack, ID: trackID}}
		if _, err := store.AddReaction(ctx, "r1", r); err != nil {
			t.Fatal(err)
		}
		if err := rt.Dispatch(ctx, "r1", events.ReactionAdded, events.ReactionsPayload{Reaction: &r}); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}

	vote("u1", "skip", "t1")
	vote("u2", "heart", "t1")
	vote("u2", "skip", "old-track")
	if len(host.skipped) != 0 {
		t.Fatalf("skipped too early: %v", host.skipped)
	}

	vote("u2", "skip", "t1")
	if !reflect.DeepEqual(host.skipped, []string{"t1"}) {
		t.Fatalf("skipped = %v", host.skipped)
	}
	if len(host.messages) != 1 || !strings.Contains(host.messages[0], "Song was skipped by vote (2/2)") {
		t.Fatalf("messages = %v", host.messages)
	}

	// 同一曲目只跳过一次
	vote("u3", "skip", "t1")
	if len(host.skipped) != 1 {
		t.Fatalf("track skipped twice: %v", host.skipped)
	}

	sections := rt.AugmentExport(ctx, "r1", &model.RoomExport{})
	if s, ok := sections[VoteSkipName]; !ok || s.Markdown != "1 track(s) skipped by vote." {
		t.Fatalf("export sections = %+v", sections)
	}
}

// seedVoteRoom 4 个收听用户，当前播放 t1，前三人已对 t1 投票
func seedVoteRoom(t *testing.T, rt *plugin.Runtime, store *cache.Store) []model.Reaction {
	t.Helper()
	ctx := context.Background()
	room := &model.Room{ID: "r1", CreatorID: "owner"}
	if err := store.SaveRoom(ctx, room); err != nil {
		t.Fatal(err)
	}
	var votes []model.Reaction
	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		_ = store.SaveUser(ctx, &model.User{UserID: id, Username: id, Status: model.UserStatusListening})
		_ = store.AddOnlineUser(ctx, "r1", id)
	}
	for _, id := range []string{"u1", "u2", "u3"} {
		r := model.Reaction{Emoji: "skip", UserID: id, Subject: model.ReactionSubject{Type: model.ReactionSubjectTrack, ID: "t1"}}
		if _, err := store.AddReaction(ctx, "r1", r); err != nil {
			t.Fatal(err)
		}
		votes = append(votes, r)
	}
	_ = store.SetNowPlaying(ctx, "r1", &model.NowPlaying{Track: &model.Track{ID: "t1", Name: "Song"}, Title: "Song"})
	_ = store.SetPluginConfig(ctx, "r1", VoteSkipName, VoteSkipConfig{Enabled: true, Emoji: "skip"})
	rt.SyncRoomPlugins(ctx, "r1", room, nil)
	return votes
}

func TestVoteSkipConcurrentVotesSkipOnce(t *testing.T) {
	rt, store, host := newRuntime(t)
	host.delay = 50 * time.Millisecond
	votes := seedVoteRoom(t, rt, store)

	var wg sync.WaitGroup
	for _, r := range votes[1:] {
		wg.Add(1)
		go func(r model.Reaction) {
			defer wg.Done()
			if err := rt.Dispatch(context.Background(), "r1", events.ReactionAdded, events.ReactionsPayload{Reaction: &r}); err != nil {
				t.Errorf("dispatch: %v", err)
			}
		}(r)
	}
	wg.Wait()

	if got := host.skips(); !reflect.DeepEqual(got, []string{"t1"}) {
		t.Fatalf("track skipped %d times: %v", len(got), got)
	}
	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.messages) != 1 {
		t.Fatalf("announcements = %v", host.messages)
	}
}

func TestVoteSkipRetriesAfterRefusedSkip(t *testing.T) {
	rt, store, host := newRuntime(t)
	host.refuse = true
	votes := seedVoteRoom(t, rt, store)
	ctx := context.Background()

	if err := rt.Dispatch(ctx, "r1", events.ReactionAdded, events.ReactionsPayload{Reaction: &votes[2]}); err != nil {
		t.Fatal(err)
	}
	if len(host.skips()) != 0 {
		t.Fatal("refused skip recorded")
	}

	// 占用已释放，下一票可以再次尝试
	host.mu.Lock()
	host.refuse = false
	host.mu.Unlock()
	if err := rt.Dispatch(ctx, "r1", events.ReactionAdded, events.ReactionsPayload{Reaction: &votes[1]}); err != nil {
		t.Fatal(err)
	}
	if got := host.skips(); !reflect.DeepEqual(got, []string{"t1"}) {
		t.Fatalf("skipped = %v", got)
	}
}

func TestVoteSkipDisabled(t *testing.T) {
	rt, store, host := newRuntime(t)
	ctx := context.Background()
	room := &model.Room{ID: "r1", CreatorID: "owner"}
	_ = store.SaveRoom(ctx, room)
	_ = store.SetNowPlaying(ctx, "r1", &model.NowPlaying{Track: &model.Track{ID: "t1"}, Title: "t1"})
	rt.SyncRoomPlugins(ctx, "r1", room, nil)

	for _, u := range []string{"u1", "u2", "u3"} {
		r := model.Reaction{Emoji: "👎", UserID: u, Subject: model.ReactionSubject{Type: model.ReactionSubjectTrack, ID: "t1"}}
		_, _ = store.AddReaction(ctx, "r1", r)
		_ = rt.Dispatch(ctx, "r1", events.ReactionAdded, events.ReactionsPayload{Reaction: &r})
	}
	if len(host.skipped) != 0 {
		t.Fatal("unconfigured vote-skip should do nothing")
	}
}

func TestSpecialWords(t *testing.T) {
	rt, store, host := newRuntime(t)
	ctx := context.Background()
	room := &model.Room{ID: "r1", CreatorID: "owner"}
	_ = store.SaveRoom(ctx, room)
	_ = store.SetPluginConfig(ctx, "r1", SpecialWordsName, SpecialWordsConfig{Enabled: true, Words: []string{"banger"}, Announce: true})
	rt.SyncRoomPlugins(ctx, "r1", room, nil)

	say := func(user model.UserRef, content string) {
		msg := model.ChatMessage{Content: content, User: user}
		if err := rt.Dispatch(ctx, "r1", events.MessageReceived, events.MessagePayload{Message: msg}); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	say(model.UserRef{UserID: "u1", Username: "alice"}, "what a banger")
	say(model.UserRef{UserID: "u2", Username: "bob"}, "banger banger")
	say(model.UserRef{UserID: model.SystemUserID, Username: model.SystemUserID}, "banger")

	if len(host.messages) != 2 || host.messages[1] != `bob said "banger" (3 total)` {
		t.Fatalf("announcements = %v", host.messages)
	}
	sections := rt.AugmentExport(ctx, "r1", &model.RoomExport{})
	section, ok := sections[SpecialWordsName]
	if !ok || !strings.Contains(section.Markdown, "| bob | 2 |") || !strings.Contains(section.Markdown, "| alice | 1 |") {
		t.Fatalf("export section = %+v", section)
	}

	// 插件清理后数据一并删除
	if err := rt.CleanupRoom(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if keys := store.PluginStorage("r1", SpecialWordsName).Keys(ctx); len(keys) != 0 {
		t.Fatalf("plugin storage left behind: %v", keys)
	}
}
