package export

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"roomcast/cache"
	"roomcast/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func sampleExport() *model.RoomExport {
	room := &model.Room{ID: "r1", Title: "Late <Night> *Mix*", Type: model.RoomTypeJukebox, CreatorID: "u1", Password: "secret-hash", CreatedAt: 1_700_000_000_000}
	return &model.RoomExport{
		Room:        room.Sanitized(),
		Users:       []model.User{{UserID: "u1", Username: "alice", IsAdmin: true}},
		UserHistory: []model.User{{UserID: "u1", Username: "alice", IsAdmin: true}, {UserID: "u2", Username: "b|ob"}},
		Playlist: []model.QueueItem{{
			Track:    model.Track{ID: "t1", Name: "Roygbiv", Artists: []string{"Boards of Canada"}},
			AddedBy:  &model.UserRef{UserID: "u1", Username: "alice"},
			PlayedAt: 1_700_000_100_000,
		}},
		Queue: []model.QueueItem{},
		Messages: []model.ChatMessage{
			{Content: "hello _world_", Timestamp: 1_700_000_050_000, User: model.UserRef{UserID: "u2", Username: "b|ob"}},
			{Content: "Now playing", Timestamp: 1_700_000_100_000, User: model.UserRef{UserID: model.SystemUserID, Username: model.SystemUserID}},
		},
		Reactions: model.RoomReactions{
			Message: model.ReactionsBySubject{},
			Track: model.ReactionsBySubject{"t1": {
				{Emoji: "fire", UserID: "u2", Subject: model.ReactionSubject{Type: model.ReactionSubjectTrack, ID: "t1"}},
			}},
		},
		Plugins: map[string]model.ExportSection{
			"voteSkip": {Title: "Vote skip", Markdown: "- 2 votes"},
			"words":    {Data: map[string]int{"hello": 1}},
		},
		ExportedAt: 1_700_000_200_000,
	}
}

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{"": FormatJSON, "JSON": FormatJSON, "markdown": FormatMarkdown, "md": FormatMarkdown, " html ": FormatHTML}
	for in, want := range cases {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("pdf"); err == nil {
		t.Fatal("pdf should be rejected")
	}
}

func TestMarkdown(t *testing.T) {
	out := Markdown(sampleExport())
	for _, want := range []string{
		`# Late &lt;Night&gt; \*Mix\*`,
		"| alice | admin | yes |",
		`| b\|ob | listener | no |`,
		"| 1 | Roygbiv - Boards of Canada | alice | 2023-11-14 22:15:00 UTC |",
		"## Queue\n\n_Empty._",
		`hello \_world\_`,
		"- **system**",
		"1 reactions on 0 messages and 1 tracks.",
		"## Vote skip\n\n- 2 votes",
		"## words\n\n```json",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("markdown missing %q\n%s", want, out)
		}
	}
	if strings.Index(out, "## Vote skip") > strings.Index(out, "## words") {
		t.Error("plugin sections should be sorted by name")
	}
	if strings.Contains(out, "secret-hash") {
		t.Fatal("markdown leaks password")
	}
}

func TestRenderFormats(t *testing.T) {
	exp := sampleExport()

	data, err := Render(exp, FormatJSON)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	var decoded model.RoomExport
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode json export: %v", err)
	}
	if decoded.Room.Title != exp.Room.Title || !decoded.Room.PasswordProtected || decoded.Room.Password != "" {
		t.Fatalf("unexpected room in json export: %+v", decoded.Room)
	}

	page, err := Render(exp, FormatHTML)
	if err != nil {
		t.Fatalf("html: %v", err)
	}
	s := string(page)
	if !strings.HasPrefix(s, "<!DOCTYPE html>") || !strings.Contains(s, "<title>Late &lt;Night&gt; *Mix*</title>") {
		t.Fatalf("unexpected html head:\n%s", s)
	}
	if !strings.Contains(s, "<table>") || !strings.Contains(s, "<h2>Chat</h2>") {
		t.Fatalf("markdown tables not rendered:\n%s", s)
	}

	if _, err := Render(exp, Format("pdf")); err == nil {
		t.Fatal("unknown format should fail")
	}
}

type fixedAugmenter struct{}

func (fixedAugmenter) AugmentExport(context.Context, string, *model.RoomExport) map[string]model.ExportSection {
	return map[string]model.ExportSection{"stats": {Title: "Stats", Markdown: "ok"}}
}

func TestBuild(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := cache.NewStore(client)
	ctx := context.Background()

	if err := store.SaveRoom(ctx, &model.Room{ID: "r1", Title: "Room", CreatorID: "u1", Password: "hash"}); err != nil {
		t.Fatal(err)
	}
	_ = store.AddMessage(ctx, "r1", model.ChatMessage{Content: "hi", Timestamp: 10, User: model.UserRef{UserID: "u1"}})
	_ = store.AddToPlaylist(ctx, "r1", model.QueueItem{Track: model.Track{ID: "t1"}, PlayedAt: 20})

	b := NewBuilder(store, fixedAugmenter{})
	exp, err := b.Build(ctx, "r1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if exp.Room.Password != "" || !exp.Room.PasswordProtected {
		t.Fatal("export must be sanitized")
	}
	if len(exp.Messages) != 1 || len(exp.Playlist) != 1 || exp.Plugins["stats"].Title != "Stats" {
		t.Fatalf("unexpected export %+v", exp)
	}

	if _, err := b.Build(ctx, "missing"); err != ErrRoomNotFound {
		t.Fatalf("missing room: %v", err)
	}
}
