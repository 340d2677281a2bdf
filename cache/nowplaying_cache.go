package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"roomcast/logger"
	"roomcast/model"
)

var nowPlayingFields = []string{"track", "title", "artist", "album", "artwork", "dj", "station", "playedAt"}

func jsonField(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return ""
	}
	return string(data)
}

// SetNowPlaying 覆盖当前播放投影
func (s *Store) SetNowPlaying(ctx context.Context, roomID string, np *model.NowPlaying) error {
	if err := s.ready(); err != nil {
		return err
	}
	if np == nil {
		return s.ClearNowPlaying(ctx, roomID)
	}
	fields := map[string]interface{}{
		"track":    "",
		"title":    np.Title,
		"artist":   np.Artist,
		"album":    np.Album,
		"artwork":  np.ArtworkURL,
		"dj":       "",
		"station":  "",
		"playedAt": strconv.FormatInt(np.PlayedAt, 10),
	}
	if np.Track != nil {
		fields["track"] = jsonField(np.Track)
	}
	if np.DJ != nil {
		fields["dj"] = jsonField(np.DJ)
	}
	if np.Station != nil {
		fields["station"] = jsonField(np.Station)
	}
	return s.client.HSet(ctx, fmt.Sprintf(roomCurrentKey, roomID), fields).Err()
}

// ClearNowPlaying 停止播放时把投影字段置空（保留 key，TTL 管理不受影响）
func (s *Store) ClearNowPlaying(ctx context.Context, roomID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	fields := make(map[string]interface{}, len(nowPlayingFields))
	for _, f := range nowPlayingFields {
		fields[f] = ""
	}
	return s.client.HSet(ctx, fmt.Sprintf(roomCurrentKey, roomID), fields).Err()
}

// GetNowPlaying 读取当前播放，未在播放时返回 nil
func (s *Store) GetNowPlaying(ctx context.Context, roomID string) *model.NowPlaying {
	if err := s.ready(); err != nil {
		return nil
	}
	fields, err := s.client.HGetAll(ctx, fmt.Sprintf(roomCurrentKey, roomID)).Result()
	if err != nil {
		logger.Warn("store: get now playing failed", logger.Room(roomID), logger.ErrorField(err))
		return nil
	}

	np := &model.NowPlaying{
		Title:      fields["title"],
		Artist:     fields["artist"],
		Album:      fields["album"],
		ArtworkURL: fields["artwork"],
		PlayedAt:   parseInt64(fields["playedAt"]),
	}
	if v := fields["track"]; v != "" {
		var t model.Track
		if json.Unmarshal([]byte(v), &t) == nil {
			np.Track = &t
		}
	}
	if v := fields["dj"]; v != "" {
		var dj model.UserRef
		if json.Unmarshal([]byte(v), &dj) == nil {
			np.DJ = &dj
		}
	}
	if v := fields["station"]; v != "" {
		var st model.StationMeta
		if json.Unmarshal([]byte(v), &st) == nil {
			np.Station = &st
		}
	}
	if np.Track == nil && np.Station == nil && np.Title == "" {
		return nil
	}
	return np
}

// CurrentTrackID 当前曲目 ID，未播放时为空
func (s *Store) CurrentTrackID(ctx context.Context, roomID string) string {
	return s.GetNowPlaying(ctx, roomID).TrackID()
}
