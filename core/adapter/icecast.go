package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"roomcast/model"
)

const IcecastID = "icecast"

// IcecastSource 读取 Icecast 的 status-json.xsl 获取当前曲目
//
// 房间的 MediaSourceConfig：url（状态页或服务器根地址），mount（可选，多路流时选择挂载点）。
type IcecastSource struct {
	httpClient *http.Client
}

func NewIcecastSource() *IcecastSource {
	return &IcecastSource{httpClient: &http.Client{Timeout: 5 * time.Second}}
}

// IcecastFactory 注册到 Registry 的工厂
func IcecastFactory() (MediaSource, error) {
	return NewIcecastSource(), nil
}

func (s *IcecastSource) ID() string { return IcecastID }

type icecastSource struct {
	ServerName  string `json:"server_name"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Listeners   int    `json:"listeners"`
	Bitrate     int    `json:"bitrate"`
	ListenURL   string `json:"listenurl"`
	ServerURL   string `json:"server_url"`
	Description string `json:"server_description"`
}

// statusURL 补全 status-json.xsl
func statusURL(raw string) string {
	raw = strings.TrimRight(raw, "/")
	if strings.HasSuffix(raw, ".xsl") {
		return raw
	}
	return raw + "/status-json.xsl"
}

func (s *IcecastSource) NowPlaying(ctx context.Context, cfg map[string]string) (*model.PlaybackSubmission, error) {
	base := cfg["url"]
	if base == "" {
		return nil, &UpstreamError{Adapter: IcecastID, Kind: KindUnavailable, Message: "media source url not configured"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL(base), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, Unavailable(IcecastID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, ErrorFromStatus(IcecastID, resp.StatusCode, fmt.Sprintf("status page returned %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, Unavailable(IcecastID, err)
	}
	return ParseIcecastStatus(body, cfg["mount"])
}

// ParseIcecastStatus 解析状态 JSON；source 可能是对象也可能是数组
func ParseIcecastStatus(body []byte, mount string) (*model.PlaybackSubmission, error) {
	var doc struct {
		Icestats struct {
			Source json.RawMessage `json:"source"`
		} `json:"icestats"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode icecast status: %w", err)
	}

	var sources []icecastSource
	raw := doc.Icestats.Source
	if len(raw) == 0 || string(raw) == "null" {
		// 没有正在推流的挂载点
		return &model.PlaybackSubmission{}, nil
	}
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &sources); err != nil {
			return nil, fmt.Errorf("decode icecast sources: %w", err)
		}
	} else {
		var one icecastSource
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("decode icecast source: %w", err)
		}
		sources = []icecastSource{one}
	}
	if len(sources) == 0 {
		return &model.PlaybackSubmission{}, nil
	}

	src := sources[0]
	if mount != "" {
		for _, candidate := range sources {
			if strings.HasSuffix(candidate.ListenURL, mount) {
				src = candidate
				break
			}
		}
	}

	station := &model.StationMeta{
		Title:     src.ServerName,
		Listeners: src.Listeners,
		Bitrate:   src.Bitrate,
		StreamURL: src.ListenURL,
	}
	if src.Title == "" {
		return &model.PlaybackSubmission{Station: station}, nil
	}

	artist, title := src.Artist, src.Title
	// 大多数推流端把元数据写成 "Artist - Title"
	if artist == "" {
		if i := strings.Index(title, " - "); i > 0 {
			artist, title = strings.TrimSpace(title[:i]), strings.TrimSpace(title[i+3:])
		}
	}
	track := &model.Track{
		ID:     strings.ToLower(artist + "|" + title),
		Name:   title,
		Source: IcecastID,
	}
	if artist != "" {
		track.Artists = []string{artist}
	}
	return &model.PlaybackSubmission{Track: track, Station: station}, nil
}
