package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"roomcast/logger"
	"roomcast/model"
)

const NeteaseID = "netease"

// NeteaseClient 网易云音乐 API（NeteaseCloudMusicApi 代理）客户端
//
// 凭证的 AccessToken 是登录后拿到的 MUSIC_U cookie。
type NeteaseClient struct {
	baseURL    string
	httpClient *http.Client
	creds      *Credentials
}

// NewNeteaseClient 创建客户端
func NewNeteaseClient(baseURL string, creds *Credentials) *NeteaseClient {
	if baseURL == "" {
		baseURL = "http://localhost:3000"
	}
	return &NeteaseClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		creds:      creds,
	}
}

// NeteaseFactory 注册到 Registry 的工厂
func NeteaseFactory(baseURL string) MetadataFactory {
	return func(creds *Credentials) (MetadataSource, error) {
		return NewNeteaseClient(baseURL, creds), nil
	}
}

func (c *NeteaseClient) ID() string { return NeteaseID }

type neteaseSong struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Artists []struct {
		Name string `json:"name"`
	} `json:"artists"`
	Ar []struct {
		Name string `json:"name"`
	} `json:"ar"`
	Album struct {
		Name   string `json:"name"`
		PicURL string `json:"picUrl"`
	} `json:"album"`
	Al struct {
		Name   string `json:"name"`
		PicURL string `json:"picUrl"`
	} `json:"al"`
	Duration int `json:"duration"`
	Dt       int `json:"dt"`
}

// toTrack 搜索接口和详情接口的字段名不同（artists/ar, album/al, duration/dt）
func (s neteaseSong) toTrack() model.Track {
	t := model.Track{
		ID:         strconv.FormatInt(s.ID, 10),
		Name:       s.Name,
		Album:      s.Album.Name,
		ArtworkURL: s.Album.PicURL,
		DurationMs: s.Duration,
		Source:     NeteaseID,
	}
	for _, a := range s.Artists {
		t.Artists = append(t.Artists, a.Name)
	}
	for _, a := range s.Ar {
		t.Artists = append(t.Artists, a.Name)
	}
	if t.Album == "" {
		t.Album = s.Al.Name
	}
	if t.ArtworkURL == "" {
		t.ArtworkURL = s.Al.PicURL
	}
	if t.DurationMs == 0 {
		t.DurationMs = s.Dt
	}
	return t
}

func (c *NeteaseClient) get(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	// 设置cookie确保返回正常码率
	req.AddCookie(&http.Cookie{Name: "os", Value: "pc"})
	if c.creds != nil && c.creds.AccessToken != "" {
		req.AddCookie(&http.Cookie{Name: "MUSIC_U", Value: c.creds.AccessToken})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Unavailable(NeteaseID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Unavailable(NeteaseID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return ErrorFromStatus(NeteaseID, resp.StatusCode, fmt.Sprintf("%s returned %d", path, resp.StatusCode))
	}

	// 代理在 HTTP 200 里也可能带业务错误码
	var envelope struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Code != 0 && envelope.Code != http.StatusOK {
		return ErrorFromStatus(NeteaseID, envelope.Code, envelope.Msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

// Search 搜索歌曲
func (c *NeteaseClient) Search(ctx context.Context, query string, limit int) ([]model.Track, error) {
	if limit <= 0 {
		limit = 5
	}
	params := url.Values{}
	params.Set("keywords", query)
	params.Set("limit", strconv.Itoa(limit))

	var result struct {
		Result struct {
			Songs []neteaseSong `json:"songs"`
		} `json:"result"`
	}
	if err := c.get(ctx, "/search", params, &result); err != nil {
		logger.Warn("[Netease] 搜索失败", logger.String("query", query), logger.ErrorField(err))
		return nil, err
	}

	tracks := make([]model.Track, 0, len(result.Result.Songs))
	for _, s := range result.Result.Songs {
		tracks = append(tracks, s.toTrack())
	}
	logger.Debug("[Netease] 搜索完成", logger.String("query", query), logger.Int("count", len(tracks)))
	return tracks, nil
}

// FetchTrack 获取歌曲详情
func (c *NeteaseClient) FetchTrack(ctx context.Context, trackID string) (*model.Track, error) {
	var result struct {
		Songs []neteaseSong `json:"songs"`
	}
	if err := c.get(ctx, "/song/detail", url.Values{"ids": {trackID}}, &result); err != nil {
		return nil, err
	}
	if len(result.Songs) == 0 {
		return nil, &UpstreamError{Adapter: NeteaseID, Kind: KindNotFound, Status: http.StatusNotFound, Message: "未找到歌曲 " + trackID}
	}
	t := result.Songs[0].toTrack()
	return &t, nil
}

// CreatePlaylist 创建歌单并加入曲目，需要登录凭证
func (c *NeteaseClient) CreatePlaylist(ctx context.Context, name string, trackIDs []string) (string, error) {
	if c.creds == nil || c.creds.AccessToken == "" {
		return "", &UpstreamError{Adapter: NeteaseID, Kind: KindAuth, Status: http.StatusUnauthorized, Message: "login required"}
	}
	var created struct {
		ID       int64 `json:"id"`
		Playlist struct {
			ID int64 `json:"id"`
		} `json:"playlist"`
	}
	if err := c.get(ctx, "/playlist/create", url.Values{"name": {name}}, &created); err != nil {
		return "", err
	}
	pid := created.ID
	if pid == 0 {
		pid = created.Playlist.ID
	}
	playlistID := strconv.FormatInt(pid, 10)
	if len(trackIDs) == 0 {
		return playlistID, nil
	}
	params := url.Values{}
	params.Set("op", "add")
	params.Set("pid", playlistID)
	params.Set("tracks", strings.Join(trackIDs, ","))
	if err := c.get(ctx, "/playlist/tracks", params, nil); err != nil {
		return playlistID, err
	}
	return playlistID, nil
}

// AddToLibrary 喜欢歌曲
func (c *NeteaseClient) AddToLibrary(ctx context.Context, trackIDs []string) error {
	return c.setLiked(ctx, trackIDs, true)
}

// RemoveFromLibrary 取消喜欢
func (c *NeteaseClient) RemoveFromLibrary(ctx context.Context, trackIDs []string) error {
	return c.setLiked(ctx, trackIDs, false)
}

func (c *NeteaseClient) setLiked(ctx context.Context, trackIDs []string, like bool) error {
	for _, id := range trackIDs {
		params := url.Values{"id": {id}, "like": {strconv.FormatBool(like)}}
		if err := c.get(ctx, "/like", params, nil); err != nil {
			return err
		}
	}
	return nil
}

// CheckSaved 检查歌曲是否在“喜欢”列表中
func (c *NeteaseClient) CheckSaved(ctx context.Context, trackIDs []string) ([]bool, error) {
	if c.creds == nil || c.creds.UserID == "" {
		return nil, &UpstreamError{Adapter: NeteaseID, Kind: KindAuth, Status: http.StatusUnauthorized, Message: "login required"}
	}
	var result struct {
		IDs []int64 `json:"ids"`
	}
	if err := c.get(ctx, "/likelist", url.Values{"uid": {c.creds.UserID}}, &result); err != nil {
		return nil, err
	}
	liked := make(map[string]struct{}, len(result.IDs))
	for _, id := range result.IDs {
		liked[strconv.FormatInt(id, 10)] = struct{}{}
	}
	out := make([]bool, len(trackIDs))
	for i, id := range trackIDs {
		_, out[i] = liked[id]
	}
	return out, nil
}

// RefreshCredentials 刷新登录状态
func (c *NeteaseClient) RefreshCredentials(ctx context.Context, creds *Credentials) (*Credentials, error) {
	if creds == nil || (creds.AccessToken == "" && creds.RefreshToken == "") {
		return nil, &UpstreamError{Adapter: NeteaseID, Kind: KindAuth, Status: http.StatusUnauthorized, Message: "no credentials to refresh"}
	}
	token := creds.AccessToken
	if token == "" {
		token = creds.RefreshToken
	}
	withToken := NewNeteaseClient(c.baseURL, &Credentials{AccessToken: token})

	var result struct {
		Cookie string `json:"cookie"`
	}
	if err := withToken.get(ctx, "/login/refresh", nil, &result); err != nil {
		return nil, err
	}

	refreshed := *creds
	refreshed.AccessToken = token
	if v := musicU(result.Cookie); v != "" {
		refreshed.AccessToken = v
	}
	refreshed.ExpiresAt = time.Now().Add(30 * 24 * time.Hour)
	return &refreshed, nil
}

// musicU 从 Set-Cookie 串中提取 MUSIC_U
func musicU(cookie string) string {
	for _, part := range strings.Split(cookie, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "MUSIC_U=") {
			return strings.TrimPrefix(part, "MUSIC_U=")
		}
	}
	return ""
}
