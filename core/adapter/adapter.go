// Package adapter 外部集成：播放控制、元数据查询、媒体流接入
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"roomcast/model"
)

// Credentials 调用外部服务时使用的凭证
type Credentials struct {
	UserID       string
	Service      string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// QueueState 外部播放器的队列
type QueueState struct {
	NowPlaying *model.Track
	Tracks     []model.Track
}

// PlaybackController 控制外部播放器
type PlaybackController interface {
	ID() string
	Enqueue(ctx context.Context, track model.Track) error
	Skip(ctx context.Context) error
	Queue(ctx context.Context) (*QueueState, error)
}

// MetadataSource 曲目元数据
type MetadataSource interface {
	ID() string
	Search(ctx context.Context, query string, limit int) ([]model.Track, error)
	FetchTrack(ctx context.Context, trackID string) (*model.Track, error)
}

// MediaSource 广播流元数据接入
type MediaSource interface {
	ID() string
	NowPlaying(ctx context.Context, cfg map[string]string) (*model.PlaybackSubmission, error)
}

// ========== 可选能力 ==========

// PlaylistCreator 可以把曲目保存为外部歌单
type PlaylistCreator interface {
	CreatePlaylist(ctx context.Context, name string, trackIDs []string) (string, error)
}

// LibraryManager 可以管理用户的收藏
type LibraryManager interface {
	AddToLibrary(ctx context.Context, trackIDs []string) error
	RemoveFromLibrary(ctx context.Context, trackIDs []string) error
	CheckSaved(ctx context.Context, trackIDs []string) ([]bool, error)
}

// CredentialRefresher 可以刷新凭证
type CredentialRefresher interface {
	RefreshCredentials(ctx context.Context, creds *Credentials) (*Credentials, error)
}

// Capability 可选能力标识
type Capability string

const (
	CapCreatePlaylist     Capability = "createPlaylist"
	CapLibrary            Capability = "library"
	CapRefreshCredentials Capability = "refreshCredentials"
)

// Supports 调用时检查一次能力，缺失不是错误
func Supports(a any, c Capability) bool {
	if a == nil {
		return false
	}
	switch c {
	case CapCreatePlaylist:
		_, ok := a.(PlaylistCreator)
		return ok
	case CapLibrary:
		_, ok := a.(LibraryManager)
		return ok
	case CapRefreshCredentials:
		_, ok := a.(CredentialRefresher)
		return ok
	}
	return false
}

// ========== 错误 ==========

// ErrorKind 上游失败分类
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindRateLimit   ErrorKind = "rate_limit"
	KindUnavailable ErrorKind = "unavailable"
	KindNotFound    ErrorKind = "not_found"
)

// UpstreamError 外部调用失败
type UpstreamError struct {
	Adapter string
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Adapter, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Adapter, e.Kind, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Actionable 需要通知用户处理的错误（重新授权、稍后再试）
func (e *UpstreamError) Actionable() bool {
	return e.Kind == KindAuth || e.Kind == KindRateLimit
}

// AsUpstream 从错误链中取出 UpstreamError
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// ErrorFromStatus 按 HTTP 状态码分类
func ErrorFromStatus(adapterID string, status int, message string) *UpstreamError {
	kind := KindUnavailable
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status == http.StatusNotFound:
		kind = KindNotFound
	}
	return &UpstreamError{Adapter: adapterID, Kind: kind, Status: status, Message: message}
}

// Unavailable 网络层失败
func Unavailable(adapterID string, err error) *UpstreamError {
	return &UpstreamError{Adapter: adapterID, Kind: KindUnavailable, Message: "request failed", Err: err}
}
