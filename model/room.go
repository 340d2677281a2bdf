package model

// RoomType 房间类型
type RoomType string

const (
	RoomTypeJukebox RoomType = "jukebox" // 点歌模式：房主账号控制外部播放器
	RoomTypeRadio   RoomType = "radio"   // 电台模式：跟随外部广播流的元数据
)

// Room 房间，所有房间级数据都以 room:{id}: 为前缀
//
// Password 保存的是 bcrypt 哈希，只会出现在完整投影里；
// 对非房主的读取一律使用 Sanitized()。
type Room struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Type      RoomType `json:"type"`
	CreatorID string   `json:"creator"`
	Password  string   `json:"password,omitempty"`

	// 功能开关
	FetchMeta               bool `json:"fetchMeta"`
	AnnounceNowPlaying      bool `json:"announceNowPlaying"`
	AnnounceUsernameChanges bool `json:"announceUsernameChanges"`
	DeputizeOnJoin          bool `json:"deputizeOnJoin"`
	ShowQueueCount          bool `json:"showQueueCount"`
	ShowQueueTracks         bool `json:"showQueueTracks"`
	Persistent              bool `json:"persistent"`

	ExtraInfo  string `json:"extraInfo,omitempty"`
	ArtworkURL string `json:"artwork,omitempty"`

	// 适配器绑定
	PlaybackControllerID string            `json:"playbackControllerId,omitempty"`
	MetadataSourceID     string            `json:"metadataSourceId,omitempty"`
	MediaSourceID        string            `json:"mediaSourceId,omitempty"`
	MediaSourceConfig    map[string]string `json:"mediaSourceConfig,omitempty"`

	LastMetadataError string `json:"lastMetadataError,omitempty"`
	LastMediaError    string `json:"lastMediaError,omitempty"`

	CreatedAt int64 `json:"createdAt"` // 毫秒时间戳
}

// PublicRoom 对非房主可见的房间投影
type PublicRoom struct {
	Room
	PasswordProtected bool `json:"passwordProtected"`
}

// HasPassword 是否设置了密码
func (r *Room) HasPassword() bool {
	return r != nil && r.Password != ""
}

// IsRoomAdmin 房间管理员判定：唯一的授权谓词，只看房主身份
//
// 连接/会话是否过期不参与判断，过期会话由连接层拒绝，到不了这里。
func IsRoomAdmin(room *Room, userID string) bool {
	return room != nil && userID != "" && room.CreatorID == userID
}

// Sanitized 返回去掉敏感字段的副本
func (r *Room) Sanitized() *PublicRoom {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Password = ""
	if r.MediaSourceConfig != nil {
		cp.MediaSourceConfig = make(map[string]string, len(r.MediaSourceConfig))
		for k, v := range r.MediaSourceConfig {
			cp.MediaSourceConfig[k] = v
		}
	}
	return &PublicRoom{Room: cp, PasswordProtected: r.HasPassword()}
}

// RoomSettingsPatch 房间设置更新请求，nil 字段表示不修改
type RoomSettingsPatch struct {
	Title                   *string           `json:"title,omitempty"`
	Password                *string           `json:"password,omitempty"` // 明文，空字符串表示清除
	FetchMeta               *bool             `json:"fetchMeta,omitempty"`
	AnnounceNowPlaying      *bool             `json:"announceNowPlaying,omitempty"`
	AnnounceUsernameChanges *bool             `json:"announceUsernameChanges,omitempty"`
	DeputizeOnJoin          *bool             `json:"deputizeOnJoin,omitempty"`
	ShowQueueCount          *bool             `json:"showQueueCount,omitempty"`
	ShowQueueTracks         *bool             `json:"showQueueTracks,omitempty"`
	Persistent              *bool             `json:"persistent,omitempty"`
	ExtraInfo               *string           `json:"extraInfo,omitempty"`
	ArtworkURL              *string           `json:"artwork,omitempty"`
	PlaybackControllerID    *string           `json:"playbackControllerId,omitempty"`
	MetadataSourceID        *string           `json:"metadataSourceId,omitempty"`
	MediaSourceID           *string           `json:"mediaSourceId,omitempty"`
	MediaSourceConfig       map[string]string `json:"mediaSourceConfig,omitempty"`
	PluginConfigs           map[string]any    `json:"pluginConfigs,omitempty"`
}

// ApplyTo 把补丁应用到房间副本上（密码由调用方单独处理）
func (p *RoomSettingsPatch) ApplyTo(r *Room) {
	setString := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setString(&r.Title, p.Title)
	setBool(&r.FetchMeta, p.FetchMeta)
	setBool(&r.AnnounceNowPlaying, p.AnnounceNowPlaying)
	setBool(&r.AnnounceUsernameChanges, p.AnnounceUsernameChanges)
	setBool(&r.DeputizeOnJoin, p.DeputizeOnJoin)
	setBool(&r.ShowQueueCount, p.ShowQueueCount)
	setBool(&r.ShowQueueTracks, p.ShowQueueTracks)
	setBool(&r.Persistent, p.Persistent)
	setString(&r.ExtraInfo, p.ExtraInfo)
	setString(&r.ArtworkURL, p.ArtworkURL)
	setString(&r.PlaybackControllerID, p.PlaybackControllerID)
	setString(&r.MetadataSourceID, p.MetadataSourceID)
	setString(&r.MediaSourceID, p.MediaSourceID)
	if p.MediaSourceConfig != nil {
		r.MediaSourceConfig = p.MediaSourceConfig
	}
}

// JobState 后台任务在房间上的记账数据（room:{id}:jobs）
type JobState struct {
	LastRefreshedAt int64 `json:"lastRefreshedAt"`
	LastQueueSyncAt int64 `json:"lastQueueSyncAt"`
	EmptySince      int64 `json:"emptySince"`
	PollingPaused   bool  `json:"pollingPaused"`
}
