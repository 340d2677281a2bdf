package model

// Track 曲目元数据，ID 为外部服务中的稳定标识
type Track struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Artists    []string `json:"artists,omitempty"`
	Album      string   `json:"album,omitempty"`
	DurationMs int      `json:"durationMs,omitempty"`
	ArtworkURL string   `json:"artwork,omitempty"`
	URL        string   `json:"url,omitempty"`
	Source     string   `json:"source,omitempty"`
}

// QueueItem 队列/播放记录条目
//
// queue 中按 Track.ID 唯一；playlist 以 PlayedAt 作为排序键。
type QueueItem struct {
	Track    Track    `json:"track"`
	AddedBy  *UserRef `json:"addedBy,omitempty"`
	AddedAt  int64    `json:"addedAt"`
	PlayedAt int64    `json:"playedAt,omitempty"`
}

// StationMeta 电台流元数据
type StationMeta struct {
	Title     string `json:"title"`
	Listeners int    `json:"listeners,omitempty"`
	Bitrate   int    `json:"bitrate,omitempty"`
	StreamURL string `json:"streamUrl,omitempty"`
}

// NowPlaying 房间当前播放投影（room:{id}:current）
type NowPlaying struct {
	Track      *Track       `json:"track,omitempty"`
	Title      string       `json:"title,omitempty"`
	Artist     string       `json:"artist,omitempty"`
	Album      string       `json:"album,omitempty"`
	ArtworkURL string       `json:"artwork,omitempty"`
	DJ         *UserRef     `json:"dj,omitempty"`
	Station    *StationMeta `json:"station,omitempty"`
	PlayedAt   int64        `json:"playedAt,omitempty"`
}

// TrackID 当前曲目 ID，停止播放时为空
func (n *NowPlaying) TrackID() string {
	if n == nil || n.Track == nil {
		return ""
	}
	return n.Track.ID
}

// PlaybackSubmission 适配器/任务提交的播放数据；Track 与 Station 都为空表示停止
type PlaybackSubmission struct {
	Track   *Track       `json:"track,omitempty"`
	Station *StationMeta `json:"station,omitempty"`
}
