package model

// ExportSection 插件附加到导出里的命名段落，结构由插件自定
type ExportSection struct {
	Title    string `json:"title"`
	Markdown string `json:"markdown,omitempty"` // 人类可读渲染时使用
	Data     any    `json:"data,omitempty"`     // 结构化渲染时使用
}

// RoomExport 房间完整状态的只读投影
type RoomExport struct {
	Room        *PublicRoom              `json:"room"`
	Users       []User                   `json:"users"`
	UserHistory []User                   `json:"userHistory"`
	NowPlaying  *NowPlaying              `json:"nowPlaying,omitempty"`
	Playlist    []QueueItem              `json:"playlist"`
	Queue       []QueueItem              `json:"queue"`
	Messages    []ChatMessage            `json:"messages"`
	Reactions   RoomReactions            `json:"reactions"`
	Plugins     map[string]ExportSection `json:"plugins,omitempty"`
	ExportedAt  int64                    `json:"exportedAt"`
}

// RoomSnapshot 客户端断线重连后按时间戳增量拉取的数据
type RoomSnapshot struct {
	Room       *PublicRoom   `json:"room"`
	Users      []User        `json:"users"`
	Messages   []ChatMessage `json:"messages"`
	Playlist   []QueueItem   `json:"playlist"`
	Queue      []QueueItem   `json:"queue"`
	NowPlaying *NowPlaying   `json:"nowPlaying,omitempty"`
	Reactions  RoomReactions `json:"reactions"`
}
