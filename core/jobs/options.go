package jobs

import "time"

// Options 任务阈值
type Options struct {
	RoomTTL              time.Duration // 房主离线且非持久化的房间过期时间
	IdleThreshold        time.Duration // 房间无人多久后暂停媒体轮询
	TokenRefreshMaxAge   time.Duration // 距离上次刷新超过该时间就刷新凭证
	QueueSyncMinInterval time.Duration // 队列对账的最小间隔

	// Now 时钟，测试时替换
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Options) nowMillis() int64 { return o.now().UnixMilli() }

// withDefaults 补齐未设置的阈值
func (o Options) withDefaults() Options {
	if o.RoomTTL <= 0 {
		o.RoomTTL = 24 * time.Hour
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = 10 * time.Minute
	}
	if o.TokenRefreshMaxAge <= 0 {
		o.TokenRefreshMaxAge = 30 * time.Minute
	}
	if o.QueueSyncMinInterval <= 0 {
		o.QueueSyncMinInterval = 30 * time.Second
	}
	return o
}
