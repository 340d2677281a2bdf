package server

import (
	"context"
	"encoding/json"

	"roomcast/core/events"
	"roomcast/logger"

	"github.com/go-redis/redis/v8"
)

// Relay 订阅全部客户端频道，把其他进程（以及本进程）发布的消息投递给本进程的连接
type Relay struct {
	client *redis.Client
	hub    *Hub
}

// NewRelay 创建中继
func NewRelay(client *redis.Client, hub *Hub) *Relay {
	return &Relay{client: client, hub: hub}
}

// Run 阻塞直到 ctx 结束
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, events.ClientChannelPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	logger.Info("relay subscribed", logger.String("pattern", events.ClientChannelPattern))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (r *Relay) handle(channel string, payload []byte) {
	r.hub.Deliver(channel, payload)

	// 被踢出的用户在本进程上的连接同时退出房间频道
	roomID, isRoom := events.RoomIDFromChannel(channel)
	if !isRoom {
		return
	}
	var env struct {
		Type string `json:"type"`
		Data struct {
			User *struct {
				UserID string `json:"userId"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &env); err != nil || env.Type != events.WireName(events.UserKicked) || env.Data.User == nil {
		return
	}
	for _, c := range r.hub.ClientsInRoom(roomID) {
		if c.actor.UserID == env.Data.User.UserID {
			r.hub.LeaveRoom(c)
			logger.Info("kicked client removed from room", logger.Room(roomID), logger.User(c.actor.UserID))
		}
	}
}
