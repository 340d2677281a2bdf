package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"roomcast/core/events"
	"roomcast/core/service"
	"roomcast/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 16 * 1024
	sendBuffer     = 256
)

// Client 一个 WebSocket 连接；身份在握手时确定，之后随每个动作显式传给服务层
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	actor service.Actor

	mu     sync.RWMutex
	roomID string // 当前所在房间
	lobby  bool   // 是否订阅大厅
}

// Actor 连接身份
func (c *Client) Actor() service.Actor { return c.actor }

// RoomID 当前所在房间
func (c *Client) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

// Hub 本进程持有的连接，按客户端频道分组
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Client]bool
	clients  map[*Client]bool
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]map[*Client]bool),
		clients:  make(map[*Client]bool),
	}
}

// NewClient 接管连接
func (h *Hub) NewClient(conn *websocket.Conn, actor service.Actor) *Client {
	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), actor: actor}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	logger.Info("client connected", logger.User(actor.UserID), logger.String("connection", actor.ConnectionID))
	return c
}

// JoinRoom 把连接切换到房间频道，返回之前所在的房间
func (h *Hub) JoinRoom(c *Client, roomID string) string {
	c.mu.Lock()
	previous := c.roomID
	c.roomID = roomID
	c.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if previous != "" {
		h.detach(events.RoomChannel(previous), c)
	}
	h.attach(events.RoomChannel(roomID), c)
	return previous
}

// LeaveRoom 离开当前房间
func (h *Hub) LeaveRoom(c *Client) string {
	c.mu.Lock()
	previous := c.roomID
	c.roomID = ""
	c.mu.Unlock()

	if previous != "" {
		h.mu.Lock()
		h.detach(events.RoomChannel(previous), c)
		h.mu.Unlock()
	}
	return previous
}

// SetLobby 订阅/退订大厅
func (h *Hub) SetLobby(c *Client, on bool) {
	c.mu.Lock()
	c.lobby = on
	c.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if on {
		h.attach(events.LobbyChannel, c)
	} else {
		h.detach(events.LobbyChannel, c)
	}
}

func (h *Hub) attach(channel string, c *Client) {
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][c] = true
}

func (h *Hub) detach(channel string, c *Client) {
	if set, ok := h.channels[channel]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.channels, channel)
		}
	}
}

// Remove 注销连接并关闭发送通道
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	for channel := range h.channels {
		h.detach(channel, c)
	}
	close(c.send)
}

// Deliver 把频道消息投递给本进程内订阅了该频道的连接
func (h *Hub) Deliver(channel string, message []byte) {
	// 复制客户端列表以避免长时间持有锁
	h.mu.RLock()
	set := h.channels[channel]
	targets := make([]*Client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(message) {
			logger.Warn("send buffer full, dropping client", logger.User(c.actor.UserID), logger.String("channel", channel))
			go h.disconnect(c)
		}
	}
}

// ClientsInRoom 本进程内某个房间的连接
func (h *Hub) ClientsInRoom(roomID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.channels[events.RoomChannel(roomID)]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Count 本进程连接数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) disconnect(c *Client) {
	h.Remove(c)
	_ = c.conn.Close()
}

// CloseAll 关闭全部连接
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.disconnect(c)
	}
}

// enqueue 非阻塞写入发送队列；通道已关闭时返回 true（连接正在退出）
func (c *Client) enqueue(message []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = true
		}
	}()
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// SendJSON 直接发给这个连接
func (c *Client) SendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Warn("marshal client message failed", logger.ErrorField(err))
		return
	}
	c.enqueue(data)
}

// ReadPump 读取动作循环，退出时注销连接
func (c *Client) ReadPump(ctx context.Context, handle func(ctx context.Context, c *Client, raw []byte)) {
	defer func() {
		c.hub.Remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", logger.ErrorField(err), logger.User(c.actor.UserID))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		handle(ctx, c, message)
	}
}

// WritePump 写入循环，合并发送队列中的消息
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
