package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"roomcast/core/app"
	"roomcast/core/auth"
	"roomcast/core/export"
	"roomcast/core/service"
	"roomcast/db"
	"roomcast/logger"
	"roomcast/model"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

type ctxKey int

const identityKey ctxKey = iota

// Server HTTP + WebSocket 入口
type Server struct {
	app      *app.App
	hub      *Hub
	gateway  *Gateway
	relay    *Relay
	secret   []byte
	upgrader websocket.Upgrader
}

// New 创建服务器
func New(a *app.App) *Server {
	hub := NewHub()
	return &Server{
		app:     a,
		hub:     hub,
		gateway: NewGateway(a.Services, hub),
		relay:   NewRelay(a.Redis, hub),
		secret:  []byte(a.Config.JWTSecret),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Hub 连接管理
func (s *Server) Hub() *Hub { return s.hub }

// Router 路由表
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	// 添加 CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWS)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/rooms", s.handleLobby).Methods(http.MethodGet)
	api.HandleFunc("/rooms", s.authed(s.handleCreateRoom)).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{id}", s.optionalAuth(s.handleGetRoom)).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{id}/export", s.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{id}/playback", s.authed(s.handleSubmitPlayback)).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{id}/playback/current", s.handleCurrentTrack).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{id}/queue/reconcile", s.authed(s.handleReconcile)).Methods(http.MethodPost)
	api.HandleFunc("/adapters", s.handleAdapters).Methods(http.MethodGet)
	return router
}

// Run 启动中继和 HTTP 服务，ctx 结束后优雅退出
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.app.Config.ServerAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	go func() {
		if err := s.relay.Run(relayCtx); err != nil {
			logger.Error("relay stopped", logger.ErrorField(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", logger.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.hub.CloseAll()
	return srv.Shutdown(shutdownCtx)
}

// ========== 身份 ==========

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func (s *Server) identify(r *http.Request) (auth.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		return auth.Identity{}, false
	}
	id, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return auth.Identity{}, false
	}
	return id, true
}

// authed 要求有效 token
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.identify(r)
		if !ok {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	}
}

// optionalAuth 有 token 时附带身份
func (s *Server) optionalAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if id, ok := s.identify(r); ok {
			r = r.WithContext(context.WithValue(r.Context(), identityKey, id))
		}
		next(w, r)
	}
}

func actorFrom(ctx context.Context) service.Actor {
	id, _ := ctx.Value(identityKey).(auth.Identity)
	return service.Actor{UserID: id.UserID, Username: id.Username}
}

// ========== 处理器 ==========

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("write response failed", logger.ErrorField(err))
	}
}

func writeResult(w http.ResponseWriter, res service.Result) {
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := db.CheckRedis(r.Context(), s.app.Redis); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "redis": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": s.hub.Count()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identify(r)
	if !ok {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", logger.ErrorField(err))
		return
	}
	actor := service.Actor{UserID: id.UserID, Username: id.Username, ConnectionID: uuid.NewString()}
	client := s.hub.NewClient(conn, actor)

	go client.WritePump()
	go func() {
		ctx := context.Background()
		client.ReadPump(ctx, s.gateway.HandleRaw)
		s.gateway.Disconnect(ctx, client)
		logger.Info("client disconnected", logger.User(actor.UserID), logger.String("connection", actor.ConnectionID))
	}()
}

func (s *Server) handleLobby(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Services.Room.Lobby(r.Context()))
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var in service.CreateRoomInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	writeResult(w, s.app.Services.Room.Create(r.Context(), actorFrom(r.Context()), in))
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room := s.app.Services.Room.GetFor(r.Context(), mux.Vars(r)["id"], actorFrom(r.Context()).UserID)
	if room == nil {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	exp, err := s.app.Exporter.Build(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, export.ErrRoomNotFound) {
			http.Error(w, "Room not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data, err := export.Render(exp, format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("archive") == "1" && s.app.Archive != nil {
		if key, err := s.app.Archive.Save(r.Context(), roomID, format.Ext(), format.ContentType(), data); err != nil {
			logger.Warn("export archive failed", logger.Room(roomID), logger.ErrorField(err))
		} else {
			w.Header().Set("X-Export-Key", key)
		}
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// requireRoomAdmin 任务接口只对房主开放
func (s *Server) requireRoomAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	roomID := mux.Vars(r)["id"]
	room := s.app.Services.Room.Get(r.Context(), roomID)
	if room == nil {
		http.Error(w, "Room not found", http.StatusNotFound)
		return "", false
	}
	if !model.IsRoomAdmin(room, actorFrom(r.Context()).UserID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return "", false
	}
	return roomID, true
}

func (s *Server) handleSubmitPlayback(w http.ResponseWriter, r *http.Request) {
	roomID, ok := s.requireRoomAdmin(w, r)
	if !ok {
		return
	}
	var sub model.PlaybackSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.app.Services.Playback.SubmitPlayback(r.Context(), roomID, &sub); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"trackId": s.app.Services.Playback.CurrentTrackID(r.Context(), roomID)})
}

func (s *Server) handleCurrentTrack(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"trackId": s.app.Services.Playback.CurrentTrackID(r.Context(), mux.Vars(r)["id"]),
	})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	roomID, ok := s.requireRoomAdmin(w, r)
	if !ok {
		return
	}
	var in struct {
		TrackIDs []string `json:"trackIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.app.Services.Playback.ReconcileQueue(r.Context(), roomID, in.TrackIDs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdapters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Adapters.IDs())
}
