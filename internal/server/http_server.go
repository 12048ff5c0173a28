package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tantradev/kbot/internal/bot"
	"github.com/tantradev/kbot/internal/config"
	"github.com/tantradev/kbot/internal/engine"
	"github.com/tantradev/kbot/internal/game"
	"github.com/tantradev/kbot/internal/integration"
	"github.com/tantradev/kbot/internal/skill"
	"golang.ngrok.com/ngrok"
	ngrokcfg "golang.ngrok.com/ngrok/config"
)

// HttpServer is the diagnostics API: live status over websocket, JSON
// snapshots, and the remote-control endpoints.
type HttpServer struct {
	logger     *slog.Logger
	server     *http.Server
	supervisor *bot.Supervisor
	wsServer   *WebSocketServer
	tunnel     ngrok.Tunnel
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Client struct {
	conn *websocket.Conn
	send chan []byte
}

type WebSocketServer struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
}

func NewWebSocketServer() *WebSocketServer {
	return &WebSocketServer{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (s *WebSocketServer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range s.clients {
				close(client.send)
				delete(s.clients, client)
			}
			return
		case client := <-s.register:
			s.clients[client] = true
		case client := <-s.unregister:
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
			}
		case message := <-s.broadcast:
			for client := range s.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(s.clients, client)
				}
			}
		}
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}

	client := &Client{conn: conn, send: make(chan []byte, 256)}
	s.register <- client

	go s.writePump(client)
	go s.readPump(client)
}

func (s *WebSocketServer) writePump(client *Client) {
	defer client.conn.Close()

	for message := range client.send {
		w, err := client.conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return
		}
		w.Write(message)

		if err := w.Close(); err != nil {
			return
		}
	}

	client.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (s *WebSocketServer) readPump(client *Client) {
	defer func() {
		s.unregister <- client
		client.conn.Close()
	}()

	for {
		_, _, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket read error", "error", err)
			}
			break
		}
	}
}

func New(logger *slog.Logger, supervisor *bot.Supervisor) *HttpServer {
	return &HttpServer{
		logger:     logger,
		supervisor: supervisor,
	}
}

// broadcastStatus pushes a full status snapshot to every websocket client
// once per second.
func (s *HttpServer) broadcastStatus(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(s.supervisor.Status())
			if err != nil {
				s.logger.Error("Failed to marshal status data", slog.Any("error", err))
				continue
			}
			s.wsServer.broadcast <- data
		}
	}
}

func (s *HttpServer) Listen(ctx context.Context, port int) error {
	s.wsServer = NewWebSocketServer()
	go s.wsServer.Run(ctx)
	go s.broadcastStatus(ctx)

	http.HandleFunc("/", s.getStatus)
	http.HandleFunc("/ws", s.wsServer.HandleWebSocket)
	http.HandleFunc("/system", s.getSystem)
	http.HandleFunc("/skills", s.getSkills)
	http.HandleFunc("/history", s.getHistory)
	http.HandleFunc("/suggest", s.getSuggestion)
	http.HandleFunc("/execute", s.executeSkill)
	http.HandleFunc("/switch-class", s.switchClass)
	http.HandleFunc("/toggle-visual", s.toggleVisual)
	http.HandleFunc("/toggle-pause", s.togglePause)
	http.HandleFunc("/reload-config", s.reloadConfig)
	http.HandleFunc("/process-list", s.getProcessList)

	if config.Kbot.Server.Ngrok.Enabled {
		tun, err := ngrok.Listen(ctx,
			ngrokcfg.HTTPEndpoint(),
			ngrok.WithAuthtoken(config.Kbot.Server.Ngrok.AuthToken),
		)
		if err != nil {
			// The local server still serves, remote access is just degraded.
			s.logger.Error("Could not establish ngrok tunnel", slog.Any("error", err))
		} else {
			s.tunnel = tun
			s.logger.Info("Ngrok tunnel established", slog.String("url", tun.URL()))
			go func() {
				if err := http.Serve(tun, nil); err != nil && !errors.Is(err, net.ErrClosed) {
					s.logger.Error("Ngrok serve stopped", slog.Any("error", err))
				}
			}()
		}
	}

	s.server = &http.Server{
		Addr: fmt.Sprintf(":%d", port),
	}

	s.logger.Info("Diagnostics server listening", slog.Int("port", port))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *HttpServer) Stop() error {
	if s.tunnel != nil {
		s.tunnel.Close()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *HttpServer) getStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.supervisor.Status())
}

func (s *HttpServer) getSystem(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.supervisor.SystemInfo())
}

type SkillsResponse struct {
	Slots    []skill.SlotState         `json:"slots"`
	Statuses []integration.SkillStatus `json:"statuses"`
}

func (s *HttpServer) getSkills(w http.ResponseWriter, r *http.Request) {
	snap := s.supervisor.Status()
	statuses := make([]integration.SkillStatus, 0, len(snap.Slots))
	for _, slot := range snap.Slots {
		statuses = append(statuses, s.supervisor.SkillStatus(slot.SkillName))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SkillsResponse{Slots: snap.Slots, Statuses: statuses})
}

type HistoryResponse struct {
	History []engine.Record `json:"history"`
}

func (s *HttpServer) getHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HistoryResponse{History: s.supervisor.ExecutionHistory()})
}

type SuggestResponse struct {
	Skill     string `json:"skill,omitempty"`
	Available bool   `json:"available"`
}

func (s *HttpServer) getSuggestion(w http.ResponseWriter, r *http.Request) {
	name, ok := s.supervisor.SuggestSkill()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SuggestResponse{Skill: name, Available: ok})
}

type ExecuteResponse struct {
	Skill   string `json:"skill"`
	Outcome string `json:"outcome"`
}

func (s *HttpServer) executeSkill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	name := r.URL.Query().Get("skill")
	if name == "" {
		http.Error(w, "Skill name is required", http.StatusBadRequest)
		return
	}

	outcome, err := s.supervisor.ExecuteSkill(r.Context(), name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, skill.ErrSkillNotFound) || errors.Is(err, skill.ErrProfileNotLoaded) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ExecuteResponse{Skill: name, Outcome: outcome.String()})
}

func (s *HttpServer) switchClass(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("class")
	if id == "" {
		http.Error(w, "Class id is required", http.StatusBadRequest)
		return
	}

	if err := s.supervisor.SwitchClass(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, skill.ErrUnknownClass) || errors.Is(err, skill.ErrProfileNotLoaded) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

func (s *HttpServer) toggleVisual(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		http.Error(w, "enabled must be true or false", http.StatusBadRequest)
		return
	}

	s.supervisor.SetUseVisualSystem(enabled)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

func (s *HttpServer) togglePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	status := s.supervisor.TogglePause()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": string(status)})
}

func (s *HttpServer) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	if err := s.supervisor.ReloadConfig(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.logger.Info("Config reloaded")
	w.WriteHeader(http.StatusOK)
}

func (s *HttpServer) getProcessList(w http.ResponseWriter, r *http.Request) {
	processes, err := game.RunningProcesses("")
	if err != nil {
		http.Error(w, "Failed to get process list", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(processes)
}
