// Package eventsrv serves the engine's events to local clients over a
// WebSocket and accepts the few signals clients send back.
//
// Outbound, every event published on the bus is forwarded to every
// connected client as a JSON text message. Inbound, clients may send:
//
//	{"type":"visibility","visible":true}
//	{"type":"online","online":false}
//	{"type":"sync"}
//
// When the last client disconnects the engine is told it is visible again.
//
// The server also hosts the OAuth redirect target: /callback serves a page
// that posts the redirect URL (including its fragment) back to
// /callback/token.
package eventsrv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/mschirtzinger/diary/internal/events"
	"github.com/mschirtzinger/diary/internal/syncengine"
)

// DefaultAddr is the default listen address. Loopback only.
const DefaultAddr = "127.0.0.1:8765"

// Controller receives client signals (a *syncengine.Engine).
type Controller interface {
	RequestSync(ctx context.Context, trig syncengine.Trigger) syncengine.Result
	NotifyVisibility(visible bool)
	NotifyNetwork(online bool)
}

// RedirectFunc completes an authorization from the provider redirect URL.
type RedirectFunc func(ctx context.Context, rawURL string) error

// clientMessage is a message sent by a client.
type clientMessage struct {
	Type    string `json:"type"`
	Visible *bool  `json:"visible,omitempty"`
	Online  *bool  `json:"online,omitempty"`
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: DefaultAddr). Use "127.0.0.1:0" for a
	// random port.
	Addr string
	// Bus supplies outbound events. Required.
	Bus *events.Bus
	// Controller receives inbound signals. Optional.
	Controller Controller
	// OnRedirect handles /callback/token. Optional.
	OnRedirect RedirectFunc
	// Status, if set, is sent to each client on connect.
	Status func() any
	// Logger for server activity (default: stderr with an [events] prefix).
	Logger *log.Logger
}

// Server manages WebSocket connections and forwards bus events to them.
type Server struct {
	cfg      Config
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a server. Call Start to begin listening.
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[events] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		clients: make(map[*websocket.Conn]bool),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Start begins the HTTP server and the bus forwarding loop.
func (s *Server) Start() error {
	if s.cfg.Bus == nil {
		return errors.New("eventsrv: bus is required")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/callback", s.handleCallbackPage)
	mux.HandleFunc("/callback/token", s.handleCallbackToken)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ch, unsubscribe := s.cfg.Bus.Subscribe(100)
	s.wg.Add(1)
	go s.forwardLoop(ch, unsubscribe)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Event server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes all clients and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Event server stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) forwardLoop(ch <-chan events.Event, unsubscribe func()) {
	defer s.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Printf("Failed to marshal event: %v", err)
				continue
			}
			s.broadcast(data)
		}
	}
}

func (s *Server) broadcast(data []byte) {
	s.clientsMu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		clients = append(clients, conn)
	}
	s.clientsMu.RUnlock()

	for _, conn := range clients {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.logger.Printf("Failed to send to client: %v", err)
			s.removeClient(conn)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client connected (total: %d)", count)

	if s.cfg.Status != nil {
		welcome, err := json.Marshal(map[string]any{
			"type":      "status",
			"timestamp": time.Now(),
			"status":    s.cfg.Status(),
		})
		if err == nil {
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, welcome)
			cancel()
		}
	}

	s.wg.Add(1)
	go s.readLoop(conn)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer s.removeClient(conn)

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		s.handleMessage(data)
	}
}

func (s *Server) handleMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Printf("Ignoring malformed client message: %v", err)
		return
	}
	ctl := s.cfg.Controller
	if ctl == nil {
		return
	}

	switch msg.Type {
	case "visibility":
		if msg.Visible != nil {
			ctl.NotifyVisibility(*msg.Visible)
		}
	case "online":
		if msg.Online != nil {
			ctl.NotifyNetwork(*msg.Online)
		}
	case "sync":
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctl.RequestSync(s.ctx, syncengine.TriggerManual)
		}()
	default:
		s.logger.Printf("Ignoring unknown client message type %q", msg.Type)
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", count)

		// Nobody is left to report visibility, so a hidden state set by the
		// last client must not outlive it.
		if count == 0 && s.cfg.Controller != nil && s.ctx.Err() == nil {
			s.cfg.Controller.NotifyVisibility(true)
		}
		return
	}
	s.clientsMu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// callbackPage forwards the full redirect URL, fragment included, to the
// token endpoint. Browsers never send the fragment to the server.
const callbackPage = `<!DOCTYPE html>
<html>
<head><title>Diary authorization</title></head>
<body>
<p id="msg">Completing authorization...</p>
<script>
fetch("/callback/token", {method: "POST", body: window.location.href})
  .then(r => r.text().then(t => { document.getElementById("msg").textContent = t; }))
  .catch(e => { document.getElementById("msg").textContent = "Authorization failed: " + e; });
</script>
</body>
</html>`

func (s *Server) handleCallbackPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, callbackPage)
}

func (s *Server) handleCallbackToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.OnRedirect == nil {
		http.Error(w, "authorization is not handled by this server", http.StatusNotFound)
		return
	}
	if !sameOrigin(r) {
		s.logger.Printf("Rejected authorization callback from origin %q", r.Header.Get("Origin"))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<10))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}
	if err := s.cfg.OnRedirect(r.Context(), string(body)); err != nil {
		s.logger.Printf("Authorization callback failed: %v", err)
		http.Error(w, "Authorization failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	_, _ = io.WriteString(w, "Authorization complete. You can close this window.")
}

// sameOrigin reports whether r was sent by a page this server served. A
// browser always sets Origin on a cross-site POST; clients that send no
// Origin and no Sec-Fetch-Site are not browsers and are accepted.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		site := r.Header.Get("Sec-Fetch-Site")
		return site == "" || site == "same-origin"
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
