// Package server exposes the assistant to a browser UI over a websocket,
// plus plain HTTP endpoints for citations and feedback.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/types"
	"github.com/xhad/nexus/pkg/feedback"
)

// Message types on the websocket.
const (
	TypeQuery    = "query"
	TypeCancel   = "cancel"
	TypeFeedback = "feedback"
	TypeAccepted = "accepted"
	TypeAck      = "ack"
	TypeReject   = "rejected"
)

// Assistant is what the server needs from the answering core.
type Assistant interface {
	Ask(ctx context.Context, q models.Query) <-chan models.StreamEvent
	Resolve(ctx context.Context, chunkID string) (models.Chunk, error)
	Feedback(ctx context.Context, fb models.Feedback) error
}

// Message is the websocket frame in both directions. Server frames carry a
// stream event in Data; Type is the event kind.
type Message struct {
	Type    string         `json:"type"`
	Content string         `json:"content,omitempty"`
	QueryID string         `json:"query_id,omitempty"`
	History []models.Turn  `json:"history,omitempty"`
	Verdict models.Verdict `json:"verdict,omitempty"`
	Data    any            `json:"data,omitempty"`
}

type Config struct {
	Addr string
	// AllowedOrigins limits browser origins. Empty allows any.
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	Logger          *zap.Logger
}

type WSServer struct {
	config    Config
	assistant Assistant
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

func NewWSServer(config Config, assistant Assistant) (*WSServer, error) {
	if assistant == nil {
		return nil, errors.New("server: assistant is required")
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &WSServer{config: config, assistant: assistant, logger: logger}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

func (s *WSServer) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.config.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (s *WSServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /chunks/{id}", s.handleChunk)
	mux.HandleFunc("POST /feedback", s.handleFeedback)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *WSServer) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", zap.String("addr", s.config.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *WSServer) handleChunk(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	chunk, err := s.assistant.Resolve(r.Context(), id)
	switch {
	case errors.Is(err, types.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "chunk not found"})
	case err != nil:
		s.logger.Error("Chunk lookup failed", zap.String("chunk_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
	default:
		writeJSON(w, http.StatusOK, chunk)
	}
}

func (s *WSServer) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var fb models.Feedback
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&fb); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if err := s.assistant.Feedback(r.Context(), fb); err != nil {
		if errors.Is(err, feedback.ErrInvalid) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Error("Recording feedback failed", zap.String("query_id", fb.QueryID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not record feedback"})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// conn is one websocket client. Writes are serialised; at most one query
// runs at a time.
type conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	cancel   context.CancelFunc
	inFlight string
	done     chan struct{}
	answered map[string]exchange
}

// exchange is a finished question and the text streamed in reply, kept so
// feedback on it can be logged in full.
type exchange struct {
	query string
	reply string
}

// maxAnswered bounds the exchanges remembered per connection.
const maxAnswered = 16

func (s *WSServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	c := &conn{ws: ws, logger: s.logger.With(zap.String("remote", r.RemoteAddr))}
	defer func() {
		c.cancelQuery()
		c.wait()
		ws.Close()
	}()

	ctx := r.Context()
	// Hijacked connections are not closed by Shutdown.
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("WebSocket read ended", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(Message{Type: TypeReject, Content: "Malformed message."})
			continue
		}

		switch msg.Type {
		case TypeQuery:
			s.startQuery(ctx, c, msg)
		case TypeCancel:
			c.cancelQuery()
		case TypeFeedback:
			fb := models.Feedback{QueryID: msg.QueryID, Verdict: msg.Verdict, Comment: msg.Content}
			if ex, ok := c.lookup(msg.QueryID); ok {
				fb.Query, fb.Response = ex.query, ex.reply
			}
			if err := s.assistant.Feedback(ctx, fb); err != nil {
				c.send(Message{Type: TypeReject, QueryID: msg.QueryID, Content: "Feedback was not recorded."})
				continue
			}
			c.send(Message{Type: TypeAck, QueryID: msg.QueryID})
		default:
			c.send(Message{Type: TypeReject, Content: "Unknown message type."})
		}
	}
}

func (s *WSServer) startQuery(ctx context.Context, c *conn, msg Message) {
	c.mu.Lock()
	if c.inFlight != "" {
		id := c.inFlight
		c.mu.Unlock()
		c.send(Message{Type: TypeReject, QueryID: id, Content: "A question is already being answered."})
		return
	}
	q := models.NewQuery(msg.Content, msg.History)
	qctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.inFlight = q.ID
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.send(Message{Type: TypeAccepted, QueryID: q.ID})

	go func() {
		defer close(done)
		defer cancel()
		var reply strings.Builder
		for ev := range s.assistant.Ask(qctx, q) {
			if ev.Kind == models.EventToken {
				reply.WriteString(ev.Text)
			}
			if ev.Terminal() {
				c.remember(q.ID, exchange{query: q.RawText, reply: reply.String()})
				c.release(q.ID)
			}
			content := ev.Text
			if content == "" {
				content = ev.Message
			}
			c.send(Message{Type: string(ev.Kind), Content: content, QueryID: q.ID, Data: ev})
		}
		c.release(q.ID)
	}()
}

// release frees the connection for the next query once id has ended.
func (c *conn) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight == id {
		c.inFlight = ""
		c.cancel = nil
	}
}

func (c *conn) remember(id string, ex exchange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answered == nil {
		c.answered = make(map[string]exchange)
	}
	if len(c.answered) >= maxAnswered {
		for k := range c.answered {
			delete(c.answered, k)
			break
		}
	}
	c.answered[id] = ex
}

func (c *conn) lookup(id string) (exchange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ex, ok := c.answered[id]
	return ex, ok
}

func (c *conn) cancelQuery() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *conn) wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *conn) send(msg Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(msg); err != nil {
		c.logger.Debug("WebSocket write failed", zap.String("type", msg.Type), zap.Error(err))
	}
}
