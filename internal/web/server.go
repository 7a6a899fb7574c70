// Package web is the HTTP adapter: a dashboard, a JSON API over the task
// snapshot and control requests, a websocket event stream and Prometheus
// metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ilocn/warden/internal/logbuf"
	"github.com/ilocn/warden/internal/protocol"
	"github.com/ilocn/warden/internal/task"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// Controller is the part of a supervisor the adapter drives.
type Controller interface {
	Send(ctx context.Context, req protocol.Request) error
	Snapshot() []task.Record
	StuckThreshold() time.Duration
	Now() time.Time
}

// Tunables, variables so tests can shorten them.
var (
	sendTimeout     = 5 * time.Second
	pingInterval    = 20 * time.Second
	writeWait       = 5 * time.Second
	shutdownTimeout = 5 * time.Second
	clientBuffer    = 64
)

// taskJSON is one row of the dashboard table.
type taskJSON struct {
	task.Record
	Stuck bool `json:"stuck"`
}

// tasksJSON is the full payload of GET /api/tasks.
type tasksJSON struct {
	Tasks     []taskJSON     `json:"tasks"`
	Summary   map[string]int `json:"summary"`
	Total     int            `json:"total"`
	UpdatedAt int64          `json:"updated_at"`
}

// logJSON carries one log line on the websocket; it is not a status event.
type logJSON struct {
	Type string `json:"type"`
	Line string `json:"line"`
}

// rejectJSON answers a websocket message that was not a valid request.
type rejectJSON struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Server holds the adapter's dependencies and its gin engine.
type Server struct {
	ctl      Controller
	hub      *Hub
	lb       *logbuf.LogBuf
	engine   *gin.Engine
	upgrader websocket.Upgrader

	closeOnce sync.Once
	closing   chan struct{}
}

// New builds the routes. lb and gatherer may be nil; the logs endpoint then
// returns nothing and metrics come from the default registry.
func New(ctl Controller, hub *Hub, lb *logbuf.LogBuf, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		ctl:    ctl,
		hub:    hub,
		lb:     lb,
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The adapter binds to loopback by default and carries no
			// credentials.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		closing: make(chan struct{}),
	}

	engine.GET("/", s.handleIndex)
	api := engine.Group("/api")
	api.GET("/tasks", s.handleTasks)
	api.POST("/requests", s.handleRequest)
	api.GET("/logs", s.handleLogs)
	engine.GET("/ws", s.handleWS)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return s
}

// Handler exposes the routes, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve accepts connections on ln until ctx is cancelled, then shuts the
// HTTP server down and tells websocket clients to go away.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		s.closeOnce.Do(func() { close(s.closing) })
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("web shutdown failed", slog.Any("error", err))
		}
	}()

	slog.Info("web adapter listening", slog.String("addr", ln.Addr().String()))
	if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("took", time.Since(start)))
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(dashboardHTML))
}

// buildTasksJSON reads the snapshot and derives the stuck overlay.
func (s *Server) buildTasksJSON() tasksJSON {
	now := s.ctl.Now()
	threshold := s.ctl.StuckThreshold()
	records := s.ctl.Snapshot()

	out := tasksJSON{
		Tasks:     make([]taskJSON, 0, len(records)),
		Summary:   make(map[string]int),
		Total:     len(records),
		UpdatedAt: now.Unix(),
	}
	for _, r := range records {
		out.Tasks = append(out.Tasks, taskJSON{Record: r, Stuck: r.Stuck(now, threshold)})
		out.Summary[string(r.Status)]++
	}
	return out
}

func (s *Server) handleTasks(c *gin.Context) {
	c.Header("Cache-Control", "no-cache")
	c.JSON(http.StatusOK, s.buildTasksJSON())
}

// handleRequest accepts one wire-format request and queues it. The outcome
// arrives later as events.
func (s *Server) handleRequest(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req, err := protocol.UnmarshalRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), sendTimeout)
	defer cancel()
	if err := s.ctl.Send(ctx, req); err != nil {
		slog.Warn("request not delivered", slog.String("request", string(req.Kind())), slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": req.Kind()})
}

func (s *Server) handleLogs(c *gin.Context) {
	lines := []string{}
	if s.lb != nil {
		n, _ := strconv.Atoi(c.Query("tail"))
		lines = s.lb.Tail(n)
	}
	c.Header("Cache-Control", "no-cache")
	c.JSON(http.StatusOK, lines)
}

// handleWS streams every event (and log line) to the client and accepts
// wire-format requests from it. Only this goroutine writes to conn.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	var logs chan string
	if s.lb != nil {
		logs = s.lb.Subscribe()
		defer s.lb.Unsubscribe(logs)
	}

	id, events := s.hub.Subscribe(clientBuffer, false)
	defer s.hub.Unsubscribe(id)
	log := slog.With(slog.String("client", id))
	log.Debug("websocket client connected")
	defer log.Debug("websocket client gone")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	replies := make(chan []byte, 8)
	go s.readRequests(ctx, cancel, conn, replies, log)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		var msg []byte
		select {
		case ev, ok := <-events:
			if !ok {
				s.closeWS(conn, "supervisor stopped")
				return
			}
			if msg, err = protocol.MarshalEvent(ev); err != nil {
				log.Error("encode event", slog.Any("error", err))
				continue
			}
		case line, ok := <-logs:
			if !ok {
				logs = nil
				continue
			}
			msg, _ = json.Marshal(logJSON{Type: "log", Line: line})
		case msg = <-replies:
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		case <-s.closing:
			s.closeWS(conn, "server shutting down")
			return
		case <-ctx.Done():
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Debug("websocket write failed", slog.Any("error", err))
			return
		}
	}
}

// readRequests forwards client messages to the supervisor until the
// connection fails.
func (s *Server) readRequests(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, replies chan<- []byte, log *slog.Logger) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req, err := protocol.UnmarshalRequest(data)
		if err == nil {
			sctx, scancel := context.WithTimeout(ctx, sendTimeout)
			err = s.ctl.Send(sctx, req)
			scancel()
		}
		if err == nil {
			continue
		}
		log.Debug("websocket request rejected", slog.Any("error", err))
		msg, _ := json.Marshal(rejectJSON{Type: "rejected", Error: err.Error()})
		select {
		case replies <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) closeWS(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
