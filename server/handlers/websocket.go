package handlers

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/san-kum/posture-cv/server/processor"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// JobSocketHandler streams job state to a websocket client until the job
// finishes.
type JobSocketHandler struct {
	jobs     *processor.JobTracker
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

type ClientMessage struct {
	Type string `json:"type"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func NewJobSocketHandler(jobs *processor.JobTracker, allowedOrigins []string, logger *zap.Logger) *JobSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	wildcard := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")

	return &JobSocketHandler{
		jobs:   jobs,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return wildcard || origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// socket serializes writes; gorilla connections allow one writer at a time.
type socket struct {
	conn   *websocket.Conn
	mutex  sync.Mutex
	logger *zap.Logger
}

func (s *socket) send(messageType string, data any) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(ServerMessage{Type: messageType, Data: data}); err != nil {
		s.logger.Warn("Failed to send WebSocket message", zap.Error(err))
		return err
	}
	return nil
}

func (s *socket) ping() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *socket) close(code int, text string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

func (h *JobSocketHandler) HandleJobSocket(c *gin.Context) {
	jobID := c.Param("id")
	job, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, processor.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Job store unavailable"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("Job watcher connected",
		zap.String("job_id", jobID),
		zap.String("client_ip", c.ClientIP()))

	s := &socket{conn: conn, logger: h.logger}
	// The socket outlives the request deadline set by the timeout middleware.
	ctx := context.WithoutCancel(c.Request.Context())

	updates, stop := h.jobs.Watch(jobID)
	defer stop()

	// Re-read after subscribing so a change between the lookup and Watch is not lost.
	if latest, err := h.jobs.Get(ctx, jobID); err == nil {
		job = latest
	}

	if err := s.send("job", job); err != nil || job.Status.Terminal() {
		s.close(websocket.CloseNormalClosure, "job finished")
		return
	}

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	go h.readLoop(ctx, s, jobID, done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				h.sendFinal(ctx, s, jobID)
				return
			}
			if err := s.send("job", update); err != nil {
				return
			}
			if update.Status.Terminal() {
				s.close(websocket.CloseNormalClosure, "job finished")
				return
			}
		case <-ticker.C:
			if err := s.ping(); err != nil {
				h.logger.Warn("Failed to send ping", zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}

// sendFinal sends the stored state once the tracker stops publishing.
func (h *JobSocketHandler) sendFinal(ctx context.Context, s *socket, jobID string) {
	job, err := h.jobs.Get(ctx, jobID)
	if err != nil {
		s.send("error", gin.H{"message": "Job no longer available"})
	} else {
		s.send("job", job)
	}
	s.close(websocket.CloseNormalClosure, "job finished")
}

func (h *JobSocketHandler) readLoop(ctx context.Context, s *socket, jobID string, done chan struct{}) {
	defer close(done)

	for {
		var message ClientMessage
		if err := s.conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}

		switch message.Type {
		case "ping":
			s.send("pong", gin.H{"timestamp": time.Now().Unix()})
		case "cancel":
			if err := h.jobs.Cancel(ctx, jobID); err != nil {
				s.send("error", gin.H{"message": "Cancel failed"})
			}
		default:
			h.logger.Warn("Unknown message type received", zap.String("type", message.Type))
			s.send("error", gin.H{"message": "Unknown message type: " + message.Type})
		}
	}
}
