package websocket

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Server upgrades HTTP connections and attaches them to the hub
type Server struct {
	Hub      *Hub
	upgrader websocket.Upgrader
	log      *logrus.Logger
}

// NewServer creates a WebSocket server. Browser connections are accepted from
// allowedOrigins only; "*" allows any origin. Requests without an Origin
// header are always accepted.
func NewServer(allowedOrigins []string, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		Hub: NewHub(logger),
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimSpace(origin)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}

// Start starts the hub loop
func (s *Server) Start() {
	go s.Hub.Run()
	s.log.Info("WebSocket server started")
}

// Stop stops the hub and disconnects every client
func (s *Server) Stop() {
	s.Hub.Stop()
	s.log.Info("WebSocket server stopped")
}

// HandleEvents upgrades the connection to a pool event stream. Clients choose
// what they receive with subscribe requests.
func (s *Server) HandleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := NewClient(conn, s.Hub, generateClientID())
	if !enqueue(s.Hub, s.Hub.register, client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()

	s.log.WithField("client", client.ID).Debug("Event stream client connected")
}

// HandleStats returns WebSocket connection statistics
func (s *Server) HandleStats(c *gin.Context) {
	stats := s.Hub.GetStats()
	stats.LastUpdate = time.Now()
	c.JSON(http.StatusOK, stats)
}

func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// RegisterRoutes registers WebSocket routes with the Gin router
func (s *Server) RegisterRoutes(router *gin.Engine) {
	ws := router.Group("/ws")
	{
		ws.GET("/events", s.HandleEvents)
		ws.GET("/stats", s.HandleStats)
	}
}
