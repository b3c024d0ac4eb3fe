package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/warmfleet/browserpool/pkg/models"
)

const dialTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Leases looks up session records for proxying.
type Leases interface {
	GetSession(id string) (*models.Session, error)
}

// Server proxies a client's websocket to the CDP endpoint of its leased
// browser, so DevTools and automation clients can attach through the
// gateway without learning upstream addresses.
type Server struct {
	leases Leases
	log    *zap.Logger
}

func NewServer(leases Leases, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{leases: leases, log: log}
}

// HandleDebugConnection upgrades the request and pumps frames between the
// client and the leased browser until either side drops.
func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.leases.GetSession(sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if sess.Status != models.StatusActive {
		http.Error(w, "session is not active", http.StatusConflict)
		return
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade debug connection",
			zap.String("sessionId", sessionID),
			zap.Error(err))
		return
	}
	defer clientConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	browserConn, _, err := websocket.DefaultDialer.DialContext(ctx, sess.ConnectURL, nil)
	if err != nil {
		s.log.Warn("dial browser",
			zap.String("sessionId", sessionID),
			zap.String("url", sess.ConnectURL),
			zap.Error(err))
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "browser unreachable")
		_ = clientConn.WriteMessage(websocket.CloseMessage, msg)
		return
	}
	defer browserConn.Close()

	s.log.Debug("debug client attached", zap.String("sessionId", sessionID))

	errChan := make(chan error, 2)
	go func() { errChan <- s.pump(clientConn, browserConn) }()
	go func() { errChan <- s.pump(browserConn, clientConn) }()

	// First broken direction ends the proxy; the deferred closes unstick
	// the other pump.
	err = <-errChan
	if err != nil && !errors.Is(err, io.EOF) && !websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		s.log.Debug("debug proxy ended",
			zap.String("sessionId", sessionID),
			zap.Error(err))
	}
}

func (s *Server) pump(src, dst *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}
