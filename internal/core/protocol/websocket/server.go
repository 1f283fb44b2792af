package websocket

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/zeusync/syncplant/internal/core/observability/log"
	"github.com/zeusync/syncplant/internal/core/protocol"
)

// AcceptFunc takes ownership of an upgraded connection. It runs on the HTTP
// handler goroutine and should return once the connection is done.
type AcceptFunc func(conn protocol.Conn)

// Handler upgrades HTTP requests to envelope connections.
type Handler struct {
	config   protocol.Config
	upgrader websocket.Upgrader
	accept   AcceptFunc
	logger   log.Log
}

// NewHandler builds the upgrade handler. A nil checkOrigin accepts every
// origin.
func NewHandler(config protocol.Config, accept AcceptFunc, checkOrigin func(r *http.Request) bool, logger log.Log) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		accept: accept,
		logger: log.OrNop(logger).Named("websocket"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			log.String("remote_addr", r.RemoteAddr),
			log.Error(err))
		return
	}
	h.accept(NewConnection(conn, h.config))
}

// Dial opens a client connection to url.
func Dial(ctx context.Context, url string, config protocol.Config) (*Connection, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewConnection(conn, config), nil
}
