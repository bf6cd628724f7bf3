package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/relaykit/broker/internals/config"
	"github.com/relaykit/broker/internals/log"
	"github.com/relaykit/broker/internals/session"
	"github.com/relaykit/broker/internals/subscriber"
)

// GatewayHandler upgrades HTTP connections to the WebSocket session
// transport and hands each one to a session.Controller for its whole
// lifetime (spec.md §4.4).
type GatewayHandler struct {
	ctrl     *session.Controller
	cfg      *config.Config
	upgrader websocket.Upgrader
}

// NewGatewayHandler binds a gateway handler to the shared session controller.
func NewGatewayHandler(ctrl *session.Controller, cfg *config.Config) *GatewayHandler {
	return &GatewayHandler{
		ctrl: ctrl,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and blocks for the connection's lifetime;
// the caller's handler goroutine IS the session's read loop.
func (g *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("httpapi").Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	t := subscriber.NewWSTransport(conn, g.cfg.WriteTimeout)
	g.ctrl.Serve(t)
}
