package api

import (
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// handleWS upgrades GET /ws and hands the connection to the
// ConnectionManager. An empty origin allowlist accepts any origin, which
// suits local development; deployments set allowed_ws_origins.
func (s *Server) handleWS(c *gin.Context) {
	opts := &websocket.AcceptOptions{}
	if len(s.cfg.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.AllowedWSOrigins
	} else {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	// Blocks until the client disconnects.
	s.conns.HandleConnection(c.Request.Context(), conn)
}
