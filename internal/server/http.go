package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/zot/basekit/internal/mutation"
	"github.com/zot/basekit/internal/protocol"
	"github.com/zot/basekit/internal/simhost"
)

// HTTPEndpoint routes HTTP requests: the websocket upgrade, the inspection
// API, the base browser page and metrics.
type HTTPEndpoint struct {
	host       *simhost.Host
	sessions   *SessionManager
	relay      *Relay
	wsEndpoint *WebSocketEndpoint
	metrics    *Metrics
	engine     *gin.Engine
}

// NewHTTPEndpoint creates the endpoint and its routes.
func NewHTTPEndpoint(host *simhost.Host, sessions *SessionManager, relay *Relay, wsEndpoint *WebSocketEndpoint, metrics *Metrics) *HTTPEndpoint {
	gin.SetMode(gin.ReleaseMode)
	h := &HTTPEndpoint{
		host:       host,
		sessions:   sessions,
		relay:      relay,
		wsEndpoint: wsEndpoint,
		metrics:    metrics,
		engine:     gin.New(),
	}
	h.engine.Use(gin.Recovery(), otelgin.Middleware("basekit"))
	h.setupRoutes()
	return h
}

func (h *HTTPEndpoint) setupRoutes() {
	h.engine.GET("/ws", h.handleWebSocket)
	h.engine.GET("/healthz", h.handleHealth)
	h.engine.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	h.engine.GET("/", h.handleBrowser)

	api := h.engine.Group("/api")
	api.GET("/base", h.handleBase)
	api.GET("/sessions", h.handleSessions)
	api.GET("/subscriptions/:key", h.handleSubscription)
	api.POST("/mutations", h.handleMutation)
}

// ServeHTTP implements http.Handler.
func (h *HTTPEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.engine.ServeHTTP(w, r)
}

func (h *HTTPEndpoint) handleWebSocket(c *gin.Context) {
	h.wsEndpoint.HandleWebSocket(c.Writer, c.Request)
}

func (h *HTTPEndpoint) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": h.sessions.Count()})
}

// handleBase returns the authoritative base, on-demand data included.
func (h *HTTPEndpoint) handleBase(c *gin.Context) {
	c.JSON(http.StatusOK, h.host.Snapshot())
}

func (h *HTTPEndpoint) handleSessions(c *gin.Context) {
	sessions := h.sessions.GetAllSessions()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, SessionInfo{
			ID:            sess.ID,
			RemoteAddr:    sess.RemoteAddr,
			ConnectedAt:   sess.ConnectedAt,
			Subscriptions: h.relay.Subscriptions(sess.ID),
		})
	}
	c.JSON(http.StatusOK, infos)
}

// handleSubscription reports the host's counters for one data key.
func (h *HTTPEndpoint) handleSubscription(c *gin.Context) {
	key := c.Param("key")
	c.JSON(http.StatusOK, gin.H{
		"key":          key,
		"subscribed":   h.host.IsSubscribed(key),
		"subscribes":   h.host.Subscribes(key),
		"unsubscribes": h.host.Unsubscribes(key),
		"holders":      h.relay.Holders(key),
	})
}

// handleMutation applies a mutation envelope as an external collaborator
// would. Connected sessions see the result as pushed changes.
func (h *HTTPEndpoint) handleMutation(c *gin.Context) {
	var env mutation.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		h.writeError(c, http.StatusBadRequest, err)
		return
	}
	m, err := mutation.Decode(&env)
	if err != nil {
		h.writeError(c, http.StatusBadRequest, err)
		return
	}
	if check := h.host.CheckPermissionsForMutation(m); !check.HasPermission {
		h.writeError(c, http.StatusForbidden, errors.New(check.ReasonDisplayString))
		return
	}
	if err := h.host.ApplyMutation(c.Request.Context(), m); err != nil {
		status := http.StatusInternalServerError
		var verr *mutation.ValidationError
		if errors.As(err, &verr) {
			status = http.StatusUnprocessableEntity
		}
		h.writeError(c, status, err)
		return
	}
	h.metrics.request(string(protocol.MsgApplyMutation)+":http", string(protocol.MsgResult))
	c.JSON(http.StatusOK, gin.H{"applied": env.Type})
}

func (h *HTTPEndpoint) writeError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, protocol.NewErrorMessage(err))
}
