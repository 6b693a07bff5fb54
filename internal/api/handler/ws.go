package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	mw "github.com/edvin/dbvault/internal/api/middleware"
	"github.com/edvin/dbvault/internal/api/response"
	"github.com/edvin/dbvault/internal/core"
	"github.com/edvin/dbvault/internal/model"
	"github.com/edvin/dbvault/internal/protocol"
	"github.com/edvin/dbvault/internal/registry"
)

const (
	agentReadLimit    = 4 << 20
	observerReadLimit = 64 << 10
	wsWriteTimeout    = 10 * time.Second
)

// AgentLookup finds an agent by machine identity.
type AgentLookup interface {
	GetByAgentID(ctx context.Context, agentID string) (*model.Agent, error)
}

// AgentSessions receives the lifecycle and frames of agent connections.
type AgentSessions interface {
	Attach(sess registry.Session)
	Detach(sess registry.Session)
	HandleEvent(ctx context.Context, sess registry.Session, env protocol.Envelope) error
}

// ObserverSet tracks frontend connections per user.
type ObserverSet interface {
	Add(userID string, conn registry.Conn)
	Remove(userID string, conn registry.Conn)
}

type WSOptions struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	// AllowedOrigins are the frontend origins allowed to open observer
	// sockets, in the same form as the CORS configuration.
	AllowedOrigins []string
}

type WS struct {
	agents    AgentLookup
	sessions  AgentSessions
	observers ObserverSet
	opts      WSOptions
	origins   []string
	logger    zerolog.Logger
}

func NewWS(agents AgentLookup, sessions AgentSessions, observers ObserverSet, opts WSOptions, logger zerolog.Logger) *WS {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = opts.PingInterval
	}
	var origins []string
	for _, o := range opts.AllowedOrigins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			origins = append(origins, u.Host)
		}
	}
	return &WS{
		agents:    agents,
		sessions:  sessions,
		observers: observers,
		opts:      opts,
		origins:   origins,
		logger:    logger.With().Str("component", "ws").Logger(),
	}
}

// Serve upgrades an authenticated request. agentId selects an agent session,
// userId an observer session.
func (h *WS) Serve(w http.ResponseWriter, r *http.Request) {
	userID := mw.UserID(r.Context())
	q := r.URL.Query()

	switch {
	case q.Get("agentId") != "":
		h.serveAgent(w, r, userID, q.Get("agentId"))
	case q.Get("userId") != "":
		if q.Get("userId") != userID {
			response.WriteError(w, http.StatusForbidden, "user id does not match token")
			return
		}
		h.serveObserver(w, r, userID)
	default:
		response.WriteError(w, http.StatusBadRequest, "agentId or userId is required")
	}
}

func (h *WS) serveAgent(w http.ResponseWriter, r *http.Request, userID, agentID string) {
	agent, err := h.agents.GetByAgentID(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			response.WriteError(w, http.StatusNotFound, "agent not found")
			return
		}
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agent.UserID != userID {
		response.WriteError(w, http.StatusForbidden, "agent belongs to another user")
		return
	}
	if !agent.IsActive {
		response.WriteError(w, http.StatusForbidden, "agent is disabled")
		return
	}

	log := h.logger.With().Str("agent_id", agentID).Logger()
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer c.CloseNow()
	c.SetReadLimit(agentReadLimit)

	sess := registry.Session{AgentID: agent.AgentID, UserID: userID, Conn: &wsConn{c: c}}
	h.sessions.Attach(sess)
	defer h.sessions.Detach(sess)
	log.Info().Msg("agent connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.keepalive(ctx, c, log)

	h.readLoop(ctx, c, log, func(env protocol.Envelope) {
		if err := h.sessions.HandleEvent(ctx, sess, env); err != nil {
			log.Warn().Err(err).Str("event", env.Type).Msg("failed to handle agent event")
		}
	})
	log.Info().Msg("agent disconnected")
}

func (h *WS) serveObserver(w http.ResponseWriter, r *http.Request, userID string) {
	log := h.logger.With().Str("user_id", userID).Logger()
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer c.CloseNow()
	c.SetReadLimit(observerReadLimit)

	conn := &wsConn{c: c}
	h.observers.Add(userID, conn)
	defer h.observers.Remove(userID, conn)
	log.Debug().Msg("observer connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.keepalive(ctx, c, log)

	// Observers only listen. Anything they send is discarded.
	h.readLoop(ctx, c, log, func(protocol.Envelope) {})
	log.Debug().Msg("observer disconnected")
}

// readLoop reads frames until the connection fails. Frames that are not a
// JSON envelope are logged and skipped.
func (h *WS) readLoop(ctx context.Context, c *websocket.Conn, log zerolog.Logger, handle func(protocol.Envelope)) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				log.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			log.Warn().Int("bytes", len(data)).Msg("ignoring malformed frame")
			continue
		}
		handle(env)
	}
}

// keepalive pings the peer every PingInterval. A peer that does not answer
// within PingTimeout is disconnected.
func (h *WS) keepalive(ctx context.Context, c *websocket.Conn, log zerolog.Logger) {
	if h.opts.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, h.opts.PingTimeout)
			err := c.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("ping failed, closing connection")
					c.Close(websocket.StatusPolicyViolation, "ping timeout")
				}
				return
			}
		}
	}
}

// wsConn adapts a websocket connection to registry.Conn.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Send(ctx context.Context, env protocol.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, w.c, env)
}

// Close starts the close handshake without waiting for the peer.
func (w *wsConn) Close(reason string) error {
	go w.c.Close(websocket.StatusPolicyViolation, reason)
	return nil
}
