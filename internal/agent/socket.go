package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/edvin/dbvault/internal/protocol"
)

// ErrNotConnected is returned by Send while no session is open.
var ErrNotConnected = errors.New("not connected to control plane")

const (
	dialTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
	// readLimit bounds one incoming frame. Commands carry storage
	// credentials but never artifact data.
	readLimit = 1 << 20
)

// SocketOptions configures a Socket.
type SocketOptions struct {
	URL        string
	Token      string
	AgentID    string
	HTTPClient *http.Client

	Heartbeat         time.Duration
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration

	// OnConnect runs in its own goroutine after every successful dial. Its
	// context ends with the session.
	OnConnect func(ctx context.Context)
	// OnMessage is called for every received frame with the Run context, so
	// work it starts outlives the session.
	OnMessage func(ctx context.Context, env protocol.Envelope)
}

// Socket keeps one WebSocket session to the control plane open,
// reconnecting with exponential backoff when it drops.
type Socket struct {
	opts   SocketOptions
	logger zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewSocket(opts SocketOptions, logger zerolog.Logger) *Socket {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.ReconnectMaxDelay < opts.ReconnectDelay {
		opts.ReconnectMaxDelay = opts.ReconnectDelay
	}
	return &Socket{
		opts:   opts,
		logger: logger.With().Str("component", "socket").Logger(),
	}
}

// Run connects and serves sessions until ctx is cancelled. It never gives
// up on its own.
func (s *Socket) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ReconnectDelay
	b.MaxInterval = s.opts.ReconnectMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		err := s.session(ctx, b)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("control plane connection lost")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// Connected reports whether a session is open.
func (s *Socket) Connected() bool {
	return s.current() != nil
}

// Send writes one frame on the open session.
func (s *Socket) Send(ctx context.Context, env protocol.Envelope) error {
	conn := s.current()
	if conn == nil {
		return ErrNotConnected
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, env); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

func (s *Socket) session(ctx context.Context, b backoff.BackOff) error {
	target, err := s.dialURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.opts.Token)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPClient: s.opts.HTTPClient,
		HTTPHeader: header,
	})
	cancel()
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial control plane: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial control plane: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)
	b.Reset()

	sessCtx, stop := context.WithCancel(ctx)
	defer stop()

	s.setConn(conn)
	defer s.setConn(nil)
	s.logger.Info().Str("url", s.opts.URL).Msg("connected to control plane")

	go s.heartbeat(sessCtx)
	if s.opts.OnConnect != nil {
		go s.opts.OnConnect(sessCtx)
	}

	for {
		var env protocol.Envelope
		if err := wsjson.Read(sessCtx, conn, &env); err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "agent shutting down")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if s.opts.OnMessage != nil {
			s.opts.OnMessage(ctx, env)
		}
	}
}

func (s *Socket) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, _ := protocol.NewEnvelope(protocol.Heartbeat, nil)
			if err := s.Send(ctx, env); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("failed to send heartbeat")
			}
		}
	}
}

func (s *Socket) dialURL() (string, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	q.Set("agentId", s.opts.AgentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Socket) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Socket) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}
