// Package agent is the backup agent runtime: it registers the machine with
// the control plane, keeps a WebSocket session open and executes the backup,
// restore, verification and connection-test commands it receives.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/edvin/dbvault/internal/config"
	"github.com/edvin/dbvault/internal/connector"
	"github.com/edvin/dbvault/internal/journal"
	"github.com/edvin/dbvault/internal/pipeline"
	"github.com/edvin/dbvault/internal/protocol"
	"github.com/edvin/dbvault/internal/storage"
	"github.com/edvin/dbvault/internal/verify"
)

// Agent wires the runtime together.
type Agent struct {
	cfg      *config.Config
	identity *Identity
	api      *APIClient
	socket   *Socket
	emitter  *Emitter
	handler  *Handler
	reporter *InterruptedReporter
	logger   zerolog.Logger
}

// New builds an agent from cfg. It loads or creates the identity and opens
// the active-jobs journal but does not contact the control plane yet.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Agent, error) {
	tlsConfig, err := cfg.BackendTLS()
	if err != nil {
		return nil, err
	}
	id, err := LoadIdentity(cfg.AgentDataDir, DetectHost(ctx))
	if err != nil {
		return nil, fmt.Errorf("load agent identity: %w", err)
	}
	j, err := journal.Open(filepath.Join(cfg.AgentDataDir, journal.FileName))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	logger = logger.With().Str("agent_id", id.AgentID).Logger()
	a := &Agent{
		cfg:      cfg,
		identity: id,
		api:      NewAPIClient(cfg.BackendURL, cfg.AgentToken, tlsConfig, logger),
		logger:   logger.With().Str("component", "agent").Logger(),
	}

	a.socket = NewSocket(SocketOptions{
		URL:     cfg.BackendWSURL,
		Token:   cfg.AgentToken,
		AgentID: id.AgentID,
		// The dial shares the API transport but not its request timeout.
		HTTPClient:        &http.Client{Transport: a.api.HTTPClient().Transport},
		Heartbeat:         cfg.HeartbeatInterval,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectMaxDelay: cfg.ReconnectMaxDelay,
		OnConnect:         a.onConnect,
		OnMessage:         a.onMessage,
	}, logger)
	a.emitter = NewEmitter(a.socket, logger)
	a.reporter = NewInterruptedReporter(j, a.emitter, logger)

	runner := pipeline.NewRunner(cfg.BackupStoragePath, j, logger)
	if !cfg.StreamingBackups {
		runner.DisableStreaming()
	}
	a.handler = NewHandler(
		connector.NewFactory(logger),
		storage.Options{
			LocalDir: cfg.BackupStoragePath,
			Google: storage.GoogleCredentials{
				ClientID:     cfg.GoogleClientID,
				ClientSecret: cfg.GoogleClientSecret,
				RedirectURI:  cfg.GoogleRedirectURI,
			},
			Logger: logger,
		},
		runner,
		verify.New(cfg.BackupStoragePath, logger),
		a.emitter,
		logger,
	)
	return a, nil
}

// ID returns the agent's machine id.
func (a *Agent) ID() string { return a.identity.AgentID }

// Connected reports whether the control plane session is open.
func (a *Agent) Connected() bool { return a.socket.Connected() }

// Run registers the agent and serves the control plane until ctx is
// cancelled. Running jobs are cancelled with ctx; Run returns once they
// have stopped.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}

	go a.keepalive(ctx)
	err := a.socket.Run(ctx)

	a.logger.Info().Msg("waiting for running jobs to stop")
	a.handler.Wait()
	if n := a.emitter.Pending(); n > 0 {
		a.logger.Warn().Int("pending", n).Msg("undelivered events dropped on shutdown")
	}
	return err
}

func (a *Agent) register(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.ReconnectDelay
	b.MaxInterval = a.cfg.ReconnectMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	op := func() error {
		agent, err := a.api.Register(ctx, a.identity, a.cfg.AgentVersion)
		if errors.Is(err, ErrAgentConflict) {
			return backoff.Permanent(err)
		}
		if err != nil {
			a.logger.Warn().Err(err).Msg("registration failed, retrying")
			return err
		}
		a.logger.Info().
			Str("device_name", agent.DeviceName).
			Str("platform", agent.Platform).
			Msg("agent registered")
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	return nil
}

// keepalive refreshes last_seen over HTTP while the socket is down.
func (a *Agent) keepalive(ctx context.Context) {
	if a.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.socket.Connected() {
				continue
			}
			if err := a.api.Heartbeat(ctx, a.identity.AgentID); err != nil && ctx.Err() == nil {
				a.logger.Debug().Err(err).Msg("http heartbeat failed")
			}
		}
	}
}

func (a *Agent) onConnect(ctx context.Context) {
	a.reporter.Report(ctx)
	a.emitter.Flush(ctx)
}

func (a *Agent) onMessage(ctx context.Context, env protocol.Envelope) {
	a.handler.Handle(ctx, env)
}
