package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/edvin/dbvault/internal/model"
	"github.com/edvin/dbvault/internal/protocol"
	"github.com/edvin/dbvault/internal/registry"
)

const statusUpdateTimeout = 10 * time.Second

var agentEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dbvault_agent_events_total",
		Help: "Events received from agents by type",
	},
	[]string{"type"},
)

// Attach registers an authenticated agent session and marks the agent
// online. The status write happens in the background; its failure is logged.
func (d *Dispatcher) Attach(sess registry.Session) {
	if prev := d.registry.Register(sess); prev != nil {
		d.logger.Info().Str("agent_id", sess.AgentID).Msg("superseded previous agent connection")
	}
	go d.setStatus(sess.AgentID, model.AgentOnline)
}

// Detach removes sess if it is still the agent's current session and marks
// the agent offline. A superseded session detaches without touching state.
func (d *Dispatcher) Detach(sess registry.Session) {
	if !d.registry.Release(sess.AgentID, sess.Conn) {
		return
	}
	go d.setStatus(sess.AgentID, model.AgentOffline)
}

func (d *Dispatcher) setStatus(agentID, status string) {
	ctx, cancel := context.WithTimeout(context.Background(), statusUpdateTimeout)
	defer cancel()
	if err := d.store.SetAgentStatus(ctx, agentID, status); err != nil {
		d.logger.Error().Err(err).Str("agent_id", agentID).Str("status", status).Msg("failed to update agent status")
	}
}

// HandleEvent processes one frame from an agent session. Terminal events are
// persisted before they are re-broadcast to the owner's observers. The
// returned error describes a malformed frame or a failed persistence write;
// the frame is still broadcast in the latter case.
func (d *Dispatcher) HandleEvent(ctx context.Context, sess registry.Session, env protocol.Envelope) error {
	agentEventsTotal.WithLabelValues(env.Type).Inc()
	log := d.logger.With().Str("agent_id", sess.AgentID).Str("event", env.Type).Logger()

	var err error
	switch env.Type {
	case protocol.Heartbeat:
		if terr := d.store.TouchAgent(ctx, sess.AgentID); terr != nil {
			log.Error().Err(terr).Msg("failed to record heartbeat")
		}
		ack, _ := protocol.NewEnvelope(protocol.HeartbeatAck, nil)
		return sess.Conn.Send(ctx, ack)

	case protocol.BackupStarted, protocol.BackupProgress,
		protocol.RestoreStarted, protocol.RestoreProgress,
		protocol.VerificationStarted, protocol.VerificationProgress:
		if env.Type == protocol.BackupStarted || env.Type == protocol.RestoreStarted || env.Type == protocol.VerificationStarted {
			log.Info().RawJSON("data", env.Data).Msg("job started on agent")
		}

	case protocol.BackupCompleted:
		var data protocol.BackupCompletedData
		if err = env.Decode(&data); err != nil {
			return err
		}
		err = d.store.CompleteBackup(ctx, data.JobID, data.HistoryID, model.BackupResult{
			FileName:          data.FileName,
			FilePath:          orDefault(data.StorageURL, data.FilePath),
			StorageKey:        orDefault(data.StorageKey, data.FileName),
			FileSize:          data.FileSize,
			ChecksumAlgorithm: data.ChecksumAlgorithm,
			ChecksumValue:     data.ChecksumValue,
			IsEncrypted:       data.IsEncrypted,
			DurationMS:        data.Duration,
		})
		log.Info().Str("job_id", data.JobID).Str("file", data.FileName).
			Str("size", humanize.Bytes(uint64(max(data.FileSize, 0)))).Msg("backup completed")

	case protocol.BackupFailed:
		var data protocol.FailedData
		if err = env.Decode(&data); err != nil {
			return err
		}
		err = d.store.FailBackup(ctx, data.JobID, data.HistoryID, failureMessage(data.Error))
		log.Warn().Str("job_id", data.JobID).Str("error", data.Error).Msg("backup failed")

	case protocol.RestoreCompleted:
		var data protocol.RestoreCompletedData
		if err = env.Decode(&data); err != nil {
			return err
		}
		err = d.store.FinishRestore(ctx, data.HistoryID, model.StatusSuccess, data.Duration, "")
		log.Info().Str("history_id", data.HistoryID).Msg("restore completed")

	case protocol.RestoreFailed:
		var data protocol.FailedData
		if err = env.Decode(&data); err != nil {
			return err
		}
		err = d.store.FinishRestore(ctx, data.HistoryID, model.StatusFailed, data.Duration, failureMessage(data.Error))
		log.Warn().Str("history_id", data.HistoryID).Str("error", data.Error).Msg("restore failed")

	case protocol.VerificationCompleted:
		var data protocol.VerificationCompletedData
		if err = env.Decode(&data); err != nil {
			return err
		}
		report := data.VerificationResult
		if report.BackupHistoryID == "" {
			report.BackupHistoryID = data.HistoryID
		}
		if report.OverallStatus == "" {
			report.OverallStatus = report.Aggregate()
		}
		err = d.store.SaveVerification(ctx, data.HistoryID, report)
		d.verifications.Resolve(data.HistoryID, report)
		log.Info().Str("history_id", data.HistoryID).Str("status", report.OverallStatus).Msg("verification completed")

	case protocol.VerificationFailed:
		var data protocol.FailedData
		if err = env.Decode(&data); err != nil {
			return err
		}
		msg := failureMessage(data.Error)
		err = d.store.FailVerification(ctx, data.HistoryID, msg)
		d.verifications.Reject(data.HistoryID, fmt.Errorf("%w: %s", ErrRequestFailed, msg))
		log.Warn().Str("history_id", data.HistoryID).Str("error", msg).Msg("verification failed")

	case protocol.DatabaseTestResult:
		var data protocol.DatabaseTestResultData
		if err := env.Decode(&data); err != nil {
			return err
		}
		if !d.tests.Resolve(data.RequestID, data) {
			log.Debug().Str("request_id", data.RequestID).Msg("database test result without a waiting request")
		}
		return nil

	default:
		log.Warn().Msg("unknown event from agent")
		return nil
	}

	if err != nil {
		err = fmt.Errorf("persist %s: %w", env.Type, err)
	}
	d.observers.Broadcast(ctx, sess.UserID, env)
	return err
}

func failureMessage(msg string) string {
	if msg == "" {
		return "Agent reported failure without a message"
	}
	return msg
}
