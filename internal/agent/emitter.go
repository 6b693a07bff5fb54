package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/dbvault/internal/journal"
	"github.com/edvin/dbvault/internal/outbox"
	"github.com/edvin/dbvault/internal/protocol"
)

// Sender writes frames to the control plane.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// Emitter sends job events. Started and progress events are best effort and
// dropped while offline. Terminal events go through the outbox and are
// delivered in order once a session is available.
type Emitter struct {
	sender Sender
	queue  *outbox.Queue
	logger zerolog.Logger
}

func NewEmitter(sender Sender, logger zerolog.Logger) *Emitter {
	return &Emitter{
		sender: sender,
		queue:  outbox.New(func(depth int) { outboxDepth.Set(float64(depth)) }),
		logger: logger.With().Str("component", "emitter").Logger(),
	}
}

// Direct sends an event once. Failures are logged at debug level.
func (e *Emitter) Direct(ctx context.Context, eventType string, payload any) {
	env, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		e.logger.Error().Err(err).Str("event", eventType).Msg("failed to encode event")
		return
	}
	if err := e.sender.Send(ctx, env); err != nil {
		e.logger.Debug().Err(err).Str("event", eventType).Msg("dropped event")
	}
}

// Terminal queues a terminal event and tries to deliver the queue.
func (e *Emitter) Terminal(ctx context.Context, eventType string, payload any) {
	e.queue.Enqueue(eventType, payload)
	e.Flush(ctx)
}

// Flush delivers queued events in order until one fails.
func (e *Emitter) Flush(ctx context.Context) {
	sent, err := e.queue.Flush(ctx, e.send)
	if sent > 0 {
		e.logger.Debug().Int("sent", sent).Msg("delivered queued events")
	}
	if err != nil {
		lvl := e.logger.Warn()
		if errors.Is(err, ErrNotConnected) {
			lvl = e.logger.Debug()
		}
		lvl.Err(err).Int("pending", e.queue.Len()).Msg("queued events not delivered")
	}
}

// Pending returns the number of undelivered terminal events.
func (e *Emitter) Pending() int { return e.queue.Len() }

func (e *Emitter) send(ctx context.Context, item outbox.Item) error {
	env, err := protocol.NewEnvelope(item.Type, item.Payload)
	if err != nil {
		// An unencodable payload would block the queue forever.
		e.logger.Error().Err(err).Str("event", item.Type).Msg("discarding unencodable event")
		return nil
	}
	return e.sender.Send(ctx, env)
}

// Leftovers is the part of the journal the interrupted-job report needs.
type Leftovers interface {
	Leftovers() []journal.Record
	ForgetLeftover(jobID string) error
}

// InterruptedReporter turns the jobs a previous process left in the journal
// into backup:failed events. It reports at most once per process.
type InterruptedReporter struct {
	journal Leftovers
	emitter *Emitter
	logger  zerolog.Logger
	now     func() time.Time
	once    sync.Once
}

func NewInterruptedReporter(j Leftovers, emitter *Emitter, logger zerolog.Logger) *InterruptedReporter {
	return &InterruptedReporter{
		journal: j,
		emitter: emitter,
		logger:  logger.With().Str("component", "journal").Logger(),
		now:     time.Now,
	}
}

// Report queues one failure per leftover job. A record leaves the journal
// only once its failure was delivered, so a crash before delivery reports
// it again on the next start. Later calls do nothing.
func (r *InterruptedReporter) Report(ctx context.Context) {
	r.once.Do(func() {
		leftovers := r.journal.Leftovers()
		if len(leftovers) == 0 {
			return
		}
		now := r.now()
		for _, rec := range leftovers {
			minutes := int(rec.Elapsed(now).Minutes())
			r.logger.Warn().
				Str("job_id", rec.JobID).
				Str("database", rec.DatabaseName).
				Int("minutes", minutes).
				Msg("backup was interrupted by an agent stop")
			jobID := rec.JobID
			r.emitter.queue.EnqueueFunc(protocol.BackupFailed, protocol.FailedData{
				JobID:     jobID,
				Error:     fmt.Sprintf("Backup interrupted: agent stopped after %d minutes", minutes),
				Timestamp: now.UTC(),
			}, func() {
				if err := r.journal.ForgetLeftover(jobID); err != nil {
					r.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to remove interrupted job from journal")
				}
			})
		}
		r.emitter.Flush(ctx)
	})
}
