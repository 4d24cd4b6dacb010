package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fanforge/socialcore/internal/domain"
)

// ProcessorConfig tunes the worker pool and retry policy.
type ProcessorConfig struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	// Lease is how long a claimed event stays invisible to other workers.
	Lease       time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int
}

// Processor drains the webhook queue: a dispatcher claims due events in
// batches and a fixed pool of workers applies their effects.
type Processor struct {
	events domain.EventRepository
	cfg    ProcessorConfig
}

func NewProcessor(events domain.EventRepository, cfg ProcessorConfig) *Processor {
	return &Processor{events: events, cfg: cfg}
}

// Run blocks until ctx is cancelled. In-flight events finish before it
// returns; unfinished claims are released when their lease passes.
func (p *Processor) Run(ctx context.Context) {
	work := make(chan *domain.WebhookEvent)

	var wg sync.WaitGroup
	for range p.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range work {
				p.process(ctx, ev)
			}
		}()
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	log.Info().Int("workers", p.cfg.Workers).Msg("webhook processor started")

	for {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			log.Info().Msg("webhook processor stopped")
			return
		case <-ticker.C:
		}

		batch, err := p.events.ClaimBatch(ctx, p.cfg.BatchSize, p.cfg.Lease)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("claiming webhook events failed")
			}
			continue
		}

		for _, ev := range batch {
			select {
			case work <- ev:
			case <-ctx.Done():
				// Unsent claims time out with the lease and get re-claimed.
				close(work)
				wg.Wait()
				return
			}
		}
	}
}

// process applies one event's effect. The effect and the processed mark commit
// in one transaction, so a crash in between cannot double-apply.
func (p *Processor) process(ctx context.Context, ev *domain.WebhookEvent) {
	effect, err := translate(ev)
	if err != nil {
		// Unparseable payloads never get better with retries.
		p.deadLetter(ctx, ev, err)
		return
	}

	if err := p.events.MarkProcessed(ctx, ev.ID, effect); err != nil {
		if ev.AttemptCount >= p.cfg.MaxAttempts {
			p.deadLetter(ctx, ev, err)
			return
		}

		next := time.Now().Add(p.backoff(ev.AttemptCount))
		if markErr := p.events.MarkFailed(ctx, ev.ID, next, err.Error()); markErr != nil {
			log.Error().Err(markErr).Str("event_id", ev.ID.String()).Msg("scheduling webhook retry failed")
		}

		log.Warn().
			Err(err).
			Str("event_id", ev.ID.String()).
			Int("attempt", ev.AttemptCount).
			Time("next_attempt_at", next).
			Msg("webhook event processing failed, will retry")
		return
	}

	log.Debug().
		Str("event_id", ev.ID.String()).
		Str("provider", string(ev.Provider)).
		Str("kind", ev.Kind).
		Str("effect", string(effect.Kind)).
		Msg("webhook event processed")
}

func (p *Processor) deadLetter(ctx context.Context, ev *domain.WebhookEvent, cause error) {
	if err := p.events.MarkDeadLettered(ctx, ev.ID, cause.Error()); err != nil {
		log.Error().Err(err).Str("event_id", ev.ID.String()).Msg("dead-lettering webhook event failed")
		return
	}

	log.Error().
		AnErr("cause", cause).
		Str("event_id", ev.ID.String()).
		Str("provider", string(ev.Provider)).
		Int("attempts", ev.AttemptCount).
		Msg("webhook event dead-lettered")
}

// backoff doubles per attempt from the base, capped.
func (p *Processor) backoff(attempt int) time.Duration {
	d := p.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.BackoffCap {
			return p.cfg.BackoffCap
		}
	}
	if d > p.cfg.BackoffCap {
		return p.cfg.BackoffCap
	}
	return d
}
