package feed

import (
	"context"
	"log"
	"time"
	"unicode/utf8"

	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/indexing"
	"github.com/goldfish-inc/oceanid/groundtruth-stager/internal/metrics"
)

// Submitter sends diagrams to the search index.
type Submitter interface {
	Submit(ctx context.Context, diagrams []indexing.Diagram) ([]indexing.FailedDocument, error)
}

// ProcessorConfig tunes the poll loop.
type ProcessorConfig struct {
	BatchSize    int
	PollInterval time.Duration
	LockTimeout  time.Duration
	MaxAttempts  int
}

// Processor drains the outbox into the index.
type Processor struct {
	store     Store
	submitter Submitter
	cfg       ProcessorConfig
}

// NewProcessor returns a Processor with defaults filled in.
func NewProcessor(store Store, submitter Submitter, cfg ProcessorConfig) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = indexing.MaxBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Minute
	}
	return &Processor{store: store, submitter: submitter, cfg: cfg}
}

// Run polls until ctx is done. Full batches are followed immediately by
// another claim; an empty claim waits for the next tick.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := p.ProcessOnce(ctx)
		if err != nil {
			log.Printf("Outbox: %v", err)
		}

		if n == 0 || err != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}
}

// ProcessOnce claims one batch and submits it. It returns the number of
// events claimed.
func (p *Processor) ProcessOnce(ctx context.Context) (int, error) {
	events, err := p.store.Claim(ctx, p.cfg.BatchSize, p.cfg.LockTimeout, p.cfg.MaxAttempts)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	diagrams := make([]indexing.Diagram, 0, len(events))
	for _, ev := range events {
		diagrams = append(diagrams, ev.Diagram)
	}

	failures, err := p.submitter.Submit(ctx, diagrams)
	if err != nil {
		log.Printf("Outbox: submit failed for %d events: %v", len(events), err)
		p.markFailed(ctx, events, err.Error())
		return len(events), nil
	}

	rejected := make(map[string]indexing.FailedDocument, len(failures))
	for _, f := range failures {
		rejected[f.ID] = f
	}

	var done []Event
	for _, ev := range events {
		f, ok := rejected[ev.Diagram.OriginURL]
		if !ok {
			done = append(done, ev)
			continue
		}
		log.Printf("Outbox: %v", f)
		p.markFailed(ctx, []Event{ev}, f.Error())
	}

	if len(done) > 0 {
		if err := p.store.MarkProcessed(ctx, eventIDs(done)); err != nil {
			log.Printf("Outbox: mark processed error: %v", err)
		} else {
			metrics.OutboxRecordsTotal.WithLabelValues("processed").Add(float64(len(done)))
			metrics.IndexDocumentsTotal.WithLabelValues("accepted").Add(float64(len(done)))
		}
	}

	return len(events), nil
}

func (p *Processor) markFailed(ctx context.Context, events []Event, cause string) {
	if err := p.store.MarkFailed(ctx, eventIDs(events), truncateError(cause, 512)); err != nil {
		log.Printf("Outbox: mark failed error: %v", err)
		return
	}
	metrics.OutboxRecordsTotal.WithLabelValues("failed").Add(float64(len(events)))
	metrics.IndexDocumentsTotal.WithLabelValues("rejected").Add(float64(len(events)))

	// Attempts was read before the claim incremented it.
	for _, ev := range events {
		if p.cfg.MaxAttempts > 0 && ev.Attempts+1 >= p.cfg.MaxAttempts {
			log.Printf("Outbox: record %d reached max attempts (%d), no further retries", ev.ID, p.cfg.MaxAttempts)
			metrics.OutboxRecordsTotal.WithLabelValues("exhausted").Inc()
		}
	}
}

// truncateError cuts msg to at most limit bytes without splitting a rune.
func truncateError(msg string, limit int) string {
	if len(msg) <= limit {
		return msg
	}
	for limit > 0 && !utf8.RuneStart(msg[limit]) {
		limit--
	}
	return msg[:limit]
}
