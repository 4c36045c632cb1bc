package live

import (
	"context"
	"log/slog"
	"time"

	"tradedesk/internal/broadcast"
	"tradedesk/internal/broker"
)

// InstrumentSource lists the instruments worth quoting.
type InstrumentSource interface {
	Instruments() []string
}

// PricePayload is the payload of a price_update.
type PricePayload struct {
	InstrumentID string    `json:"instrument_id"`
	Price        float64   `json:"price"`
	Time         time.Time `json:"time"`
}

// PricePublisher polls latest quotes for held instruments and publishes
// price_update messages, one per instrument per poll.
type PricePublisher struct {
	quotes   broker.QuoteSource
	source   InstrumentSource
	hub      *broadcast.Broadcaster
	interval time.Duration
	log      *slog.Logger

	seq  uint64
	last map[string]float64
}

// NewPricePublisher creates a PricePublisher polling every interval
// (15s when zero).
func NewPricePublisher(quotes broker.QuoteSource, source InstrumentSource, hub *broadcast.Broadcaster, interval time.Duration, log *slog.Logger) *PricePublisher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &PricePublisher{
		quotes:   quotes,
		source:   source,
		hub:      hub,
		interval: interval,
		log:      log.With("component", "prices"),
		last:     make(map[string]float64),
	}
}

// Run polls until ctx is done.
func (p *PricePublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.PublishOnce(ctx); err != nil {
			p.log.Warn("quote poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PublishOnce fetches quotes and publishes the ones whose price moved. It
// returns how many price_update messages were published. Not safe for
// concurrent use; Run calls it from one goroutine.
func (p *PricePublisher) PublishOnce(ctx context.Context) (int, error) {
	instruments := p.source.Instruments()
	if len(instruments) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	quotes, err := p.quotes.LatestQuotes(ctx, instruments)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, q := range quotes {
		if prev, ok := p.last[q.InstrumentID]; ok && prev == q.Price {
			continue
		}
		p.last[q.InstrumentID] = q.Price
		p.seq++
		p.hub.Publish(broadcast.Message{
			Type:      broadcast.TypePriceUpdate,
			SubjectID: q.InstrumentID,
			Sequence:  p.seq,
			Timestamp: q.Time,
			Payload:   PricePayload{InstrumentID: q.InstrumentID, Price: q.Price, Time: q.Time},
		})
		n++
	}
	return n, nil
}
