// Package stream fans enriched flow records out to live WebSocket
// subscribers. The broadcaster keeps per-subscriber ticker filters; the
// hub owns the client sockets and their control protocol.
package stream

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quantfeed/optionsflow/internal/flow"
	"github.com/quantfeed/optionsflow/internal/metrics"
)

// AllTickers subscribes a handle to every underlying.
const AllTickers = "*"

// Sink receives published flow records for one subscriber.
type Sink interface {
	SendFlow(rec *flow.Record) error
}

type subscriber struct {
	sink    Sink
	tickers map[string]bool
}

// wants reports whether the subscriber's filter admits ticker. An empty
// filter admits everything.
func (s *subscriber) wants(ticker string) bool {
	if len(s.tickers) == 0 || s.tickers[AllTickers] {
		return true
	}
	return s.tickers[ticker]
}

// Broadcaster delivers flow records to registered sinks, filtered by each
// subscriber's ticker set. Delivery is fire-and-forget: a failing send is
// logged and counted but the subscriber stays registered until its
// transport closes it.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]*subscriber

	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *logrus.Logger, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		subs:    make(map[string]*subscriber),
		logger:  logger,
		metrics: m,
	}
}

// Subscribe registers sink and returns its handle.
func (b *Broadcaster) Subscribe(sink Sink) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs[id] = &subscriber{sink: sink, tickers: make(map[string]bool)}
	n := len(b.subs)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Subscribers.Set(float64(n))
	}
	return id
}

// Unsubscribe removes the handle and its filter. Unknown handles are a
// no-op.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	n := len(b.subs)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Subscribers.Set(float64(n))
	}
}

// SubscribeTicker adds ticker (or "*") to the handle's filter.
func (b *Broadcaster) SubscribeTicker(id, ticker string) {
	ticker = normalizeTicker(ticker)
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		sub.tickers[ticker] = true
	}
}

// UnsubscribeTicker removes ticker from the handle's filter. Removing a
// named ticker also clears a wildcard, otherwise the wildcard would keep
// delivering what the client just opted out of.
func (b *Broadcaster) UnsubscribeTicker(id, ticker string) {
	ticker = normalizeTicker(ticker)
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(sub.tickers, ticker)
		delete(sub.tickers, AllTickers)
	}
}

// Count returns the number of registered subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers rec to every subscriber whose filter admits its
// ticker. Sends run on the caller, outside the lock, against a cloned
// recipient list.
func (b *Broadcaster) Publish(rec *flow.Record) {
	b.mu.Lock()
	recipients := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.wants(rec.Ticker) {
			recipients = append(recipients, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range recipients {
		if err := sub.sink.SendFlow(rec); err != nil {
			if b.metrics != nil {
				b.metrics.BroadcastErrors.Inc()
			}
			b.logger.WithError(err).Debug("live send failed")
		}
	}
}

func normalizeTicker(t string) string {
	if t == AllTickers {
		return t
	}
	return strings.ToUpper(t)
}
