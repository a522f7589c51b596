package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/tradescout/relay/internal/metrics"
	"github.com/tradescout/relay/internal/telemetry/latency"
)

const (
	defaultQueueSize   = 4096
	defaultMaxAttempts = 5
	retryBackoffBase   = 200 * time.Millisecond
	retryBackoffCap    = 10 * time.Second
)

// JetStream is the slice of nats.JetStreamContext the publisher uses.
type JetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Connect dials NATS and declares the fills stream. A missing bus at startup
// is fatal by design; at runtime the publisher rides out outages via
// reconnects and its retry budget.
func Connect(url string) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ReconnectJitter(250*time.Millisecond, time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	if _, err := js.StreamInfo(StreamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     StreamName,
			Subjects: []string{SubjectFills},
			Storage:  nats.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("failed to declare stream %s: %w", StreamName, err)
		}
	}
	return nc, js, nil
}

// Publisher validates fill events and publishes them to the durable bus with
// bounded retry. Dispatch is asynchronous so the tracker pipeline never
// blocks on a bus outage.
type Publisher struct {
	js          JetStream
	reg         *metrics.Registry
	lat         *latency.Histogram
	queue       chan FillEvent
	maxAttempts int

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// PublisherOpts tunes queue depth and the retry budget. Zero values take
// defaults.
type PublisherOpts struct {
	QueueSize   int
	MaxAttempts int
}

// NewPublisher creates a publisher and starts its retry worker.
func NewPublisher(js JetStream, reg *metrics.Registry, lat *latency.Histogram, opts PublisherOpts) *Publisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	p := &Publisher{
		js:          js,
		reg:         reg,
		lat:         lat,
		queue:       make(chan FillEvent, opts.QueueSize),
		maxAttempts: opts.MaxAttempts,
		done:        make(chan struct{}),
	}
	p.wg.Add(1)
	go p.worker()
	return p
}

// Publish validates and enqueues one event. It never blocks: a full queue
// means the bus has been down longer than the buffer covers, and the event
// is dropped with a warning (I4: the failure is logged, never silent).
func (p *Publisher) Publish(evt FillEvent) error {
	if err := evt.Validate(); err != nil {
		p.reg.PublishRejected.Inc()
		log.Warn().Err(err).Str("fill_id", evt.FillID).Msg("Rejected fill event before publish")
		return fmt.Errorf("fill event validation failed: %w", err)
	}

	select {
	case p.queue <- evt:
		return nil
	default:
		p.reg.PublishDropped.Inc()
		log.Warn().Str("fill_id", evt.FillID).Msg("Publish queue full, dropping fill event")
		return fmt.Errorf("publish queue full")
	}
}

// QueueDepth reports the number of events awaiting publish.
func (p *Publisher) QueueDepth() int {
	return len(p.queue)
}

// Close stops intake and drains the queue, giving up at the deadline.
func (p *Publisher) Close(deadline time.Duration) {
	p.closeOnce.Do(func() {
		close(p.done)

		drained := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(deadline):
			log.Warn().Int("pending", len(p.queue)).Msg("Publisher drain deadline exceeded")
		}
	})
}

func (p *Publisher) worker() {
	defer p.wg.Done()
	for {
		select {
		case evt := <-p.queue:
			p.publishWithRetry(evt)
		case <-p.done:
			// Drain what is already queued, then exit.
			for {
				select {
				case evt := <-p.queue:
					p.publishWithRetry(evt)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publishWithRetry(evt FillEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		p.reg.PublishRejected.Inc()
		log.Error().Err(err).Str("fill_id", evt.FillID).Msg("Failed to marshal fill event")
		return
	}

	backoff := retryBackoffBase
	for attempt := 1; ; attempt++ {
		start := time.Now()
		_, err := p.js.Publish(SubjectFills, data)
		if err == nil {
			elapsed := time.Since(start)
			p.reg.PublishLatency.Observe(elapsed.Seconds())
			if p.lat != nil {
				p.lat.Record(elapsed)
			}
			return
		}

		if attempt >= p.maxAttempts {
			p.reg.PublishDropped.Inc()
			log.Warn().Err(err).Str("fill_id", evt.FillID).Int("attempts", attempt).
				Msg("Dropping fill event after exhausting publish retries")
			return
		}

		p.reg.PublishRetries.Inc()
		log.Debug().Err(err).Str("fill_id", evt.FillID).Int("attempt", attempt).
			Dur("backoff", backoff).Msg("Transient bus publish error, retrying")

		select {
		case <-time.After(backoff):
		case <-p.done:
			// Shutdown in progress: one last immediate try happens on the
			// next loop; the deadline in Close bounds the total time.
		}
		backoff *= 2
		if backoff > retryBackoffCap {
			backoff = retryBackoffCap
		}
	}
}
