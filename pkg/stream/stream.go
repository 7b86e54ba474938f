package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/umbrix-io/umbrix/pkg/log"
	"github.com/umbrix-io/umbrix/pkg/types"
)

const (
	// NotificationStream is the stream the notification definition
	// subsystem appends resolved events to
	NotificationStream = "stream.notification"

	// dataField is the stream entry field carrying the JSON event
	dataField = "data"

	defaultBlock     = 2 * time.Second
	defaultBatchSize = 100
)

// PositionLive starts consumption at the stream tail: only events
// appended after the consumer starts are delivered
const PositionLive = "$"

// Handler processes one ordered batch of stream events. A returned
// error means the batch-shared catalogue could not be resolved; it is
// logged and surfaced on the processor's error channel but does not
// stop consumption. Per-event failures are the handler's own concern
type Handler func(ctx context.Context, events []types.StreamEvent) error

// Reader is the subset of the Redis client the processor needs
type Reader interface {
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
}

// Options configures a processor
type Options struct {
	Stream    string
	BatchSize int64
	Block     time.Duration
}

// Processor consumes the notification event stream and feeds decoded
// batches to a handler. A transport failure stops the processor and is
// reported on the error channel; the owning leadership cycle observes
// Running turning false and tears down
type Processor struct {
	reader   Reader
	name     string
	handler  Handler
	opts     Options
	running  atomic.Bool
	started  atomic.Bool
	cancel   context.CancelFunc
	doneWG   sync.WaitGroup
	errCh    chan error
	stopOnce sync.Once
}

// NewProcessor creates a stream processor. The consumer name is used
// for logging only: exclusivity across the cluster is the leadership
// lock's job, not the stream's
func NewProcessor(reader Reader, consumerName string, handler Handler, opts Options) *Processor {
	if opts.Stream == "" {
		opts.Stream = NotificationStream
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Block <= 0 {
		opts.Block = defaultBlock
	}
	return &Processor{
		reader:  reader,
		name:    consumerName,
		handler: handler,
		opts:    opts,
		errCh:   make(chan error, 8),
	}
}

// Start begins consuming from the given stream position ("$" for live)
func (p *Processor) Start(ctx context.Context, from string) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("processor already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running.Store(true)
	p.doneWG.Add(1)
	go p.run(runCtx, from)
	return nil
}

// Running reports whether the consumer loop is still alive
func (p *Processor) Running() bool {
	return p.running.Load()
}

// Errors exposes transport failures and handler-fatal conditions
func (p *Processor) Errors() <-chan error {
	return p.errCh
}

// Shutdown stops the consumer loop cooperatively and waits for it to
// exit. Safe to call more than once and before Start
func (p *Processor) Shutdown() error {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.doneWG.Wait()
		p.running.Store(false)
	})
	return nil
}

func (p *Processor) run(ctx context.Context, from string) {
	defer p.doneWG.Done()
	defer p.running.Store(false)

	logger := log.WithComponent("stream")
	logger.Info().Str("consumer", p.name).Str("stream", p.opts.Stream).Str("from", from).Msg("stream consumer started")

	lastID := from
	for {
		if ctx.Err() != nil {
			return
		}

		res, err := p.reader.XRead(ctx, &redis.XReadArgs{
			Streams: []string{p.opts.Stream, lastID},
			Count:   p.opts.BatchSize,
			Block:   p.opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // no events within the block window
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			logger.Error().Err(err).Msg("stream transport failure, stopping consumer")
			p.report(fmt.Errorf("stream transport failure: %w", err))
			return
		}

		for _, streamRes := range res {
			if len(streamRes.Messages) == 0 {
				continue
			}
			batch := make([]types.StreamEvent, 0, len(streamRes.Messages))
			for _, msg := range streamRes.Messages {
				lastID = msg.ID
				event, decodeErr := decodeMessage(msg)
				if decodeErr != nil {
					logger.Warn().Err(decodeErr).Str("message_id", msg.ID).Msg("skipping undecodable stream event")
					continue
				}
				batch = append(batch, event)
			}
			if len(batch) == 0 {
				continue
			}
			if handlerErr := p.handler(ctx, batch); handlerErr != nil {
				logger.Error().Err(handlerErr).Int("batch_size", len(batch)).Msg("batch handler failed")
				p.report(handlerErr)
			}
		}
	}
}

func (p *Processor) report(err error) {
	select {
	case p.errCh <- err:
	default:
		// Error channel full; the condition is already logged.
	}
}

func decodeMessage(msg redis.XMessage) (types.StreamEvent, error) {
	var event types.StreamEvent
	raw, ok := msg.Values[dataField]
	if !ok {
		return event, fmt.Errorf("stream entry %s has no %s field", msg.ID, dataField)
	}
	text, ok := raw.(string)
	if !ok {
		return event, fmt.Errorf("stream entry %s has a non-string %s field", msg.ID, dataField)
	}
	if err := json.Unmarshal([]byte(text), &event); err != nil {
		return event, fmt.Errorf("failed to decode stream event %s: %w", msg.ID, err)
	}
	return event, nil
}
