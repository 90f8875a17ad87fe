// Package consumer implements the persistence consumer pool (C3): the
// asynchronous stage that drains the partitioned stream, writes the
// durable message row, fans the envelope out over the bus, and writes
// through to the replay cache. It writes no receipt rows. One worker pool
// runs per partition with a single goroutine of concurrency so that
// envelopes for a given conversation are always persisted in the order
// they were appended.
package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/alitto/pond"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/chat-transport/internal/bus"
	"github.com/tbourn/chat-transport/internal/domain"
	"github.com/tbourn/chat-transport/internal/repo"
	"github.com/tbourn/chat-transport/internal/replay"
	"github.com/tbourn/chat-transport/internal/stream"
)

// Pool drains every partition of a Stream, one ordered worker per
// partition, persisting and fanning out each envelope exactly once.
type Pool struct {
	Stream       *stream.Stream
	DB           *gorm.DB
	Bus          *bus.Bus
	Replay       *replay.Cache
	ConsumerName string
	BatchSize    int64
	ClaimEvery   time.Duration

	workers []*pond.WorkerPool
	cancel  context.CancelFunc
}

// New constructs a Pool with one single-concurrency worker pool per
// stream partition, so ordering within a conversation's partition is
// preserved even though partitions drain concurrently.
func New(strm *stream.Stream, db *gorm.DB, b *bus.Bus, rc *replay.Cache, consumerName string) *Pool {
	p := &Pool{
		Stream: strm, DB: db, Bus: b, Replay: rc,
		ConsumerName: consumerName,
		BatchSize:    32,
		ClaimEvery:   5 * time.Second,
	}
	p.workers = make([]*pond.WorkerPool, strm.Partitions())
	for i := range p.workers {
		p.workers[i] = pond.New(1, 1024)
	}
	return p
}

// Run starts one read loop and one stale-claim loop per partition,
// blocking until ctx is cancelled. Each loop submits processing work to
// its partition's single-concurrency worker pool to keep per-partition
// ordering while partitions themselves proceed in parallel.
func (p *Pool) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for partition := 0; partition < p.Stream.Partitions(); partition++ {
		partition := partition
		go p.readLoop(ctx, partition)
		go p.claimLoop(ctx, partition)
	}
	<-ctx.Done()
}

// Stop cancels all read/claim loops and waits for in-flight work in every
// partition's worker pool to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	for _, w := range p.workers {
		w.StopAndWait()
	}
}

func (p *Pool) readLoop(ctx context.Context, partition int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		entries, err := p.Stream.Read(ctx, partition, p.ConsumerName, p.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Int("partition", partition).Msg("consumer: read failed")
			time.Sleep(time.Second)
			continue
		}
		p.dispatch(ctx, partition, entries)
	}
}

func (p *Pool) claimLoop(ctx context.Context, partition int) {
	ticker := time.NewTicker(p.ClaimEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := p.Stream.ClaimStale(ctx, partition, p.ConsumerName, p.BatchSize)
			if err != nil {
				log.Error().Err(err).Int("partition", partition).Msg("consumer: claim stale failed")
				continue
			}
			p.dispatch(ctx, partition, entries)
		}
	}
}

func (p *Pool) dispatch(ctx context.Context, partition int, entries []stream.Entry) {
	pool := p.workers[partition]
	for _, e := range entries {
		e := e
		pool.Submit(func() {
			if err := p.process(ctx, e); err != nil {
				p.handleFailure(ctx, e, err)
			}
		})
	}
}

// process persists the envelope, writes through to the replay cache, and
// publishes a message.receive event for every instance subscribed to the
// conversation's subject. No receipt rows are written here; the replay
// write and the publish happen only when the message row was newly
// inserted.
func (p *Pool) process(ctx context.Context, e stream.Entry) error {
	env := e.Envelope
	msg := env.ToMessage()

	inserted, err := repo.InsertMessage(ctx, p.DB, &msg)
	if err != nil {
		return fmt.Errorf("consumer: persist message: %w", err)
	}

	if inserted {
		if err := repo.TouchActivity(ctx, p.DB, env.ConversationID, msg.CreatedAt); err != nil {
			log.Warn().Err(err).Str("conversation_id", env.ConversationID).Msg("consumer: touch activity failed")
		}
		if err := p.Replay.Store(ctx, env); err != nil {
			log.Warn().Err(err).Str("message_id", env.MessageID).Msg("consumer: replay store failed")
		}
		payload, merr := env.Marshal()
		if merr != nil {
			return fmt.Errorf("consumer: marshal envelope: %w", merr)
		}
		if err := p.Bus.Publish(ctx, bus.ConversationSubject(env.ConversationID), payload); err != nil {
			log.Warn().Err(err).Str("conversation_id", env.ConversationID).Msg("consumer: publish failed")
		}
	}

	if err := p.Stream.Ack(ctx, e.Partition, e.ID); err != nil {
		return fmt.Errorf("consumer: ack: %w", err)
	}
	return nil
}

// handleFailure retries a processing failure up to the stream's retry
// ceiling, dead-lettering once exhausted, per the redelivery contract
// RetryOrDeadLetter implements.
func (p *Pool) handleFailure(ctx context.Context, e stream.Entry, cause error) {
	deadLettered, err := p.Stream.RetryOrDeadLetter(ctx, e, cause)
	if err != nil {
		log.Error().Err(err).Str("entry_id", e.ID).Msg("consumer: retry/dead-letter bookkeeping failed")
		return
	}
	if deadLettered {
		log.Error().Err(cause).Str("message_id", e.Envelope.MessageID).
			Str("entry_id", e.ID).Msg("consumer: envelope dead-lettered after exhausting retries")
	}
}
