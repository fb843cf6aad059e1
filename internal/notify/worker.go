package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointments/internal/email"
	"github.com/hackgods/clinic-appointments/internal/metrics"
)

var errMissingEnvelope = errors.New("stream entry has no envelope")

type Sender interface {
	Send(ctx context.Context, m email.Message) error
}

// StreamClient is the consumer side of the Redis streams API.
type StreamClient interface {
	StreamAdder
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
}

type WorkerOptions struct {
	Stream     string
	Group      string
	Consumer   string
	Block      time.Duration
	Count      int64
	MaxRetries uint64
	RetryBase  time.Duration
	ClaimIdle  time.Duration // pending entries idle this long are taken over
}

func (o *WorkerOptions) defaults() {
	if o.Block <= 0 {
		o.Block = 5 * time.Second
	}
	if o.Count <= 0 {
		o.Count = 10
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 4
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.ClaimIdle <= 0 {
		o.ClaimIdle = time.Minute
	}
}

// Worker consumes the notification stream and mails each event. Entries are
// acked once every message went out; entries that cannot be delivered are
// copied to the dead letter stream and acked.
type Worker struct {
	rdb      StreamClient
	renderer *Renderer
	sender   Sender
	opts     WorkerOptions
	log      *zap.Logger
}

func NewWorker(rdb StreamClient, renderer *Renderer, sender Sender, opts WorkerOptions, log *zap.Logger) *Worker {
	opts.defaults()
	return &Worker{rdb: rdb, renderer: renderer, sender: sender, opts: opts, log: log}
}

func (w *Worker) deadStream() string { return w.opts.Stream + ":dead" }

func (w *Worker) Run(ctx context.Context) error {
	err := w.rdb.XGroupCreateMkStream(ctx, w.opts.Stream, w.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	w.log.Info("notify worker started",
		zap.String("stream", w.opts.Stream),
		zap.String("group", w.opts.Group),
		zap.String("consumer", w.opts.Consumer),
	)

	claim := time.NewTicker(w.opts.ClaimIdle)
	defer claim.Stop()

	w.reclaim(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}

		select {
		case <-claim.C:
			w.reclaim(ctx)
		default:
		}

		streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.opts.Group,
			Consumer: w.opts.Consumer,
			Streams:  []string{w.opts.Stream, ">"},
			Count:    w.opts.Count,
			Block:    w.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("read notification stream", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				w.process(ctx, msg)
			}
		}
	}
}

// reclaim takes over entries another consumer read but never acked.
func (w *Worker) reclaim(ctx context.Context) {
	start := "0-0"
	for {
		msgs, next, err := w.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   w.opts.Stream,
			Group:    w.opts.Group,
			Consumer: w.opts.Consumer,
			MinIdle:  w.opts.ClaimIdle,
			Start:    start,
			Count:    w.opts.Count,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				w.log.Warn("reclaim pending notifications", zap.Error(err))
			}
			return
		}

		for _, msg := range msgs {
			w.log.Info("reclaimed notification", zap.String("stream_id", msg.ID))
			w.process(ctx, msg)
		}

		if next == "0-0" || next == "" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

func (w *Worker) process(ctx context.Context, msg redis.XMessage) {
	env, err := decodeEnvelope(msg.Values)
	if err != nil {
		w.deadLetter(ctx, msg, "unknown", err)
		return
	}

	err = w.deliver(ctx, env)
	switch {
	case err == nil:
		metrics.Notifications.WithLabelValues(string(env.Type), "sent").Inc()
		w.ack(ctx, msg.ID)
	case ctx.Err() != nil:
		// left pending; the next run reclaims it
	default:
		w.deadLetter(ctx, msg, string(env.Type), err)
	}
}

func (w *Worker) deliver(ctx context.Context, env Envelope) error {
	msgs, err := w.renderer.Render(env)
	if err != nil {
		return err
	}

	for _, m := range msgs {
		backoff := retry.WithMaxRetries(w.opts.MaxRetries, retry.NewExponential(w.opts.RetryBase))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			err := w.sender.Send(ctx, m)
			if err == nil || permanent(err) {
				return err
			}
			metrics.Notifications.WithLabelValues(string(env.Type), "retry").Inc()
			w.log.Warn("send notification, retrying",
				zap.String("event_id", env.ID.String()),
				zap.Strings("to", m.To),
				zap.Error(err),
			)
			return retry.RetryableError(err)
		})

		var disabled email.ErrDisabled
		if errors.As(err, &disabled) {
			w.log.Debug("email disabled, notification dropped", zap.String("event_id", env.ID.String()))
			return nil
		}
		if err != nil {
			return fmt.Errorf("send to %s: %w", strings.Join(m.To, ","), err)
		}
	}

	w.log.Info("notification sent",
		zap.String("event_id", env.ID.String()),
		zap.String("type", string(env.Type)),
		zap.Int("messages", len(msgs)),
	)
	return nil
}

func permanent(err error) bool {
	var invalid email.ErrInvalidMessage
	var disabled email.ErrDisabled
	return errors.As(err, &invalid) || errors.As(err, &disabled)
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.rdb.XAck(ctx, w.opts.Stream, w.opts.Group, id).Err(); err != nil {
		w.log.Error("ack notification", zap.String("stream_id", id), zap.Error(err))
	}
}

func (w *Worker) deadLetter(ctx context.Context, msg redis.XMessage, eventType string, cause error) {
	metrics.Notifications.WithLabelValues(eventType, "dead").Inc()
	w.log.Error("notification moved to dead letter stream",
		zap.String("stream_id", msg.ID),
		zap.String("type", eventType),
		zap.Error(cause),
	)

	values := make(map[string]any, len(msg.Values)+2)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["source_id"] = msg.ID
	values["error"] = cause.Error()

	if err := w.rdb.XAdd(ctx, &redis.XAddArgs{Stream: w.deadStream(), Values: values}).Err(); err != nil {
		// keep it pending rather than lose it
		w.log.Error("write dead letter", zap.String("stream_id", msg.ID), zap.Error(err))
		return
	}
	w.ack(ctx, msg.ID)
}
