package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointments/internal/metrics"
)

const (
	fieldEnvelope = "envelope"
	publishWait   = 2 * time.Second
)

// StreamAdder is the part of a Redis client the dispatcher writes through.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// StreamDispatcher queues events on a Redis stream for the notify worker.
type StreamDispatcher struct {
	rdb    StreamAdder
	stream string
	maxLen int64
	log    *zap.Logger
	now    func() time.Time
}

var _ Dispatcher = (*StreamDispatcher)(nil)

func NewStreamDispatcher(rdb StreamAdder, stream string, maxLen int64, log *zap.Logger) *StreamDispatcher {
	return &StreamDispatcher{rdb: rdb, stream: stream, maxLen: maxLen, log: log, now: time.Now}
}

func (d *StreamDispatcher) NotifyCreated(ctx context.Context, ev AppointmentEvent) {
	d.publish(ctx, Envelope{Type: EventAppointmentCreated, Appointment: &ev})
}

func (d *StreamDispatcher) NotifyCancelled(ctx context.Context, ev AppointmentEvent, byPrivileged bool) {
	d.publish(ctx, Envelope{Type: EventAppointmentCancelled, Appointment: &ev, CancelledByPrivileged: byPrivileged})
}

func (d *StreamDispatcher) NotifyPaymentCompleted(ctx context.Context, ev PaymentEvent) {
	d.publish(ctx, Envelope{Type: EventPaymentCompleted, Payment: &ev})
}

func (d *StreamDispatcher) publish(ctx context.Context, env Envelope) {
	env.ID = uuid.New()
	env.OccurredAt = d.now().UTC()

	body, err := json.Marshal(env)
	if err != nil {
		d.fail(env, err)
		return
	}

	// the request may already be finishing; the event should still go out
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishWait)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: d.stream,
		Values: map[string]any{
			"type":        string(env.Type),
			fieldEnvelope: body,
		},
	}
	if d.maxLen > 0 {
		args.MaxLen = d.maxLen
		args.Approx = true
	}

	id, err := d.rdb.XAdd(ctx, args).Result()
	if err != nil {
		d.fail(env, err)
		return
	}

	metrics.Notifications.WithLabelValues(string(env.Type), "queued").Inc()
	d.log.Debug("notification queued",
		zap.String("event_id", env.ID.String()),
		zap.String("type", string(env.Type)),
		zap.String("stream_id", id),
	)
}

func (d *StreamDispatcher) fail(env Envelope, err error) {
	metrics.Notifications.WithLabelValues(string(env.Type), "queue_failed").Inc()
	d.log.Error("notification not queued",
		zap.String("event_id", env.ID.String()),
		zap.String("type", string(env.Type)),
		zap.Error(err),
	)
}

// decodeEnvelope reads an envelope back from a stream entry.
func decodeEnvelope(values map[string]any) (Envelope, error) {
	var env Envelope
	raw, ok := values[fieldEnvelope]
	if !ok {
		return env, errMissingEnvelope
	}

	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return env, errMissingEnvelope
	}

	if err := json.Unmarshal(b, &env); err != nil {
		return env, err
	}
	return env, nil
}
