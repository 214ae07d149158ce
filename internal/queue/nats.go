package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"earlyaction/internal/config"

	"github.com/nats-io/nats.go"
)

const laneStreamMaxAge = 24 * time.Hour
const laneDLQStreamMaxAge = 7 * 24 * time.Hour

// notBeforeHeader carries earliest processing time for delayed lanes.
const notBeforeHeader = "EA-Not-Before-Unix-MS"

// NATSProducer publishes lane jobs into one JetStream stream.
// Params: NATS connection, publish subject, and initial delivery delay.
// Returns: lane producer implementation.
type NATSProducer struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
	delay   time.Duration
}

// NewNATSProducer creates JetStream producer for one lane.
// Params: broker URL and lane config.
// Returns: initialized producer or setup error.
func NewNATSProducer(url string, lane config.LaneConfig) (*NATSProducer, error) {
	nc, js, err := openLaneJetStream(url, lane)
	if err != nil {
		return nil, err
	}
	return &NATSProducer{
		nc:      nc,
		js:      js,
		subject: lane.Subject,
		delay:   time.Duration(lane.DelayMS) * time.Millisecond,
	}, nil
}

// Enqueue publishes one job into the lane stream.
// Params: context, deterministic job id, and encodable payload.
// Returns: publish error.
func (p *NATSProducer) Enqueue(ctx context.Context, jobID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal lane job: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	if strings.TrimSpace(jobID) != "" {
		msg.Header.Set("Nats-Msg-Id", strings.TrimSpace(jobID))
	}
	if p.delay > 0 {
		notBefore := time.Now().UTC().Add(p.delay).UnixMilli()
		msg.Header.Set(notBeforeHeader, strconv.FormatInt(notBefore, 10))
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish lane job %q: %w", p.subject, err)
	}
	return nil
}

// Close closes producer NATS connection.
// Params: none.
// Returns: nil after connection close.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// NATSWorker consumes lane jobs via durable queue-group consumer.
// Params: NATS connection, queue subscription, and lane settings.
// Returns: worker lifecycle handle.
type NATSWorker struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	sub    *nats.Subscription
	logger *slog.Logger
	lane   config.LaneConfig
}

// NewNATSWorker starts durable consumer calling handler per delivered job.
// Params: broker URL, lane config, logger, and per-job handler.
// Returns: running worker or setup error.
func NewNATSWorker(url string, lane config.LaneConfig, logger *slog.Logger, handler Handler) (*NATSWorker, error) {
	nc, js, err := openLaneJetStream(url, lane)
	if err != nil {
		return nil, err
	}

	worker := &NATSWorker{nc: nc, js: js, logger: logger, lane: lane}
	ackWait := time.Duration(lane.AckWaitSec) * time.Second
	nackBase := time.Duration(lane.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(lane.Stream),
		nats.Durable(lane.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(lane.MaxDeliver),
		nats.MaxAckPending(lane.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(lane.Subject, lane.DeliverGroup, func(message *nats.Msg) {
		worker.handleDelivery(message, nackBase, handler)
	}, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe lane %q/%q: %w", lane.Subject, lane.DeliverGroup, err)
	}
	worker.sub = sub
	return worker, nil
}

// handleDelivery processes one delivered message with retry/DLQ policy.
// Params: delivered message, backoff base delay, and job handler.
// Returns: none (acknowledgement is the outcome).
func (w *NATSWorker) handleDelivery(message *nats.Msg, nackBase time.Duration, handler Handler) {
	if message == nil {
		return
	}
	if wait, pending := deliveryNotBefore(message); pending {
		// Wait in place. A Nak here would count against max_deliver,
		// and single-attempt lanes would lose the job before its first
		// real processing attempt.
		time.Sleep(wait)
	}

	err := handler(context.Background(), message.Data)
	if err == nil {
		_ = message.Ack()
		return
	}

	attempts := deliveryAttempts(message)
	if w.logger != nil {
		w.logger.Error("lane job handle failed",
			"lane", w.lane.Subject, "attempt", attempts, "error", err.Error())
	}

	reason := DLQReason("")
	if IsPermanent(err) {
		reason = DLQReasonPermanentError
	} else if isMaxDeliverExceeded(attempts, w.lane.MaxDeliver) {
		reason = DLQReasonMaxDeliverExceeded
	}
	if reason != "" {
		if w.lane.DLQ.Enabled {
			if dlqErr := w.publishDLQ(context.Background(), message, reason, err, attempts); dlqErr != nil {
				if w.logger != nil {
					w.logger.Error("lane dlq publish failed",
						"lane", w.lane.Subject, "reason", reason, "error", dlqErr.Error())
				}
				_ = message.NakWithDelay(backoffDelay(nackBase, attempts))
				return
			}
		}
		_ = message.Ack()
		return
	}

	_ = message.NakWithDelay(backoffDelay(nackBase, attempts))
}

// Close drains worker subscription and closes NATS connection.
// Params: none.
// Returns: close error from subscription drain.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.nc.Close()
			return err
		}
	}
	w.nc.Close()
	return nil
}

// ensureStream ensures one JetStream stream exists with provided options.
// Params: JetStream context and stream settings.
// Returns: stream create/lookup error.
func ensureStream(
	js nats.JetStreamContext,
	streamName string,
	subject string,
	retention nats.RetentionPolicy,
	maxAge time.Duration,
) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if err != nil && err != nats.ErrStreamNotFound && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}

// openLaneJetStream opens connection/JetStream and ensures lane streams exist.
// Params: broker URL and lane config with stream/subject names.
// Returns: opened NATS connection, JetStream context, and setup error.
func openLaneJetStream(url string, lane config.LaneConfig) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect lane nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for lane: %w", err)
	}
	if err := ensureStream(js, lane.Stream, lane.Subject, nats.WorkQueuePolicy, laneStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if lane.DLQ.Enabled {
		if err := ensureStream(js, lane.DLQ.Stream, lane.DLQ.Subject, nats.LimitsPolicy, laneDLQStreamMaxAge); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

// deliveryAttempts returns number of delivery attempts from JetStream metadata.
// Params: delivered NATS message.
// Returns: delivered-attempt count (at least 1 when message is non-nil).
func deliveryAttempts(message *nats.Msg) uint64 {
	if message == nil {
		return 0
	}
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered <= 0 {
		return 1
	}
	return metadata.NumDelivered
}

// deliveryNotBefore checks delayed-lane header against current time.
// Params: delivered NATS message.
// Returns: remaining wait and true while processing must be deferred.
func deliveryNotBefore(message *nats.Msg) (time.Duration, bool) {
	raw := strings.TrimSpace(message.Header.Get(notBeforeHeader))
	if raw == "" {
		return 0, false
	}
	notBeforeMS, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	wait := time.UnixMilli(notBeforeMS).Sub(time.Now().UTC())
	if wait <= 0 {
		return 0, false
	}
	return wait, true
}

// isMaxDeliverExceeded reports if current attempt reached configured max deliver.
// Params: attempt counter and max deliver config.
// Returns: true when current attempt is final allowed delivery.
func isMaxDeliverExceeded(attempts uint64, maxDeliver int) bool {
	if maxDeliver <= 0 {
		return false
	}
	return attempts >= uint64(maxDeliver)
}

// publishDLQ publishes failed lane job to configured dead-letter subject.
// Params: message, failure reason/cause, and attempt counter.
// Returns: publish error when DLQ publish fails.
func (w *NATSWorker) publishDLQ(
	ctx context.Context,
	message *nats.Msg,
	reason DLQReason,
	cause error,
	attempts uint64,
) error {
	if w == nil || w.js == nil || !w.lane.DLQ.Enabled {
		return nil
	}
	entry := DLQEntry{
		Lane:       w.lane.Subject,
		Body:       message.Data,
		Reason:     reason,
		Error:      strings.TrimSpace(errorString(cause)),
		Attempts:   attempts,
		MaxDeliver: w.lane.MaxDeliver,
		Subject:    message.Subject,
		FailedAt:   time.Now().UTC(),
	}
	entry.OriginalMsgID = strings.TrimSpace(message.Header.Get("Nats-Msg-Id"))
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal lane dlq entry: %w", err)
	}
	msg := nats.NewMsg(w.lane.DLQ.Subject)
	msg.Data = body
	if entry.OriginalMsgID != "" {
		msg.Header.Set("Nats-Msg-Id", entry.OriginalMsgID+":dlq:"+string(reason)+":"+strconv.FormatUint(attempts, 10))
	}
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish lane dlq entry: %w", err)
	}
	return nil
}
