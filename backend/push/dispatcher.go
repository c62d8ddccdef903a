// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hibiken/asynq"

	"github.com/efchatnet/efgroup/backend/logging"
	"github.com/efchatnet/efgroup/backend/metrics"
)

const TypeDeliver = "push:deliver"

// Dispatcher accepts a notification for later delivery. Dispatch must not
// block on the network.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, p Payload) error
}

// Notice is the queued unit of work.
type Notice struct {
	UserID  string  `json:"userId"`
	Payload Payload `json:"payload"`
}

// Deliverer sends a notice to every channel the user subscribed and evicts
// channels that fail.
type Deliverer struct {
	subs    Subscriptions
	webpush WebPushSender
	ntfy    NtfySender
	logger  log.Logger
}

func NewDeliverer(subs Subscriptions, wp WebPushSender, ntfy NtfySender, logger log.Logger) *Deliverer {
	return &Deliverer{subs: subs, webpush: wp, ntfy: ntfy, logger: logging.OrNop(logger)}
}

func (d *Deliverer) Deliver(ctx context.Context, n Notice) {
	sub, ok, err := d.subs.Get(ctx, n.UserID)
	if err != nil {
		level.Error(d.logger).Log("msg", "failed to load push subscription", "user_id", n.UserID, "err", err)
		return
	}
	if !ok {
		level.Debug(d.logger).Log("msg", "no push subscription", "user_id", n.UserID)
		return
	}
	body, err := json.Marshal(n.Payload)
	if err != nil {
		level.Error(d.logger).Log("msg", "failed to encode push payload", "err", err)
		return
	}

	if sub.WebPush != nil && d.webpush != nil {
		// service workers expect the payload under "data"
		wrapped, err := json.Marshal(map[string]json.RawMessage{"data": body})
		if err != nil {
			level.Error(d.logger).Log("msg", "failed to encode web push body", "err", err)
		} else {
			d.record(ctx, n.UserID, ChannelWebPush, sub.Endpoint(ChannelWebPush), d.webpush.Send(ctx, sub.WebPush, wrapped))
		}
	}
	if sub.NtfyTopic != "" && d.ntfy != nil {
		d.record(ctx, n.UserID, ChannelNtfy, sub.NtfyTopic, d.ntfy.Send(ctx, sub.NtfyTopic, body))
	}
}

// record evicts the endpoint that failed, not whatever the channel holds by
// the time the send returns.
func (d *Deliverer) record(ctx context.Context, userID string, ch Channel, endpoint string, err error) {
	if err == nil {
		metrics.PushDeliveries.WithLabelValues(string(ch), "ok").Inc()
		return
	}
	metrics.PushDeliveries.WithLabelValues(string(ch), "failed").Inc()
	if evictErr := d.subs.Evict(ctx, userID, ch, endpoint); evictErr != nil {
		level.Error(d.logger).Log("msg", "failed to evict push subscription", "user_id", userID, "channel", ch, "err", evictErr)
		return
	}
	metrics.PushEvictions.WithLabelValues(string(ch)).Inc()
	level.Warn(d.logger).Log("msg", "push delivery failed, subscription evicted", "user_id", userID, "channel", ch, "err", err)
}

// ProcessTask is the asynq handler for TypeDeliver. Delivery failures are
// handled by eviction, so the task itself is never retried.
func (d *Deliverer) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if t.Type() != TypeDeliver {
		return fmt.Errorf("unexpected task type: %s, %w", t.Type(), asynq.SkipRetry)
	}
	var n Notice
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	d.Deliver(ctx, n)
	return nil
}

// NewServeMux routes push tasks to d.
func NewServeMux(d *Deliverer) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeDeliver, d.ProcessTask)
	return mux
}

// QueueDispatcher enqueues notices on the shared asynq queue.
type QueueDispatcher struct {
	client *asynq.Client
}

func NewQueueDispatcher(client *asynq.Client) *QueueDispatcher {
	return &QueueDispatcher{client: client}
}

func NewDeliverTask(n Notice) (*asynq.Task, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDeliver, payload), nil
}

func (q *QueueDispatcher) Dispatch(ctx context.Context, userID string, p Payload) error {
	task, err := NewDeliverTask(Notice{UserID: userID, Payload: p})
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(0),
		asynq.Timeout(30*time.Second))
	return err
}

// DirectDispatcher delivers on a goroutine. It is used when no Redis is
// configured.
type DirectDispatcher struct {
	deliverer *Deliverer
	timeout   time.Duration
}

func NewDirectDispatcher(d *Deliverer) *DirectDispatcher {
	return &DirectDispatcher{deliverer: d, timeout: 30 * time.Second}
}

func (dd *DirectDispatcher) Dispatch(ctx context.Context, userID string, p Payload) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dd.timeout)
		defer cancel()
		dd.deliverer.Deliver(ctx, Notice{UserID: userID, Payload: p})
	}()
	return nil
}
