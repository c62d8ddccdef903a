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
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/go-resty/resty/v2"
)

const (
	webPushTTL  = 86400
	sendTimeout = 10 * time.Second
)

var ErrNotConfigured = errors.New("push channel not configured")

type WebPushSender interface {
	Send(ctx context.Context, sub *webpush.Subscription, body []byte) error
}

type NtfySender interface {
	Send(ctx context.Context, topic string, body []byte) error
}

// VAPIDSender delivers Web Push messages signed with the server's VAPID keys.
type VAPIDSender struct {
	options webpush.Options
}

func NewVAPIDSender(publicKey, privateKey, subject string) *VAPIDSender {
	return &VAPIDSender{options: webpush.Options{
		Subscriber:      subject,
		VAPIDPublicKey:  publicKey,
		VAPIDPrivateKey: privateKey,
		TTL:             webPushTTL,
		Urgency:         webpush.UrgencyHigh,
	}}
}

func (s *VAPIDSender) Send(ctx context.Context, sub *webpush.Subscription, body []byte) error {
	if s.options.VAPIDPrivateKey == "" {
		return ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	opts := s.options
	resp, err := webpush.SendNotificationWithContext(ctx, body, sub, &opts)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("web push endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// NtfyClient publishes JSON to an ntfy server topic.
type NtfyClient struct {
	client *resty.Client
}

func NewNtfyClient(baseURL string) *NtfyClient {
	cl := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(sendTimeout).
		SetHeader("Content-Type", "application/json")
	return &NtfyClient{client: cl}
}

// Client exposes the underlying resty client, mainly for httpmock.
func (n *NtfyClient) Client() *resty.Client {
	return n.client
}

func (n *NtfyClient) Send(ctx context.Context, topic string, body []byte) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(body).
		Post("/" + url.PathEscape(topic))
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("ntfy returned %d", resp.StatusCode())
	}
	return nil
}
