package notify

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/kokukuma/openid4vp-verifier/verifier"
)

// WebhookSink posts session updates to the webhook configured on the
// session, if any. Delivery is fire-and-forget with retries.
type WebhookSink struct {
	client *retryablehttp.Client
	log    *logrus.Entry
}

func NewWebhookSink() *WebhookSink {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	return &WebhookSink{
		client: client,
		log:    logrus.WithField("component", "webhook-sink"),
	}
}

func (s *WebhookSink) Notify(_ context.Context, update verifier.SessionUpdate) {
	if update.Session == nil || update.Session.Notifications == nil {
		return
	}
	webhook := update.Session.Notifications.Webhook
	if webhook == nil || webhook.URL == "" {
		return
	}
	go s.deliver(webhook, update)
}

func (s *WebhookSink) deliver(webhook *verifier.WebhookNotification, update verifier.SessionUpdate) {
	log := s.log.WithFields(logrus.Fields{
		"target": update.Target,
		"event":  update.Event,
		"url":    webhook.URL,
	})

	body, err := json.Marshal(update)
	if err != nil {
		log.WithError(err).Error("failed to marshal session update")
		return
	}

	req, err := retryablehttp.NewRequest("POST", webhook.URL, bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Error("failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case webhook.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+webhook.BearerToken)
	case webhook.BasicAuthUser != "":
		req.SetBasicAuth(webhook.BasicAuthUser, webhook.BasicAuthPass)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		log.WithError(err).Warn("webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.WithField("status", resp.StatusCode).Warn("webhook endpoint rejected update")
	}
}
