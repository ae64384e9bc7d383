/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package alerting delivers operational events to Slack. Delivery is
// fire-and-forget: an unreachable webhook degrades to log lines, never to a
// blocked request path.
package alerting

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Severity colours the Slack attachment.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notifier is the alert sink used by the health monitor and the replayer.
type Notifier interface {
	Notify(ctx context.Context, severity Severity, title, detail string)
}

// NewNotifier returns a Slack-backed notifier, or a no-op sink when the
// webhook URL is empty.
func NewNotifier(webhookURL string, logger *zap.Logger) Notifier {
	if webhookURL == "" {
		logger.Info("slack alerting disabled (no webhook configured)")
		return nopNotifier{}
	}
	return &slackNotifier{url: webhookURL, logger: logger}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Severity, string, string) {}

type slackNotifier struct {
	url    string
	logger *zap.Logger
}

func (n *slackNotifier) Notify(ctx context.Context, severity Severity, title, detail string) {
	msg := &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color:  colorFor(severity),
			Title:  title,
			Text:   detail,
			Footer: "vectorgate",
			Ts:     json.Number(strconv.FormatInt(time.Now().Unix(), 10)),
		}},
	}

	// Detached send: alerts must not extend request or probe latency.
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := slack.PostWebhookContext(sendCtx, n.url, msg); err != nil {
			n.logger.Warn("slack alert delivery failed",
				zap.String("title", title),
				zap.Error(err))
		}
	}()
}

func colorFor(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}
