package notify

import (
	"context"

	"github.com/fieldflow/dispatch/core/notify"
	"github.com/fieldflow/dispatch/infra/logger"
)

// LogChannel writes intents to the structured log. It stands in for SMS,
// voice and email gateways in deployments that have not wired a provider.
type LogChannel struct {
	channel notify.Channel
	log     logger.Logger
}

// NewLogChannel returns a sender that logs deliveries for ch.
func NewLogChannel(ch notify.Channel) *LogChannel {
	return &LogChannel{channel: ch, log: logger.New("notify_" + string(ch))}
}

func (l *LogChannel) Send(_ context.Context, in notify.Intent) error {
	l.log.Infof("notify %s tenant=%s recipient=%s job=%s urgent=%t: %s",
		in.Kind, in.TenantID, in.Recipient, in.JobID, in.Urgent, in.Message)
	return nil
}

func (l *LogChannel) Channel() notify.Channel { return l.channel }
