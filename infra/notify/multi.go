package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldflow/dispatch/core/events"
	"github.com/fieldflow/dispatch/core/notify"
	"github.com/fieldflow/dispatch/infra/logger"
	"github.com/fieldflow/dispatch/internal/eventbus"
)

// Sender delivers an intent over one concrete channel.
type Sender interface {
	Send(ctx context.Context, in notify.Intent) error
	Channel() notify.Channel
}

// Dispatcher routes intents to channel senders with fallback ordering.
// Delivery outcomes are published on the event bus for metrics collection.
type Dispatcher struct {
	senders map[notify.Channel]Sender
	bus     eventbus.EventBus
	log     logger.Logger
	timeout time.Duration
}

// NewDispatcher builds a Dispatcher over the given senders. bus may be nil.
func NewDispatcher(bus eventbus.EventBus, senders ...Sender) *Dispatcher {
	m := make(map[notify.Channel]Sender, len(senders))
	for _, s := range senders {
		m[s.Channel()] = s
	}
	return &Dispatcher{
		senders: m,
		bus:     bus,
		log:     logger.New("notify_dispatcher"),
		timeout: 10 * time.Second,
	}
}

// channelOrder returns the preferred channels for an intent, most preferred
// first. Delivery falls through to the next channel on failure.
func channelOrder(in notify.Intent) []notify.Channel {
	switch in.Kind {
	case notify.KindAssignment:
		if in.Urgent {
			return []notify.Channel{notify.ChannelPush, notify.ChannelVoice, notify.ChannelSMS}
		}
		return []notify.Channel{notify.ChannelPush, notify.ChannelSMS}
	case notify.KindBumpApology, notify.KindRecovered:
		return []notify.Channel{notify.ChannelSMS, notify.ChannelEmail}
	case notify.KindOwnerAlert:
		if in.Urgent {
			return []notify.Channel{notify.ChannelVoice, notify.ChannelSMS}
		}
		return []notify.Channel{notify.ChannelSMS, notify.ChannelEmail}
	case notify.KindCustomerOutreach:
		return []notify.Channel{notify.ChannelVoice, notify.ChannelSMS, notify.ChannelEmail}
	}
	return []notify.Channel{notify.ChannelSMS}
}

// Notify attempts delivery over each preferred channel in turn and returns
// the last error if every channel fails.
func (d *Dispatcher) Notify(ctx context.Context, in notify.Intent) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var lastErr error
	for _, ch := range channelOrder(in) {
		s, ok := d.senders[ch]
		if !ok {
			continue
		}
		start := time.Now()
		err := s.Send(ctx, in)
		d.publish(in, ch, err, time.Since(start))
		if err == nil {
			return nil
		}
		d.log.Warnf("delivery on %s failed for %s: %v", ch, in.Recipient, err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no sender configured for %s", in.Kind)
	}
	return lastErr
}

func (d *Dispatcher) publish(in notify.Intent, ch notify.Channel, err error, latency time.Duration) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.NotificationEvent{
		Recipient: in.Recipient,
		Channel:   string(ch),
		Delivered: err == nil,
		Err:       err,
		Latency:   latency,
	})
}
