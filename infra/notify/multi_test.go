package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldflow/dispatch/core/events"
	"github.com/fieldflow/dispatch/core/notify"
	"github.com/fieldflow/dispatch/internal/eventbus"
)

type fakeSender struct {
	channel notify.Channel
	err     error
	sent    []notify.Intent
}

func (f *fakeSender) Send(_ context.Context, in notify.Intent) error {
	f.sent = append(f.sent, in)
	return f.err
}

func (f *fakeSender) Channel() notify.Channel { return f.channel }

func TestDispatcherPrefersFirstChannel(t *testing.T) {
	push := &fakeSender{channel: notify.ChannelPush}
	sms := &fakeSender{channel: notify.ChannelSMS}
	d := NewDispatcher(nil, push, sms)

	err := d.Notify(context.Background(), notify.Intent{
		TenantID: "acme", Kind: notify.KindAssignment, Recipient: "tech-a", JobID: "j1",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(push.sent) != 1 || len(sms.sent) != 0 {
		t.Fatalf("expected push only, got push=%d sms=%d", len(push.sent), len(sms.sent))
	}
}

func TestDispatcherFallsThroughOnFailure(t *testing.T) {
	push := &fakeSender{channel: notify.ChannelPush, err: errors.New("broker down")}
	sms := &fakeSender{channel: notify.ChannelSMS}
	d := NewDispatcher(nil, push, sms)

	err := d.Notify(context.Background(), notify.Intent{
		TenantID: "acme", Kind: notify.KindAssignment, Recipient: "tech-a", JobID: "j1",
	})
	if err != nil {
		t.Fatalf("notify should succeed via fallback: %v", err)
	}
	if len(push.sent) != 1 || len(sms.sent) != 1 {
		t.Fatalf("expected both attempts, got push=%d sms=%d", len(push.sent), len(sms.sent))
	}
}

func TestDispatcherReturnsLastError(t *testing.T) {
	smsErr := errors.New("gateway timeout")
	sms := &fakeSender{channel: notify.ChannelSMS, err: smsErr}
	email := &fakeSender{channel: notify.ChannelEmail, err: errors.New("smtp refused")}
	d := NewDispatcher(nil, sms, email)

	err := d.Notify(context.Background(), notify.Intent{
		Kind: notify.KindBumpApology, Recipient: "cust-1",
	})
	if err == nil || err.Error() != "smtp refused" {
		t.Fatalf("expected last channel error, got %v", err)
	}
}

func TestDispatcherNoSenderConfigured(t *testing.T) {
	d := NewDispatcher(nil)
	err := d.Notify(context.Background(), notify.Intent{Kind: notify.KindAssignment})
	if err == nil {
		t.Fatal("expected error when no sender matches")
	}
}

func TestDispatcherUrgentOwnerAlertUsesVoice(t *testing.T) {
	voice := &fakeSender{channel: notify.ChannelVoice}
	sms := &fakeSender{channel: notify.ChannelSMS}
	d := NewDispatcher(nil, voice, sms)

	in := notify.Intent{Kind: notify.KindOwnerAlert, Recipient: "owner", Urgent: true}
	if err := d.Notify(context.Background(), in); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(voice.sent) != 1 || len(sms.sent) != 0 {
		t.Fatalf("urgent owner alert must go to voice first, voice=%d sms=%d", len(voice.sent), len(sms.sent))
	}

	// Non-urgent alerts skip voice entirely.
	in.Urgent = false
	if err := d.Notify(context.Background(), in); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(voice.sent) != 1 || len(sms.sent) != 1 {
		t.Fatalf("non-urgent owner alert must go to sms, voice=%d sms=%d", len(voice.sent), len(sms.sent))
	}
}

func TestDispatcherPublishesDeliveryEvents(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	sub := bus.Subscribe()

	push := &fakeSender{channel: notify.ChannelPush, err: errors.New("offline")}
	sms := &fakeSender{channel: notify.ChannelSMS}
	d := NewDispatcher(bus, push, sms)

	if err := d.Notify(context.Background(), notify.Intent{
		Kind: notify.KindAssignment, Recipient: "tech-a",
	}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	var got []events.NotificationEvent
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case e := <-sub:
			if ne, ok := e.(events.NotificationEvent); ok {
				got = append(got, ne)
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events, have %d", len(got))
		}
	}
	if got[0].Channel != "push" || got[0].Delivered {
		t.Fatalf("first event should record the push failure: %+v", got[0])
	}
	if got[1].Channel != "sms" || !got[1].Delivered {
		t.Fatalf("second event should record the sms delivery: %+v", got[1])
	}
}
