package notify

import "context"

// Channel identifies a delivery mechanism.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
	ChannelEmail Channel = "email"
)

// Kind classifies the intent so dispatchers can pick channel ordering.
type Kind string

const (
	KindAssignment       Kind = "assignment"        // technician push for a new job
	KindBumpApology      Kind = "bump_apology"      // compensating message to a bumped customer
	KindOwnerAlert       Kind = "owner_alert"       // escalation rung notification
	KindCustomerOutreach Kind = "customer_outreach" // top-rung customer apology
	KindRecovered        Kind = "recovered"         // reconciliation recovery notice
)

// Intent describes one notification to be delivered. The scheduling core
// emits intents fire-and-forget; delivery failure never blocks scheduling.
type Intent struct {
	TenantID  string
	Kind      Kind
	Recipient string // opaque reference: technician id, customer ref, "owner"
	JobID     string
	Urgent    bool
	Message   string
}

// Notifier delivers intents. Implementations own channel selection,
// fallback ordering and retry; the core only logs returned errors.
type Notifier interface {
	Notify(ctx context.Context, in Intent) error
}

// Nop discards all intents.
type Nop struct{}

func (Nop) Notify(context.Context, Intent) error { return nil }
