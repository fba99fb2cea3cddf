package dispatch

// Config holds dispatch engine tunables loaded from configuration.
type Config struct {
	// MaxReserveAttempts bounds retries of a contended reservation insert.
	MaxReserveAttempts int `json:"max_reserve_attempts"`
	// ReserveBackoffMS is the pause between reservation retries.
	ReserveBackoffMS int `json:"reserve_backoff_ms"`
	// PreemptionHorizonMinutes bounds how far ahead the emergency path looks
	// for free technicians and bumpable commitments.
	PreemptionHorizonMinutes int `json:"preemption_horizon_minutes"`
	// MatchHorizonDays bounds the routine slot search.
	MatchHorizonDays int `json:"match_horizon_days"`
	// TopEscalationLevel is the rung used when an emergency finds no
	// candidate at all.
	TopEscalationLevel int `json:"top_escalation_level"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.MaxReserveAttempts <= 0 {
		c.MaxReserveAttempts = 3
	}
	if c.ReserveBackoffMS <= 0 {
		c.ReserveBackoffMS = 25
	}
	if c.PreemptionHorizonMinutes <= 0 {
		c.PreemptionHorizonMinutes = 240
	}
	if c.MatchHorizonDays <= 0 {
		c.MatchHorizonDays = 7
	}
	if c.TopEscalationLevel <= 0 {
		c.TopEscalationLevel = 3
	}
}
