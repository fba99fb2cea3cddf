package escalation

import (
	"strconv"
	"time"

	"github.com/fieldflow/dispatch/core/model"
	"github.com/fieldflow/dispatch/core/notify"
)

// Rung is one step of the escalation ladder. Dwell is measured continuously
// from the moment the job entered pending_escalation, not from the previous
// rung.
type Rung struct {
	Status  model.JobStatus
	Dwell   time.Duration
	Channel notify.Channel
	Urgent  bool
}

// Config defines the ladder timing loaded from configuration.
type Config struct {
	// DwellMinutes are the cumulative thresholds for each rung, measured
	// from entry into pending_escalation.
	DwellMinutes []int `json:"dwell_minutes"`
}

// SetDefaults applies the documented ladder: 30 min, 2 h, 4 h, 24 h.
func (c *Config) SetDefaults() {
	if len(c.DwellMinutes) == 0 {
		c.DwellMinutes = []int{30, 120, 240, 1440}
	}
}

// defaultLadder builds the rung sequence for the configured dwell times.
// Rungs beyond the configured thresholds keep their default channels.
func defaultLadder(cfg Config) []Rung {
	base := []Rung{
		{Status: model.JobNotifiedOwner, Channel: notify.ChannelSMS},
		{Status: model.JobNotifiedBackup, Channel: notify.ChannelVoice, Urgent: true},
		{Status: model.JobNotifiedPartner, Channel: notify.ChannelEmail},
		{Status: model.JobUnresolvedCritical, Channel: notify.ChannelVoice, Urgent: true},
	}
	for i := range base {
		if i < len(cfg.DwellMinutes) {
			base[i].Dwell = time.Duration(cfg.DwellMinutes[i]) * time.Minute
		}
	}
	return base
}

// rungMessage mirrors the operator-facing wording of the ladder actions.
func rungMessage(level int, job model.Job, age time.Duration) string {
	code := job.ConfirmationCode
	switch level {
	case 0:
		return "Job " + code + " needs assignment. Created " + formatAge(age) + " ago."
	case 1:
		return "URGENT: job " + code + " still unassigned. Customer waiting for " + formatAge(age) + ". Please assign immediately."
	case 2:
		return "Job " + code + " unassigned for " + formatAge(age) + ". Requesting partner network coverage."
	default:
		return "CRITICAL: job " + code + " unassigned for " + formatAge(age) + ". Manual intervention required now."
	}
}

func formatAge(d time.Duration) string {
	m := int(d.Minutes())
	switch {
	case m < 60:
		return strconv.Itoa(m) + " minutes"
	case m < 1440:
		return strconv.Itoa(m/60) + " hours"
	default:
		return strconv.Itoa(m/1440) + " days"
	}
}
