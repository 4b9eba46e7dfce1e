package rollout

import (
	"context"

	"github.com/brianfofficial/atlas/internal/audit"
)

// Traits describe a pilot candidate. Every trait is required.
type Traits struct {
	// DailyRoutine: has a recurring workflow the assistant can actually
	// serve (briefings land somewhere someone looks).
	DailyRoutine bool `json:"daily_routine"`

	// ToleratesBreakage: understands this is a pilot and rough edges are
	// part of the deal.
	ToleratesBreakage bool `json:"tolerates_breakage"`

	// GivesFeedback: answers when asked how it went.
	GivesFeedback bool `json:"gives_feedback"`

	// HasPairedDevice: completed device pairing, so approvals can reach them.
	HasPairedDevice bool `json:"has_paired_device"`
}

// AntiTargets are disqualifiers. Any one blocks the invitation.
type AntiTargets struct {
	// NeedsHighAvailability: would rely on the assistant for anything
	// time-critical. The pilot must be safe to pause at any moment.
	NeedsHighAvailability bool `json:"needs_high_availability"`

	// SharedAccount: several people behind one owner identity defeats
	// per-owner trust measurement.
	SharedAccount bool `json:"shared_account"`

	// RegulatedData: would feed the assistant data under a compliance
	// regime the pilot is not reviewed for.
	RegulatedData bool `json:"regulated_data"`
}

// Eligibility is the assessment outcome.
type Eligibility struct {
	Eligible       bool     `json:"eligible"`
	BlockedReasons []string `json:"blocked_reasons"`
}

// AssessEligibility is a pure function over traits and anti-targets. It
// never consults rollout state; caps and freezes are enforced at admission.
func AssessEligibility(tr Traits, anti AntiTargets) Eligibility {
	reasons := make([]string, 0, 4)

	if !tr.DailyRoutine {
		reasons = append(reasons, "no daily routine for the assistant to serve")
	}
	if !tr.ToleratesBreakage {
		reasons = append(reasons, "needs more polish than a pilot provides")
	}
	if !tr.GivesFeedback {
		reasons = append(reasons, "unlikely to report problems")
	}
	if !tr.HasPairedDevice {
		reasons = append(reasons, "no paired device for approvals")
	}
	if anti.NeedsHighAvailability {
		reasons = append(reasons, "anti-target: depends on high availability")
	}
	if anti.SharedAccount {
		reasons = append(reasons, "anti-target: shared account")
	}
	if anti.RegulatedData {
		reasons = append(reasons, "anti-target: regulated data")
	}

	return Eligibility{Eligible: len(reasons) == 0, BlockedReasons: reasons}
}

// AssessCandidate wraps the pure assessment with an audit entry, for the
// admin API path.
func (c *Controller) AssessCandidate(ctx context.Context, owner string, tr Traits, anti AntiTargets) Eligibility {
	e := AssessEligibility(tr, anti)
	c.audit(ctx, audit.Event{
		Type:    audit.TypeRolloutEligibility,
		Message: "pilot eligibility assessed",
		Owner:   owner,
		Metadata: map[string]interface{}{
			"eligible":        e.Eligible,
			"blocked_reasons": e.BlockedReasons,
		},
	})
	return e
}
