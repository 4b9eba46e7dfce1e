package trust

// Signal types. One measurement row per type per refresh.
const (
	SignalBriefingFailureRate = "briefing_failure_rate"
	SignalRetryRate           = "retry_rate"
	SignalPartialSuccessRate  = "partial_success_rate"
	SignalDismissalRate       = "dismissal_rate"
	SignalRefreshLoops        = "refresh_loops"
	SignalTrustRiskAlerts     = "trust_risk_alerts"
)

// Classification levels.
const (
	LevelNormal  = "normal"
	LevelWarning = "warning"
	LevelStop    = "stop"
)

// Regression severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Regression triggers. stale_data, silent_failure and cascade_failure are
// the halt class: any alert with one of those triggers forces S6 to stop.
const (
	TriggerStaleData         = "stale_data"
	TriggerSilentFailure     = "silent_failure"
	TriggerBehaviorChange    = "behavior_change"
	TriggerMemoryAttribution = "memory_attribution"
	TriggerCascadeFailure    = "cascade_failure"
	TriggerRetryButtonSpam   = "retry_button_spam"
	TriggerFeelsWrong        = "feels_wrong"
)

// thresholds are the fixed warning/stop boundaries. value <= warning is
// normal, value <= stop is warning, above is stop. Not configurable.
type thresholds struct {
	warning float64
	stop    float64
}

var signalThresholds = map[string]thresholds{
	SignalBriefingFailureRate: {warning: 0.02, stop: 0.05},
	SignalRetryRate:           {warning: 0.10, stop: 0.20},
	SignalPartialSuccessRate:  {warning: 0.15, stop: 0.30},
	SignalDismissalRate:       {warning: 0.05, stop: 0.15},
	SignalRefreshLoops:        {warning: 1, stop: 3},
	SignalTrustRiskAlerts:     {warning: 0, stop: 2},
}

func classify(typ string, value float64) string {
	th := signalThresholds[typ]
	switch {
	case value > th.stop:
		return LevelStop
	case value > th.warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// haltTriggers force S6 to stop regardless of the alert count.
var haltTriggers = map[string]bool{
	TriggerStaleData:      true,
	TriggerSilentFailure:  true,
	TriggerCascadeFailure: true,
}

func ratio(numerator, denominator int) float64 {
	if denominator == 0 {
		return 0
	}
	return float64(numerator) / float64(denominator)
}
