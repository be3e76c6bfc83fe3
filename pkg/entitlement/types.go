package entitlement

import "fmt"

// Source identifies what paid for a granted unit
type Source string

const (
	// SourceSubscription means the unit came out of the plan's monthly allowance
	SourceSubscription Source = "subscription"
	// SourceAddon means the unit came out of a purchased credit pack
	SourceAddon Source = "addon"
	// SourceNone means the request was denied
	SourceNone Source = "none"
)

// Decision is the outcome of a consumption attempt. When Granted is false the
// caller must not perform the metered action; the condition is "upgrade or
// buy an addon", not an error.
type Decision struct {
	Granted bool   `json:"granted"`
	Source  Source `json:"source"`
}

// QuotaExhaustedError reports a denied consumption attempt. It is advisory,
// not fatal: callers surface it as a paywall, never as a server fault.
type QuotaExhaustedError struct {
	Quota string
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("quota %q exhausted", e.Quota)
}

// QuotaSummary is the per-quota entitlement projection served to clients.
// Available combines the plan allowance with the addon balance.
type QuotaSummary struct {
	Available      int     `json:"available"`
	Used           int     `json:"used"`
	Remaining      int     `json:"remaining"`
	PercentageUsed float64 `json:"percentage_used"`
}
