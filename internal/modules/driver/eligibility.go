// README: Eligibility filter applied to proximity candidates before dispatch.
package driver

import (
	"time"

	"ridedispatch/internal/types"
)

type DropReason string

const (
	DropRechargeExpired DropReason = "recharge_expired"
	DropOnRide          DropReason = "on_ride"
)

type Dropped struct {
	DriverID types.ID
	Reasons  []DropReason
}

// Filter keeps candidates whose recharge is present and not expired at now and
// who are not on a ride. It performs no I/O; dropped candidates are returned
// so callers can log them.
func Filter(candidates []Candidate, now time.Time) ([]Candidate, []Dropped) {
	eligible := make([]Candidate, 0, len(candidates))
	var dropped []Dropped
	for _, c := range candidates {
		var reasons []DropReason
		if c.RechargeExp == nil || c.RechargeExp.Before(now) {
			reasons = append(reasons, DropRechargeExpired)
		}
		if c.OnRideID != nil && *c.OnRideID != "" {
			reasons = append(reasons, DropOnRide)
		}
		if len(reasons) > 0 {
			dropped = append(dropped, Dropped{DriverID: c.DriverID, Reasons: reasons})
			continue
		}
		eligible = append(eligible, c)
	}
	return eligible, dropped
}
