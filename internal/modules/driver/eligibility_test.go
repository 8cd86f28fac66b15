package driver

import (
	"testing"
	"time"

	"ridedispatch/internal/types"
)

func TestFilter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(24 * time.Hour)
	past := now.Add(-time.Minute)
	ride := types.ID("ride-1")

	candidates := []Candidate{
		{DriverID: "ok", RechargeExp: &future},
		{DriverID: "expired", RechargeExp: &past},
		{DriverID: "no-plan"},
		{DriverID: "busy", RechargeExp: &future, OnRideID: &ride},
		{DriverID: "both", RechargeExp: &past, OnRideID: &ride},
		{DriverID: "edge", RechargeExp: &now},
	}

	eligible, dropped := Filter(candidates, now)
	if len(eligible) != 2 || eligible[0].DriverID != "ok" || eligible[1].DriverID != "edge" {
		t.Fatalf("unexpected eligible set: %+v", eligible)
	}
	if len(dropped) != 4 {
		t.Fatalf("expected 4 dropped, got %d", len(dropped))
	}
	last := dropped[len(dropped)-1]
	if last.DriverID != "both" || len(last.Reasons) != 2 {
		t.Fatalf("expected both reasons for %q, got %+v", last.DriverID, last.Reasons)
	}
}

func TestFilterEmptyRideIDIsFree(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	empty := types.ID("")
	eligible, _ := Filter([]Candidate{{DriverID: "d", RechargeExp: &future, OnRideID: &empty}}, now)
	if len(eligible) != 1 {
		t.Fatalf("expected driver with empty ride reference to be eligible")
	}
}
