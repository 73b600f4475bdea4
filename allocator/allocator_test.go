package allocator

import (
	"testing"
	"time"

	"twcmaster/protocol"
	"twcmaster/registry"
)

func newRec(id registry.TwcId, reqMax, actual int32, changedAt, actualChangedAt time.Time) *registry.Record {
	return &registry.Record{
		ID:                  id,
		LastReqMaxCA:        reqMax,
		LastActualCA:        actual,
		LastReqMaxChangedAt: changedAt,
		LastActualChangedAt: actualChangedAt,
	}
}

func TestFirstHeartbeatSeedsFromReported(t *testing.T) {
	rec := &registry.Record{ID: registry.TwcId{0xAB, 0xCD}, LastReqMaxCA: -1, LastActualCA: -1}
	now := time.Unix(1000, 0)
	res := Apply(rec, Input{
		Now:                   now,
		GlobalCapCA:           4000,
		WiringCapA:            40,
		NumSlaves:             1,
		SlaveReqMaxReportedCA: 0,
		SlaveActualCA:         2500,
	})
	if res.Cmd != protocol.CmdSetCap || res.CapCA != 4000 {
		t.Fatalf("got %+v", res)
	}
	if rec.LastActualCA != 2500 {
		t.Fatalf("actual not seeded: %+v", rec)
	}
}

func TestStopToStartHysteresis(t *testing.T) {
	base := time.Unix(10_000, 0)
	changedAt := base.Add(-30 * time.Second)
	rec := newRec(registry.TwcId{1, 1}, 0, 3000, changedAt, changedAt)

	res := Apply(rec, Input{
		Now:                   base,
		GlobalCapCA:           3000,
		WiringCapA:            40,
		NumSlaves:             1,
		SlaveReqMaxReportedCA: 0,
		SlaveActualCA:         3000,
	})
	if res.CapCA != 0 {
		t.Fatalf("expected 60s off-hold to keep 0, got %+v", res)
	}

	// At 61s past the hold, the cap should now rise.
	rec2 := newRec(registry.TwcId{1, 1}, 0, 3000, base.Add(-61*time.Second), base.Add(-61*time.Second))
	res2 := Apply(rec2, Input{
		Now:                   base,
		GlobalCapCA:           3000,
		WiringCapA:            40,
		NumSlaves:             1,
		SlaveReqMaxReportedCA: 0,
		SlaveActualCA:         3000,
	})
	if res2.CapCA < 3000 {
		t.Fatalf("expected cap >= 3000 after hold expires, got %+v", res2)
	}
}

func TestFirmwareBugMitigation(t *testing.T) {
	base := time.Unix(10_000, 0)
	rec := newRec(registry.TwcId{1, 1}, 1000, 800, base.Add(-30*time.Second), base.Add(-30*time.Second))

	res := Apply(rec, Input{
		Now:                   base,
		GlobalCapCA:           1500,
		WiringCapA:            40,
		NumSlaves:             1,
		SlaveReqMaxReportedCA: 1000,
		SlaveActualCA:         800,
	})
	if res.CapCA != 2100 {
		t.Fatalf("expected firmware-bug override to 2100, got %+v", res)
	}
}

func TestReductionThrottle(t *testing.T) {
	base := time.Unix(10_000, 0)
	rec := newRec(registry.TwcId{1, 1}, 3200, 3200, base.Add(-3*time.Second), base.Add(-3*time.Second))

	res := Apply(rec, Input{
		Now:                   base,
		GlobalCapCA:           1500,
		WiringCapA:            40,
		NumSlaves:             1,
		SlaveReqMaxReportedCA: 3200,
		SlaveActualCA:         3200,
	})
	// The slave already reports 3200, so holding it is sent as an idle-ack.
	if res.Cmd != protocol.CmdIdleAck || rec.LastReqMaxCA != 3200 {
		t.Fatalf("expected reduction throttled to hold 3200, got %+v rec=%+v", res, rec)
	}

	rec2 := newRec(registry.TwcId{1, 1}, 3200, 3200, base.Add(-11*time.Second), base.Add(-11*time.Second))
	res2 := Apply(rec2, Input{
		Now:                   base,
		GlobalCapCA:           1500,
		WiringCapA:            40,
		NumSlaves:             1,
		SlaveReqMaxReportedCA: 3200,
		SlaveActualCA:         3200,
	})
	if res2.CapCA != 1500 {
		t.Fatalf("expected reduction to 1500 after throttle expires, got %+v", res2)
	}
}

func TestSafetyCommitRevertsOnWiringCapViolation(t *testing.T) {
	base := time.Unix(10_000, 0)
	rec := newRec(registry.TwcId{1, 1}, 1000, 1000, base.Add(-30*time.Second), base.Add(-30*time.Second))

	res := Apply(rec, Input{
		Now:                   base,
		GlobalCapCA:           6000,
		WiringCapA:            40, // wiring cap = 4000cA
		NumSlaves:              1,
		SumOtherReqMaxCA:       3500, // already 3500cA committed elsewhere
		SlaveReqMaxReportedCA: 1000,
		SlaveActualCA:         1000,
	})
	// desired would be 4000cA (the global cap clamped to the wiring cap),
	// but 3500+4000 > 4000cA wiring cap, so it must revert to the previous
	// value of 1000, which the slave already reports: an idle-ack.
	if res.Cmd != protocol.CmdIdleAck || res.CapCA != 0 {
		t.Fatalf("expected revert to 1000 on wiring-cap violation, got %+v", res)
	}
	if rec.LastReqMaxCA != 1000 {
		t.Fatalf("record not reverted: %+v", rec)
	}
}

func TestGlobalCapClampedToWiringCap(t *testing.T) {
	base := time.Unix(10_000, 0)
	rec := newRec(registry.TwcId{1, 1}, -1, -1, time.Time{}, time.Time{})
	res := Apply(rec, Input{
		Now:                   base,
		GlobalCapCA:           10_000,
		WiringCapA:            40, // 4000cA
		NumSlaves:             1,
		SlaveReqMaxReportedCA: 0,
		SlaveActualCA:         0,
	})
	if res.ClampedGlobalCapCA != 4000 {
		t.Fatalf("expected global cap clamped to 4000, got %d", res.ClampedGlobalCapCA)
	}
}
