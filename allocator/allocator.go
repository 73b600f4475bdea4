// Package allocator implements the per-slave current-allocation policy:
// fair-share division of the global cap, the under-threshold "tell the
// car to stop" branch, and the firmware-bug / anti-flap mitigations that
// keep the contactor and the car's charge state machine from cycling
// (spec.md §4.5).
package allocator

import (
	"log"
	"time"

	"twcmaster/protocol"
	"twcmaster/registry"
)

const (
	fairShareFloorCA  int32 = 500  // 5.00 A
	firmwareBugCapCA  int32 = 2100 // 21.00 A
	actualDeltaCA     int32 = 80
	lowActualCA       int32 = 400
	reqMaxDriftCA     int32 = 100

	onHold  = 60 * time.Second
	offHold = 60 * time.Second
	reduceThrottle = 10 * time.Second
	riseDwell      = 10 * time.Second
)

// Input bundles everything the policy needs beyond the slave's own
// Record: the just-received heartbeat, the global and wiring caps, and
// enough of the rest of the registry's state to enforce the wiring-cap
// invariant across all slaves.
type Input struct {
	Now time.Time

	GlobalCapCA int32
	WiringCapA  int32
	NumSlaves   int

	// SumOtherReqMaxCA is the sum of LastReqMaxCA across every OTHER
	// known slave (not this one), already clamped to >= 0 per slave.
	SumOtherReqMaxCA int32

	// SlaveReqMaxReportedCA and SlaveActualCA are read straight off the
	// inbound SlaveHeartbeat.
	SlaveReqMaxReportedCA int32
	SlaveActualCA         int32
}

// Result is what the master state machine needs to build its reply.
type Result struct {
	// ClampedGlobalCapCA is GlobalCapCA after invariant #1's clamp to the
	// wiring cap; callers should persist this back as the new global cap.
	ClampedGlobalCapCA int32

	Cmd   byte
	CapCA int32
}

// Apply runs the full allocation policy for one received heartbeat,
// mutating rec in place and returning the values needed to build the
// reply. rec must be the Record for the heartbeat's sender.
func Apply(rec *registry.Record, in Input) Result {
	now := in.Now

	// 1. Sample update.
	rec.LastRxAt = now
	if rec.LastReqMaxCA == registry.UnseenSentinel {
		rec.LastReqMaxCA = in.SlaveReqMaxReportedCA
	}
	if rec.LastActualCA == registry.UnseenSentinel || abs32(in.SlaveActualCA-rec.LastActualCA) > actualDeltaCA {
		rec.LastActualCA = in.SlaveActualCA
		rec.LastActualChangedAt = now
	}

	// 2. Global clamp (invariant #1).
	wiringCapCA := in.WiringCapA * 100
	globalCap := in.GlobalCapCA
	if globalCap > wiringCapCA {
		globalCap = wiringCapCA
	}

	// 3. Fair share.
	numSlaves := in.NumSlaves
	if numSlaves < 1 {
		numSlaves = 1
	}
	desired := globalCap / int32(numSlaves)

	prevReqMax := rec.LastReqMaxCA
	actual := rec.LastActualCA

	if desired < fairShareFloorCA {
		// 4. Under-threshold branch.
		target := int32(0)
		if prevReqMax != 0 &&
			(now.Sub(rec.LastReqMaxChangedAt) < onHold ||
				now.Sub(rec.LastActualChangedAt) < offHold ||
				actual < lowActualCA) {
			target = prevReqMax
		}
		desired = target
	} else {
		// 5. Over-threshold branch.
		desired = (desired / 100) * 100
		switch {
		case prevReqMax == 0 && now.Sub(rec.LastReqMaxChangedAt) < offHold:
			desired = 0
		case desired < firmwareBugCapCA &&
			(desired > prevReqMax || (prevReqMax-actual > reqMaxDriftCA && now.Sub(rec.LastActualChangedAt) > riseDwell)):
			desired = firmwareBugCapCA
		case desired < prevReqMax && now.Sub(rec.LastReqMaxChangedAt) < reduceThrottle:
			desired = prevReqMax
		}
	}

	// 6. Safety commit (invariant #2).
	if candidate := in.SumOtherReqMaxCA + max32(desired, 0); candidate > wiringCapCA {
		log.Printf("allocator: slave %v desired %dcA would push fleet total to %dcA > wiring cap %dcA, holding %dcA",
			rec.ID, desired, candidate, wiringCapCA, prevReqMax)
		desired = prevReqMax
	}
	if desired != prevReqMax {
		rec.LastReqMaxChangedAt = now
	}
	rec.LastReqMaxCA = desired

	// 7. Emit.
	if desired != in.SlaveReqMaxReportedCA {
		return Result{ClampedGlobalCapCA: globalCap, Cmd: protocol.CmdSetCap, CapCA: desired}
	}
	return Result{ClampedGlobalCapCA: globalCap, Cmd: protocol.CmdIdleAck, CapCA: 0}
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
