// Package slave implements the diagnostic slave state machine (C7): it
// mirrors the master-side protocol from the other direction so a second
// host on the same RS-485 segment can impersonate a real wall connector
// for integration testing (spec.md §4.7). It is a diagnostic mirror, not
// part of the production master control path.
package slave

import (
	"log"
	"time"

	"twcmaster/clock"
	"twcmaster/frame"
	"twcmaster/protocol"
	"twcmaster/transport"
)

const beaconInterval = 10 * time.Second

// Device impersonates one slave TWC. Status and ActualCA are the values
// it reports in its own heartbeats; callers (or a test) may mutate them
// between Tick calls to simulate a car plugging in, drawing current, etc.
type Device struct {
	OwnID   protocol.TwcId
	OwnSign protocol.Sign

	// MaxAmpsAdvertisedCA is the capacity this device claims in its
	// linkready beacon.
	MaxAmpsAdvertisedCA int32

	Status   byte
	ActualCA int32

	Transport *transport.Transport
	Clock     clock.Clock

	// lastReqMaxCA is the cap most recently mirrored from the master's
	// heartbeat, echoed back as this device's own requested max.
	lastReqMaxCA int32

	lastBeaconAt time.Time
}

// New constructs a Device with sensible defaults (ready, no draw).
func New(id protocol.TwcId, sign protocol.Sign, maxAmpsCA int32, tr *transport.Transport, clk clock.Clock) *Device {
	return &Device{
		OwnID:               id,
		OwnSign:             sign,
		MaxAmpsAdvertisedCA: maxAmpsCA,
		Status:              protocol.StatusReady,
		Transport:           tr,
		Clock:               clk,
	}
}

// Tick drains available inbound frames, then emits a linkready beacon if
// the 10s idle beacon interval has elapsed.
func (d *Device) Tick() {
	for {
		f, ok := d.Transport.PollFrame()
		if !ok {
			break
		}
		d.handle(protocol.Parse(f))
	}

	if d.Transport.Buffering() {
		return
	}

	now := d.Clock.Now()
	if now.Sub(d.lastBeaconAt) >= beaconInterval {
		d.beacon(now)
	}
}

func (d *Device) beacon(now time.Time) {
	d.lastBeaconAt = now
	f := protocol.BuildSlaveLinkReady(d.OwnID, d.OwnSign, d.MaxAmpsAdvertisedCA)
	d.write(f)
}

func (d *Device) handle(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindMasterLinkReady1, protocol.KindMasterLinkReady2:
		if msg.Sender == d.OwnID {
			log.Printf("slave: id conflict with master claiming our id %v, re-randomizing", d.OwnID)
			d.OwnID = protocol.RandomID()
			d.OwnSign = protocol.RandomSign()
			return
		}
		if msg.Kind == protocol.KindMasterLinkReady2 {
			d.beacon(d.Clock.Now())
		}

	case protocol.KindMasterHeartbeat:
		if msg.Receiver != d.OwnID {
			return
		}
		// Mirror bytes 1-2 of the master's payload (the cap) into our
		// own heartbeat reply.
		d.lastReqMaxCA = msg.CapCA
		d.write(protocol.BuildSlaveHeartbeat(d.OwnID, msg.Sender, d.Status, d.lastReqMaxCA, d.ActualCA))
	}
}

func (d *Device) write(f frame.Frame) {
	now := d.Clock.Now()
	if err := d.Transport.WriteFrame(now, f); err != nil {
		log.Printf("slave: write failed: %v", err)
	}
}
