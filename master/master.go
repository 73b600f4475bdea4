// Package master implements the master state machine (C6): startup
// linkready bursts, per-slave round-robin heartbeats at ~1 Hz, slave
// expiry at 26s silence, and ID-conflict handling (spec.md §4.6).
package master

import (
	"encoding/hex"
	"log"
	"time"

	"twcmaster/allocator"
	"twcmaster/clock"
	"twcmaster/frame"
	"twcmaster/protocol"
	"twcmaster/registry"
	"twcmaster/transport"
)

// Phase is the master's coarse lifecycle stage.
type Phase int

const (
	Booting Phase = iota
	Cruising
)

const (
	// startupBurstEach is how many of each linkready variant are sent at
	// boot (5 x linkready1, then 5 x linkready2).
	startupBurstEach = 5
	startupTotal     = startupBurstEach * 2

	txInterval    = time.Second
	silenceExpiry = 26 * time.Second
	greenPollPeriod = 60 * time.Second

	txSettleDelay = 100 * time.Microsecond
)

// PowerSource is the C8 collaborator: a periodic external current-cap
// provider. Controller calls it no more than once per greenPollPeriod.
type PowerSource interface {
	Poll(now time.Time, currentCapCA int32) (newCapCA int32, changed bool)
}

// Controller owns the master's ControllerState (spec.md §3) and drives
// the cooperative scheduling loop described in spec.md §5.
type Controller struct {
	OwnID   protocol.TwcId
	OwnSign protocol.Sign

	Registry    *registry.Registry
	WiringCapA  int32
	GlobalCapCA int32

	Transport *transport.Transport
	Clock     clock.Clock
	Power     PowerSource

	phase           Phase
	startupMsgsLeft int
	lastGreenPollAt time.Time
}

// New constructs a Controller. ownID is this controller's fake TWC
// identity; it starts in Booting with a full startup burst queued.
func New(ownID protocol.TwcId, ownSign protocol.Sign, wiringCapA int32, tr *transport.Transport, clk clock.Clock, power PowerSource) *Controller {
	return &Controller{
		OwnID:           ownID,
		OwnSign:         ownSign,
		Registry:        registry.New(),
		WiringCapA:      wiringCapA,
		GlobalCapCA:     1, // spec.md §3: initial global cap is 1cA
		Transport:       tr,
		Clock:           clk,
		Power:           power,
		phase:           Booting,
		startupMsgsLeft: startupTotal,
	}
}

// Phase reports the controller's current lifecycle stage.
func (c *Controller) Phase() Phase { return c.phase }

// Tick runs one outer scheduling iteration: drain every currently
// available inbound frame, then — only if nothing is left mid-frame — do
// one unit of state-machine work (a startup beacon or one round-robin
// heartbeat) and, at most once per greenPollPeriod, one power-source poll.
func (c *Controller) Tick() {
	for {
		f, ok := c.Transport.PollFrame()
		if !ok {
			break
		}
		c.handle(protocol.Parse(f))
	}

	if c.Transport.Buffering() {
		// A partial inbound frame is buffered; never transmit now, to
		// avoid a bus collision on the half-duplex segment.
		return
	}

	switch c.phase {
	case Booting:
		c.sendStartupBeacon()
	case Cruising:
		c.cruise()
	}

	now := c.Clock.Now()
	if now.Sub(c.lastGreenPollAt) > greenPollPeriod {
		c.pollPower(now)
	}
}

func (c *Controller) sendStartupBeacon() {
	remaining := c.startupMsgsLeft
	var f frame.Frame
	if remaining > startupBurstEach {
		f = protocol.BuildMasterLinkReady1(c.OwnID, c.OwnSign)
	} else {
		f = protocol.BuildMasterLinkReady2(c.OwnID, c.OwnSign)
	}
	c.write(f)
	c.Clock.Sleep(txSettleDelay)

	c.startupMsgsLeft--
	if c.startupMsgsLeft <= 0 {
		c.phase = Cruising
	}
}

func (c *Controller) restartBooting() {
	c.phase = Booting
	c.startupMsgsLeft = startupTotal
}

func (c *Controller) cruise() {
	now := c.Clock.Now()
	if now.Sub(c.Transport.LastTxAt) > txInterval && c.Registry.Len() > 0 {
		rec, ok := c.Registry.Next()
		if ok {
			if now.Sub(rec.LastRxAt) > silenceExpiry {
				log.Printf("master: slave %v silent for %s, expiring", rec.ID, now.Sub(rec.LastRxAt))
				c.Registry.Delete(rec.ID)
			} else {
				c.sendHeartbeatTo(rec, now)
			}
			c.Clock.Sleep(txSettleDelay)
		}
	}
}

// sendHeartbeatTo runs the allocation policy for a known slave and sends
// the resulting MasterHeartbeat as a round-robin poll (rather than as a
// reply to a just-received heartbeat). A slave that has never sent a
// heartbeat yet (still carrying its sentinel amp values) gets a
// zero-payload keep-alive instead, since there is no sample for C5 to
// act on.
func (c *Controller) sendHeartbeatTo(rec *registry.Record, now time.Time) {
	if rec.LastReqMaxCA == registry.UnseenSentinel {
		c.write(protocol.BuildMasterHeartbeat(c.OwnID, rec.ID, protocol.CmdIdleAck, 0))
		return
	}
	res := allocator.Apply(rec, allocator.Input{
		Now:                   now,
		GlobalCapCA:           c.GlobalCapCA,
		WiringCapA:            c.WiringCapA,
		NumSlaves:             c.Registry.Len(),
		SumOtherReqMaxCA:      c.sumOtherReqMax(rec.ID),
		SlaveReqMaxReportedCA: rec.LastReqMaxCA,
		SlaveActualCA:         rec.LastActualCA,
	})
	c.GlobalCapCA = res.ClampedGlobalCapCA
	c.write(protocol.BuildMasterHeartbeat(c.OwnID, rec.ID, res.Cmd, res.CapCA))
}

func (c *Controller) sumOtherReqMax(exclude protocol.TwcId) int32 {
	total := c.Registry.SumReqMax()
	if rec, ok := c.Registry.Get(exclude); ok && rec.LastReqMaxCA > 0 {
		total -= rec.LastReqMaxCA
	}
	return total
}

func (c *Controller) pollPower(now time.Time) {
	c.lastGreenPollAt = now
	if c.Power == nil {
		return
	}
	if newCap, changed := c.Power.Poll(now, c.GlobalCapCA); changed {
		log.Printf("master: global cap updated to %dcA", newCap)
		c.GlobalCapCA = newCap
	}
}

func (c *Controller) handle(msg protocol.Message) {
	now := c.Clock.Now()
	switch msg.Kind {
	case protocol.KindSlaveLinkReady:
		if msg.Sender == c.OwnID {
			log.Printf("master: id conflict with slave claiming our id %v, restarting linkready burst", c.OwnID)
			c.restartBooting()
			return
		}
		_, created := c.Registry.Upsert(msg.Sender, now)
		if created {
			log.Printf("master: new slave %v", msg.Sender)
		}
		c.write(protocol.BuildMasterHeartbeat(c.OwnID, msg.Sender, protocol.CmdIdleAck, 0))

	case protocol.KindSlaveHeartbeat:
		rec, known := c.Registry.Get(msg.Sender)
		if !known {
			log.Printf("master: heartbeat from unknown slave %v, dropping", msg.Sender)
			return
		}
		res := allocator.Apply(rec, allocator.Input{
			Now:                   now,
			GlobalCapCA:           c.GlobalCapCA,
			WiringCapA:            c.WiringCapA,
			NumSlaves:             c.Registry.Len(),
			SumOtherReqMaxCA:      c.sumOtherReqMax(msg.Sender),
			SlaveReqMaxReportedCA: msg.ReqMaxCA,
			SlaveActualCA:         msg.ActualCA,
		})
		c.GlobalCapCA = res.ClampedGlobalCapCA
		c.write(protocol.BuildMasterHeartbeat(c.OwnID, msg.Sender, res.Cmd, res.CapCA))

	case protocol.KindUnknown:
		log.Printf("master: unknown frame: %s", hex.EncodeToString(msg.Raw[:]))

	default:
		// Other masters' linkready/heartbeat traffic and idle-4h frames
		// are not addressed to us in master mode; nothing to do.
	}
}

func (c *Controller) write(f frame.Frame) {
	now := c.Clock.Now()
	if err := c.Transport.WriteFrame(now, f); err != nil {
		log.Printf("master: write failed: %v", err)
	}
}
