package master

import (
	"bytes"
	"io"
	"testing"
	"time"

	"twcmaster/clock"
	"twcmaster/frame"
	"twcmaster/protocol"
	"twcmaster/transport"
)

// fakePort is a minimal in-memory io.ReadWriteCloser, standing in for the
// real serial port the way the teacher's driver/mjolnir/sim.go simulator
// stands in for the real engraver hardware.
type fakePort struct {
	inbound bytes.Buffer
	outbound bytes.Buffer
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.inbound.Len() == 0 {
		return 0, io.EOF
	}
	return p.inbound.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	return p.outbound.Write(b)
}

func (p *fakePort) Close() error { return nil }

func (p *fakePort) queue(f frame.Frame) {
	p.inbound.Write(frame.Encode(f))
}

func (p *fakePort) popOutbound(t *testing.T) protocol.Message {
	t.Helper()
	var d frame.Decoder
	for p.outbound.Len() > 0 {
		b, _ := p.outbound.ReadByte()
		f, ok, err := d.Feed(b)
		if err != nil {
			t.Fatalf("decode error on our own output: %v", err)
		}
		if ok {
			return protocol.Parse(f)
		}
	}
	t.Fatal("no outbound frame")
	return protocol.Message{}
}

func newTestController(wiringCapA int32) (*Controller, *fakePort, *clock.Fake) {
	port := &fakePort{}
	tr := transport.New(port)
	clk := clock.NewFake(time.Unix(1_000_000, 0))
	ctrl := New(protocol.TwcId{0x77, 0x77}, protocol.Sign(0x77), wiringCapA, tr, clk, nil)
	ctrl.phase = Cruising // skip the startup burst for these tests
	return ctrl, port, clk
}

func TestLinkUpAndFirstCap(t *testing.T) {
	ctrl, port, clk := newTestController(40)
	ctrl.GlobalCapCA = 4000

	linkReady := protocol.BuildSlaveLinkReady(protocol.TwcId{0xAB, 0xCD}, protocol.Sign(0x55), 8000)
	port.queue(linkReady)
	ctrl.Tick()

	reply := port.popOutbound(t)
	if reply.Kind != protocol.KindMasterHeartbeat || reply.Cmd != protocol.CmdIdleAck {
		t.Fatalf("expected idle-ack reply to link-up, got %+v", reply)
	}
	if _, ok := ctrl.Registry.Get(protocol.TwcId{0xAB, 0xCD}); !ok {
		t.Fatal("slave not registered")
	}

	port.outbound.Reset()
	hb := protocol.BuildSlaveHeartbeat(protocol.TwcId{0xAB, 0xCD}, ctrl.OwnID, protocol.StatusPluggedReady, 0, 0x19)
	port.queue(hb)
	clk.Advance(time.Second)
	ctrl.Tick()

	reply2 := port.popOutbound(t)
	if reply2.Kind != protocol.KindMasterHeartbeat || reply2.Cmd != protocol.CmdSetCap || reply2.CapCA != 4000 {
		t.Fatalf("expected cmd=0x05 cap=4000 (0x0FA0), got %+v", reply2)
	}
}

func TestIDConflictRestartsBooting(t *testing.T) {
	ctrl, port, _ := newTestController(40)
	conflict := protocol.BuildSlaveLinkReady(ctrl.OwnID, protocol.Sign(0x99), 8000)
	port.queue(conflict)
	ctrl.Tick()

	if ctrl.Phase() != Booting {
		t.Fatalf("expected Booting after id conflict, got %v", ctrl.Phase())
	}
	// The same Tick already sent the first beacon of the restarted burst.
	if ctrl.startupMsgsLeft != startupTotal-1 {
		t.Fatalf("expected startup burst reset, got %d", ctrl.startupMsgsLeft)
	}
}

func TestUnknownSlaveHeartbeatDropped(t *testing.T) {
	ctrl, port, _ := newTestController(40)
	hb := protocol.BuildSlaveHeartbeat(protocol.TwcId{0xEE, 0xEE}, ctrl.OwnID, protocol.StatusReady, 0, 0)
	port.queue(hb)
	ctrl.Tick()

	if port.outbound.Len() != 0 {
		t.Fatal("expected no reply to an unregistered slave's heartbeat")
	}
	if _, ok := ctrl.Registry.Get(protocol.TwcId{0xEE, 0xEE}); ok {
		t.Fatal("heartbeat must not implicitly register a slave")
	}
}

func TestSilentSlaveExpiredOnRoundRobin(t *testing.T) {
	ctrl, port, clk := newTestController(40)
	port.queue(protocol.BuildSlaveLinkReady(protocol.TwcId{0xAB, 0xCD}, protocol.Sign(0x55), 8000))
	ctrl.Tick()
	port.outbound.Reset()

	clk.Advance(27 * time.Second)
	ctrl.Tick()

	if _, ok := ctrl.Registry.Get(protocol.TwcId{0xAB, 0xCD}); ok {
		t.Fatal("expected slave to be expired after 27s of silence")
	}
}

func TestStartupBurstSequence(t *testing.T) {
	port := &fakePort{}
	tr := transport.New(port)
	clk := clock.NewFake(time.Unix(0, 0))
	ctrl := New(protocol.TwcId{0x77, 0x77}, protocol.Sign(0x77), 40, tr, clk, nil)

	for i := 0; i < startupBurstEach; i++ {
		ctrl.Tick()
		msg := port.popOutbound(t)
		if msg.Kind != protocol.KindMasterLinkReady1 {
			t.Fatalf("burst %d: expected linkready1, got %v", i, msg.Kind)
		}
		port.outbound.Reset()
	}
	for i := 0; i < startupBurstEach; i++ {
		ctrl.Tick()
		msg := port.popOutbound(t)
		if msg.Kind != protocol.KindMasterLinkReady2 {
			t.Fatalf("burst %d: expected linkready2, got %v", i, msg.Kind)
		}
		port.outbound.Reset()
	}
	if ctrl.Phase() != Cruising {
		t.Fatalf("expected Cruising after 10 startup messages, got %v", ctrl.Phase())
	}
}
