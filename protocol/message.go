package protocol

import (
	"encoding/binary"

	"twcmaster/frame"
)

// Kind tags which variant a Message holds.
type Kind int

const (
	KindUnknown Kind = iota
	KindSlaveLinkReady
	KindSlaveHeartbeat
	KindMasterLinkReady1
	KindMasterLinkReady2
	KindMasterHeartbeat
	KindMasterIdle4h
)

func (k Kind) String() string {
	switch k {
	case KindSlaveLinkReady:
		return "SlaveLinkReady"
	case KindSlaveHeartbeat:
		return "SlaveHeartbeat"
	case KindMasterLinkReady1:
		return "MasterLinkReady1"
	case KindMasterLinkReady2:
		return "MasterLinkReady2"
	case KindMasterHeartbeat:
		return "MasterHeartbeat"
	case KindMasterIdle4h:
		return "MasterIdle4h"
	default:
		return "Unknown"
	}
}

// Slave heartbeat status codes, carried in SlaveHeartbeat.Status.
const (
	StatusReady            byte = 0x00
	StatusCharging         byte = 0x01
	StatusMasterLost       byte = 0x02
	StatusPluggedNoCharge  byte = 0x03
	StatusPluggedReady     byte = 0x04
	StatusTransient        byte = 0x05
	StatusLostWhilePlugged byte = 0x08
)

// Master heartbeat commands, carried in MasterHeartbeat.Cmd.
const (
	CmdIdleAck byte = 0x00
	CmdError   byte = 0x02 // observed on the wire, never emitted
	CmdSetCap  byte = 0x05
)

// Message is a tagged variant over the six message shapes the protocol
// defines, plus Unknown for anything that doesn't match a known shape.
type Message struct {
	Kind Kind

	Sender   TwcId
	Receiver TwcId

	// SlaveLinkReady / MasterLinkReady1 / MasterLinkReady2
	Sign Sign

	// SlaveLinkReady
	MaxAmpsAdvertisedCA int32

	// SlaveHeartbeat
	Status    byte
	ReqMaxCA  int32
	ActualCA  int32
	SlaveExtra [2]byte

	// MasterHeartbeat
	Cmd   byte
	CapCA int32
	Flag  byte
	MasterExtra [3]byte

	// Unknown
	Raw frame.Frame
}

var (
	typeSlaveLinkReady   = [2]byte{0xFD, 0xE2}
	typeSlaveHeartbeat   = [2]byte{0xFD, 0xE0}
	typeMasterLinkReady1 = [2]byte{0xFC, 0xE1}
	typeMasterLinkReady2 = [2]byte{0xFB, 0xE2}
	typeMasterHeartbeat  = [2]byte{0xFB, 0xE0}
	typeMasterIdle4h     = [2]byte{0xFC, 0x1D}
)

func read16(b []byte) int32 {
	return int32(binary.BigEndian.Uint16(b))
}

func write16(b []byte, v int32) {
	binary.BigEndian.PutUint16(b, uint16(v))
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Parse classifies a checksum-verified Frame into a typed Message.
func Parse(f frame.Frame) Message {
	typ := [2]byte{f[0], f[1]}
	sender := TwcId{f[2], f[3]}
	receiver := TwcId{f[4], f[5]}
	payload := f[6:13]

	switch {
	case typ == typeSlaveLinkReady && allZero(payload[2:]):
		return Message{
			Kind:                KindSlaveLinkReady,
			Sender:              sender,
			Receiver:            receiver,
			Sign:                Sign(receiver[0]),
			MaxAmpsAdvertisedCA: read16(payload[0:2]),
		}

	case typ == typeSlaveHeartbeat:
		return Message{
			Kind:     KindSlaveHeartbeat,
			Sender:   sender,
			Receiver: receiver,
			Status:   payload[0],
			ReqMaxCA: read16(payload[1:3]),
			ActualCA: read16(payload[3:5]),
			SlaveExtra: [2]byte{payload[5], payload[6]},
		}

	case typ == typeMasterLinkReady1 && allZero(payload):
		return Message{Kind: KindMasterLinkReady1, Sender: sender, Receiver: receiver, Sign: Sign(receiver[0])}

	case typ == typeMasterLinkReady2 && allZero(payload):
		return Message{Kind: KindMasterLinkReady2, Sender: sender, Receiver: receiver, Sign: Sign(receiver[0])}

	case typ == typeMasterHeartbeat:
		return Message{
			Kind:     KindMasterHeartbeat,
			Sender:   sender,
			Receiver: receiver,
			Cmd:      payload[0],
			CapCA:    read16(payload[1:3]),
			Flag:     payload[3],
			MasterExtra: [3]byte{payload[4], payload[5], payload[6]},
		}

	case typ == typeMasterIdle4h && receiver == (TwcId{}) && allZero(payload):
		return Message{Kind: KindMasterIdle4h, Sender: sender}

	default:
		return Message{Kind: KindUnknown, Raw: f}
	}
}

// BuildMasterLinkReady1 builds the FC E1 startup beacon.
func BuildMasterLinkReady1(self TwcId, sign Sign) frame.Frame {
	return buildLinkReady(typeMasterLinkReady1, self, sign)
}

// BuildMasterLinkReady2 builds the FB E2 startup beacon.
func BuildMasterLinkReady2(self TwcId, sign Sign) frame.Frame {
	return buildLinkReady(typeMasterLinkReady2, self, sign)
}

func buildLinkReady(typ [2]byte, self TwcId, sign Sign) frame.Frame {
	var f frame.Frame
	f[0], f[1] = typ[0], typ[1]
	f[2], f[3] = self[0], self[1]
	f[4] = byte(sign)
	// f[5] and payload are already zero.
	frame.SetChecksum(&f)
	return f
}

// BuildSlaveLinkReady builds the FD E2 beacon a slave sends to announce
// itself, advertising maxAmpsCA of capacity.
func BuildSlaveLinkReady(self TwcId, sign Sign, maxAmpsCA int32) frame.Frame {
	var f frame.Frame
	f[0], f[1] = typeSlaveLinkReady[0], typeSlaveLinkReady[1]
	f[2], f[3] = self[0], self[1]
	f[4] = byte(sign)
	write16(f[6:8], maxAmpsCA)
	frame.SetChecksum(&f)
	return f
}

// BuildMasterHeartbeat builds an FB E0 heartbeat from us to receiver.
func BuildMasterHeartbeat(self, receiver TwcId, cmd byte, capCA int32) frame.Frame {
	var f frame.Frame
	f[0], f[1] = typeMasterHeartbeat[0], typeMasterHeartbeat[1]
	f[2], f[3] = self[0], self[1]
	f[4], f[5] = receiver[0], receiver[1]
	f[6] = cmd
	write16(f[7:9], capCA)
	frame.SetChecksum(&f)
	return f
}

// BuildMasterIdle4h builds the FC 1D frame a master sends after four hours
// of inactivity on a link (observed on the wire; this controller does not
// currently emit it, but can classify and construct it for tests).
func BuildMasterIdle4h(self TwcId) frame.Frame {
	var f frame.Frame
	f[0], f[1] = typeMasterIdle4h[0], typeMasterIdle4h[1]
	f[2], f[3] = self[0], self[1]
	frame.SetChecksum(&f)
	return f
}

// BuildSlaveHeartbeat builds an FD E0 heartbeat reply from a slave back to
// the master.
func BuildSlaveHeartbeat(self, receiver TwcId, status byte, reqMaxCA, actualCA int32) frame.Frame {
	var f frame.Frame
	f[0], f[1] = typeSlaveHeartbeat[0], typeSlaveHeartbeat[1]
	f[2], f[3] = self[0], self[1]
	f[4], f[5] = receiver[0], receiver[1]
	f[6] = status
	write16(f[7:9], reqMaxCA)
	write16(f[9:11], actualCA)
	frame.SetChecksum(&f)
	return f
}
