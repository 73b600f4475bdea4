// Package protocol classifies validated frames into typed messages and
// builds the outbound byte sequences for the messages this controller
// emits. It is stateless: all classification is a table lookup over the
// type bytes and payload shape (spec.md §4.3).
package protocol

import (
	"crypto/rand"
	"fmt"
)

// TwcId is a device's two-byte bus address, network order. It carries no
// ordering semantics beyond byte equality.
type TwcId [2]byte

func (id TwcId) String() string {
	return fmt.Sprintf("%02X%02X", id[0], id[1])
}

// Sign is a one-byte, per-device value carried in linkready messages. It
// is opaque and stable for a session, regenerated only on an ID conflict.
type Sign byte

// RandomID returns a random non-zero TwcId, used both for this
// controller's own fake identity and to re-randomize it on conflict.
func RandomID() TwcId {
	var id TwcId
	for {
		if _, err := rand.Read(id[:]); err != nil {
			// crypto/rand failing is effectively unrecoverable on any
			// supported platform; fall back to a fixed non-zero id
			// rather than panicking the control loop.
			return TwcId{0x77, 0x77}
		}
		if id != (TwcId{}) {
			return id
		}
	}
}

// RandomSign returns a random Sign byte for use after an ID conflict.
func RandomSign() Sign {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return Sign(0x77)
	}
	return Sign(b[0])
}
