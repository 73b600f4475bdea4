// command twcslave is the diagnostic fake-slave mode (spec.md §4.7): it
// impersonates a real wall connector on the bus so a master controller
// can be exercised without real charging hardware attached.
package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"time"

	"twcmaster/clock"
	"twcmaster/config"
	"twcmaster/protocol"
	"twcmaster/slave"
	"twcmaster/transport"
)

// defaultAdvertisedMaxAmpsCA matches the 80.00A capability declared in a
// real slave's linkready beacon (spec.md §6).
const defaultAdvertisedMaxAmpsCA = 8000

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "twcslave: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	id, err := parseID(cfg.FakeSlaveID)
	if err != nil {
		return err
	}

	port, err := transport.Open(cfg.Device)
	if err != nil {
		return fmt.Errorf("open serial port: %w", err)
	}
	defer port.Close()

	tr := transport.New(port)
	clk := clock.Real{}
	dev := slave.New(id, protocol.RandomSign(), defaultAdvertisedMaxAmpsCA, tr, clk)

	log.Printf("twcslave: starting, fake id=%v", id)
	for {
		dev.Tick()
		time.Sleep(time.Millisecond)
	}
}

func parseID(s string) (protocol.TwcId, error) {
	if s == "" {
		return protocol.RandomID(), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 2 {
		return protocol.TwcId{}, fmt.Errorf("fake-slave-id must be 2 hex bytes, e.g. ABCD: %q", s)
	}
	return protocol.TwcId{b[0], b[1]}, nil
}
