// command twcmaster impersonates a Tesla Wall Connector master on an
// RS-485 bus, regulating how much current the real slave wall connectors
// on the bus may draw.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"twcmaster/clock"
	"twcmaster/config"
	"twcmaster/master"
	"twcmaster/power"
	"twcmaster/protocol"
	"twcmaster/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "twcmaster: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))

	cfg, err := config.Parse(os.Args[1:])
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
	src := &power.Source{
		Clock:       clk,
		OverrideDir: cfg.GreenDir,
		Command:     cfg.SolarCmd,
	}

	ownID := protocol.RandomID()
	ownSign := protocol.RandomSign()
	ctrl := master.New(ownID, ownSign, int32(cfg.WiringCapA), tr, clk, src)

	log.Printf("twcmaster: starting, own id=%v wiring cap=%dA", ownID, cfg.WiringCapA)
	for {
		ctrl.Tick()
		// The cooperative loop yields briefly between ticks so a
		// quiescent bus doesn't spin the CPU; the in-tick sleeps around
		// actual transmissions provide the protocol-level timing.
		time.Sleep(time.Millisecond)
	}
}
