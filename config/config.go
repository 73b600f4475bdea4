// Package config parses the small set of command-line flags the
// controller needs. Per spec.md §1, command-line/config-file parsing is
// an external collaborator whose contract is sketched, not a fully
// generalized config layer.
package config

import "flag"

// Config holds the controller's startup parameters.
type Config struct {
	Device      string
	WiringCapA  int
	GreenDir    string
	SolarCmd    string
	FakeSlaveID string
}

// Parse parses args (typically os.Args[1:]) into a Config.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("twcmaster", flag.ContinueOnError)
	c := Config{}
	fs.StringVar(&c.Device, "device", "", "serial device path (default: platform-specific /dev/ttyUSB0 list)")
	fs.IntVar(&c.WiringCapA, "wiring-cap-amps", 40, "hard upper bound on total current across all slaves, in whole amps")
	fs.StringVar(&c.GreenDir, "green-dir", ".", "working directory checked for overrideMaxAmps.txt")
	fs.StringVar(&c.SolarCmd, "solar-cmd", "", "shell command invoked to fetch solar production data")
	fs.StringVar(&c.FakeSlaveID, "fake-slave-id", "", "2-byte hex id (e.g. ABCD) the twcslave diagnostic fake slave uses; random if empty; ignored by twcmaster")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return c, nil
}
