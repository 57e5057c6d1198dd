// Package config holds the top-level command line definition.
package config

import (
	"github.com/alecthomas/kong"

	"github.com/sharpie7/tinyusb/internal/cmd"
	"github.com/sharpie7/tinyusb/internal/log"
)

// CLI is the root kong command tree.
type CLI struct {
	Config  string           `help:"Path to a json, yaml or toml configuration file" type:"path" env:"EHCID_CONFIG"`
	Version kong.VersionFlag `help:"Print the version and exit"`
	Log     log.Config       `embed:"" prefix:"log."`

	Serve         cmd.Serve         `cmd:"" help:"Run a simulated EHCI controller and its API server"`
	List          cmd.List          `cmd:"" help:"Show the asynchronous list of a running controller"`
	ConfigCommand cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration helpers"`
}
