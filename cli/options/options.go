/*
Package options contains the common CLI flags and helper functions shared by
the coordinator's commands.
*/
package options

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/poa-network/coordinator/pkg/config"
)

// ConfigFile is a flag for commands that load configuration from a specific
// file instead of the embedded defaults. A missing file falls back silently
// to the embedded defaults for the selected mode.
var ConfigFile = &cli.StringFlag{
	Name:  "config-file",
	Usage: "Path to the configuration file (falls back to the embedded default if absent)",
}

// Dev selects the embedded development configuration instead of production
// when the file named by --config-file is absent.
var Dev = &cli.BoolFlag{
	Name:  "dev",
	Usage: "Use embedded development defaults instead of production",
}

// Debug is a flag for commands that allow debug-level logging.
var Debug = &cli.BoolFlag{
	Name:    "debug",
	Aliases: []string{"d"},
	Usage:   "Enable debug logging, overriding the configured level",
}

// ValidatorID identifies this coordinator instance to dispatched agents. It
// is carried in every RequestProof frame's requestingValidator field.
var ValidatorID = &cli.StringFlag{
	Name:  "validator-id",
	Usage: "Identifier this coordinator reports to agents as the requesting validator",
	Value: "poa-coordinator",
}

// GetConfigFromContext resolves which configuration source ctx's flags
// select and loads it: an explicit file (--config-file) wins, falling back
// to the embedded profile selected by --dev if the file is absent or unset.
func GetConfigFromContext(ctx *cli.Context) (config.Config, error) {
	mode := config.ModeProd
	if ctx.Bool("dev") {
		mode = config.ModeDev
	}

	if configFile := ctx.String("config-file"); configFile != "" {
		cfg, err := config.LoadFile(configFile, mode)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config file %s: %w", configFile, err)
		}
		return cfg, nil
	}

	cfg, err := config.Load(mode)
	if err != nil {
		return config.Config{}, fmt.Errorf("load embedded %s config: %w", mode, err)
	}
	return cfg, nil
}
