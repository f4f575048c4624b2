// Package config contains embedded YAML default profiles for the PoA
// coordination server, one per deployment mode.
package config

import (
	_ "embed"
)

// Prod is the production default profile: long tick intervals, long
// cooldowns, conservative financial caps.
//
//go:embed poa.prod.yml
var Prod []byte

// Dev is the development default profile: short tick intervals and
// cooldowns so a local run exercises multiple rounds quickly.
//
//go:embed poa.dev.yml
var Dev []byte
