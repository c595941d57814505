// Package brand centralizes product identity constants so forks only
// need to touch one file.
package brand

const (
	Name        = "Palisade"
	LowerName   = "palisade"
	BinaryName  = "palisade"
	Description = "IoT network-policy enforcement agent"

	DefaultConfigDir = "/etc/palisade"
	DefaultStateDir  = "/var/lib/palisade"
	ConfigFileName   = "palisade.hcl"
	StateFileName    = "state.json"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// BuildTime is set at build time via -ldflags.
var BuildTime = "unknown"
