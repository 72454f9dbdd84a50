package update

import (
	"strings"
	"time"
)

// Kind is the install action an update file needs.
type Kind int

const (
	KindUnknown Kind = iota
	KindFirmware
	KindPackage
	KindConfig
)

// String returns the lower-case kind name used in manifests and logs.
func (k Kind) String() string {
	switch k {
	case KindFirmware:
		return "firmware"
	case KindPackage:
		return "package"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind maps a declared kind name to a Kind. Unrecognized names
// report false.
func ParseKind(name string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "firmware":
		return KindFirmware, true
	case "package", "vpk":
		return KindPackage, true
	case "config":
		return KindConfig, true
	default:
		return KindUnknown, false
	}
}

// Classify guesses a file's kind from its name. This is the fallback
// for legacy bundles that come without a declared kind, so the rules
// are deliberately loose and checked in order:
//
//	".vpk"                 -> package
//	"firmware" or ".bin"   -> firmware
//	"config" or ".json"    -> config
//
// Matching ignores case.
func Classify(filename string) Kind {
	name := strings.ToLower(filename)
	switch {
	case strings.Contains(name, ".vpk"):
		return KindPackage
	case strings.Contains(name, "firmware"), strings.Contains(name, ".bin"):
		return KindFirmware
	case strings.Contains(name, "config"), strings.Contains(name, ".json"):
		return KindConfig
	default:
		return KindUnknown
	}
}

// resolveKind prefers a declared kind over the filename heuristic.
func resolveKind(filename, declared string) (Kind, bool) {
	if declared != "" {
		if k, ok := ParseKind(declared); ok {
			return k, true
		}
	}
	return Classify(filename), false
}

// UpdateFile is a candidate sitting in the staging directory.
type UpdateFile struct {
	Filename       string    `json:"filename"`
	StagedPath     string    `json:"stagedPath"`
	Kind           Kind      `json:"kind"`
	Declared       bool      `json:"declared"`
	SizeBytes      int64     `json:"sizeBytes"`
	DiscoveredAt   time.Time `json:"discoveredAt"`
	Verified       bool      `json:"verified"`
	Digest         string    `json:"digest,omitempty"`
	ExpectedDigest string    `json:"expectedDigest,omitempty"`
	Failures       int       `json:"failures"`
}

// RunState is the Update Manager's counters and flags.
type RunState struct {
	InProgress       bool      `json:"inProgress"`
	MediaConnected   bool      `json:"mediaConnected"`
	NetworkAvailable bool      `json:"networkAvailable"`
	LastOTACheckAt   time.Time `json:"lastOtaCheckAt"`
	LastMediaCheckAt time.Time `json:"lastMediaCheckAt"`
	TotalFound       int       `json:"totalFound"`
	TotalInstalled   int       `json:"totalInstalled"`
}
