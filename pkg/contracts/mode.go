// Package contracts defines the immutable value records exchanged between
// the MarketOps pipeline, the governance gate, and the Proof Pack layer.
//
// All canonical artifacts serialize with camelCase property names, null
// omission, and enum-as-camelCase strings. These rules are wire protocol:
// changing a tag here invalidates every stored Proof Pack.
package contracts

import "fmt"

// Mode is the execution mode of a run. It must always be explicit;
// absence fails closed.
type Mode string

const (
	ModeDryRun Mode = "dryRun"
	ModeProd   Mode = "prod"
)

// ParseMode accepts the HTTP/CLI wire spellings ("dry_run", "prod") as well
// as the canonical enum spellings.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "dry_run", "dryRun":
		return ModeDryRun, nil
	case "prod":
		return ModeProd, nil
	case "":
		return "", fmt.Errorf("mode is required")
	default:
		return "", fmt.Errorf("invalid mode %q: must be exactly 'dry_run' or 'prod'", s)
	}
}

// Wire returns the snake_case spelling used on the HTTP surface.
func (m Mode) Wire() string {
	if m == ModeDryRun {
		return "dry_run"
	}
	return string(m)
}

// Valid reports whether the mode is one of the two known modes.
func (m Mode) Valid() bool {
	return m == ModeDryRun || m == ModeProd
}

// Kind is the category of an external side effect.
type Kind string

const (
	KindPublishRelease Kind = "publishRelease"
	KindPublishPost    Kind = "publishPost"
	KindTagRepo        Kind = "tagRepo"
	KindOpenPr         Kind = "openPr"
)

// Valid reports whether the kind is one of the four supported operations.
func (k Kind) Valid() bool {
	switch k {
	case KindPublishRelease, KindPublishPost, KindTagRepo, KindOpenPr:
		return true
	}
	return false
}
