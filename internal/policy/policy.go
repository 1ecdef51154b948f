// Package policy holds the routing rules for relayed records.
// Each rule maps a discriminator (and optionally a source role) to its destinations.
package policy

import (
	"github.com/eliteGoblin/focusd/buddy/internal/domain"
)

// Forward sends a record to a child's writable end.
type Forward struct {
	Role domain.Role
	// Wrap sends the record as a single-element JSON array, the shape the
	// backend expects for batched input. A record that is already an array
	// is sent as is.
	Wrap bool
}

// Route is one routing rule. Rules are evaluated in registration order and
// the first match wins.
type Route struct {
	Name string

	// Type is the discriminator to match. Empty never matches; fallbacks are
	// configured separately on the Table.
	Type string

	// Source restricts the rule to records from one role. Empty matches any source.
	Source domain.Role

	Log     bool // hand to the log sink
	UI      bool // deliver to the UI
	Forward []Forward
}

// Matches reports whether the rule applies to a record.
func (r Route) Matches(discriminator string, source domain.Role) bool {
	if r.Type == "" || r.Type != discriminator {
		return false
	}
	return r.Source == "" || r.Source == source
}

// Terminal reports whether the rule swallows the record (log only).
func (r Route) Terminal() bool {
	return r.Log && !r.UI && len(r.Forward) == 0
}

// Tap copies a text field of matching records to another role as a new request.
// It runs independently of the primary route.
type Tap struct {
	Type        string      // discriminator of records to tap
	Field       string      // text-bearing field to extract
	Target      domain.Role // role receiving the request
	RequestType string      // discriminator of the emitted request
}

// SpeechTap forwards assistant text to the audio service for synthesis.
func SpeechTap() Tap {
	return Tap{
		Type:        domain.TypeAssistantMessage,
		Field:       domain.PayloadField,
		Target:      domain.RoleAudio,
		RequestType: domain.TypeBackendAudioService,
	}
}
