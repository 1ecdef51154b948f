package policy

import (
	"fmt"

	"github.com/eliteGoblin/focusd/buddy/internal/domain"
)

// Table is the ordered set of routing rules plus per-source fallbacks.
type Table struct {
	routes    []Route
	fallbacks map[domain.Role]Route
	fallback  Route
	taps      []Tap
}

// NewTable creates a table with the default rules.
func NewTable() *Table {
	t := NewTableWithRoutes()

	t.Register(Route{
		Name: "log",
		Type: domain.TypeLog,
		Log:  true,
	})
	// Audio requests go to the audio child whichever side sent them.
	t.Register(Route{
		Name:    "frontend-audio",
		Type:    domain.TypeFrontendAudioService,
		Forward: []Forward{{Role: domain.RoleAudio}},
	})
	t.Register(Route{
		Name:    "backend-audio",
		Type:    domain.TypeBackendAudioService,
		Log:     true,
		Forward: []Forward{{Role: domain.RoleAudio}},
	})
	t.Register(Route{
		Name:    "audio-response",
		Type:    domain.TypeAudioServiceResponse,
		UI:      true,
		Forward: []Forward{{Role: domain.RoleBackend, Wrap: true}},
	})

	t.SetFallback(domain.RoleUI, Route{
		Name:    "ui-default",
		Forward: []Forward{{Role: domain.RoleBackend, Wrap: true}},
	})

	t.AddTap(SpeechTap())
	return t
}

// NewTableWithRoutes creates a table with custom rules (for testing).
// The fallback for unmatched records is UI delivery.
func NewTableWithRoutes(routes ...Route) *Table {
	t := &Table{
		fallbacks: make(map[domain.Role]Route),
		fallback:  Route{Name: "default", UI: true},
	}
	for _, r := range routes {
		t.Register(r)
	}
	return t
}

// Register appends a rule. Later rules have lower precedence.
func (t *Table) Register(r Route) {
	t.routes = append(t.routes, r)
}

// SetFallback sets the rule used for unmatched records from one source.
func (t *Table) SetFallback(source domain.Role, r Route) {
	t.fallbacks[source] = r
}

// AddTap registers a side tap.
func (t *Table) AddTap(tap Tap) {
	t.taps = append(t.taps, tap)
}

// Match returns the rule for a record. ok is false when no discriminator
// could be read; such records take the fallback.
func (t *Table) Match(discriminator string, ok bool, source domain.Role) Route {
	if ok {
		for _, r := range t.routes {
			if r.Matches(discriminator, source) {
				return r
			}
		}
	}
	if r, found := t.fallbacks[source]; found {
		return r
	}
	return t.fallback
}

// TapsFor returns the taps that apply to a discriminator.
func (t *Table) TapsFor(discriminator string) []Tap {
	var out []Tap
	for _, tap := range t.taps {
		if tap.Type == discriminator {
			out = append(out, tap)
		}
	}
	return out
}

// Routes returns the registered rules in precedence order.
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Describe renders a rule for CLI output.
func Describe(r Route) string {
	src := "any"
	if r.Source != "" {
		src = string(r.Source)
	}
	dests := ""
	if r.Log {
		dests += " log"
	}
	if r.UI {
		dests += " ui"
	}
	for _, f := range r.Forward {
		if f.Wrap {
			dests += fmt.Sprintf(" %s[wrapped]", f.Role)
		} else {
			dests += " " + string(f.Role)
		}
	}
	return fmt.Sprintf("%-18s type=%q from=%s ->%s", r.Name, r.Type, src, dests)
}

// Taps returns the registered taps.
func (t *Table) Taps() []Tap {
	out := make([]Tap, len(t.taps))
	copy(out, t.taps)
	return out
}

// Fallback returns the rule applied to unmatched records from source.
func (t *Table) Fallback(source domain.Role) Route {
	if r, ok := t.fallbacks[source]; ok {
		return r
	}
	return t.fallback
}
