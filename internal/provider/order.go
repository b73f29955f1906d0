// ABOUTME: Pure ordering of completion providers for a shop
// ABOUTME: Preferred first, then fallback, then everything else by static priority

package provider

import "sort"

// Preference is a shop's provider choice
type Preference struct {
	Preferred string
	Fallback  string
}

// rank places the preferred provider first and the fallback second.
func (p Preference) rank(name string) int {
	switch {
	case p.Preferred != "" && name == p.Preferred:
		return 0
	case p.Fallback != "" && name == p.Fallback:
		return 1
	default:
		return 2
	}
}

// Order returns the configured providers in cascade order. Providers that are
// not configured are dropped. The input slice is not modified and providers
// with equal keys keep their relative order.
func Order(providers []CompletionProvider, pref Preference) []CompletionProvider {
	ordered := make([]CompletionProvider, 0, len(providers))
	for _, p := range providers {
		if p.IsConfigured() {
			ordered = append(ordered, p)
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := pref.rank(ordered[i].Name()), pref.rank(ordered[j].Name())
		if ri != rj {
			return ri < rj
		}
		return ordered[i].Priority() < ordered[j].Priority()
	})
	return ordered
}
