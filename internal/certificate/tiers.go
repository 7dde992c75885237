package certificate

import (
	"slices"
)

// Tier names
const (
	TierTrial      = "trial"
	TierBasic      = "basic"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Tier is one entry of the tier catalogue.
type Tier struct {
	Name        string   `json:"name"`
	Services    []string `json:"services"`
	MaxSessions int      `json:"max_sessions"`
	RateLimit   int      `json:"rate_limit"`
}

var catalogue = []Tier{
	{
		Name:        TierTrial,
		Services:    []string{"dashboard", "basic_analytics"},
		MaxSessions: 1,
		RateLimit:   100,
	},
	{
		Name:        TierBasic,
		Services:    []string{"dashboard", "analytics", "reports"},
		MaxSessions: 3,
		RateLimit:   1000,
	},
	{
		Name:        TierPro,
		Services:    []string{"dashboard", "analytics", "reports", "api", "integrations"},
		MaxSessions: 10,
		RateLimit:   10000,
	},
	{
		Name: TierEnterprise,
		Services: []string{
			"dashboard", "analytics", "reports", "api", "integrations",
			"custom_modules", "white_label", "sso",
		},
		MaxSessions: UnlimitedSessions,
		RateLimit:   100000,
	},
}

// Tiers returns a copy of the catalogue in ascending order.
func Tiers() []Tier {
	out := make([]Tier, len(catalogue))
	for i, t := range catalogue {
		t.Services = slices.Clone(t.Services)
		out[i] = t
	}
	return out
}

// LookupTier returns the catalogue entry for name.
func LookupTier(name string) (Tier, bool) {
	for _, t := range catalogue {
		if t.Name == name {
			t.Services = slices.Clone(t.Services)
			return t, true
		}
	}
	return Tier{}, false
}

// EntitlementsFor returns the tier's entitlements. When services is non-empty
// it replaces the tier's service list; extra adds to whatever list applies.
// Unknown tiers yield zero entitlements and false.
func EntitlementsFor(tier string, services, extra []string) (Entitlements, bool) {
	t, ok := LookupTier(tier)
	if !ok {
		return Entitlements{Services: []string{}}, false
	}

	list := t.Services
	if len(services) > 0 {
		list = slices.Clone(services)
	}
	for _, s := range extra {
		if !slices.Contains(list, s) {
			list = append(list, s)
		}
	}

	return Entitlements{
		Services:    list,
		MaxSessions: t.MaxSessions,
		RateLimit:   t.RateLimit,
	}, true
}
