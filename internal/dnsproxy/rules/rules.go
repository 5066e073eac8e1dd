// Package rules decides per-domain whether a query is answered with a
// synthetic address or forwarded upstream.
package rules

import (
	"net"
	"strings"
	"sync"

	"github.com/feifeigood/swiftlink/internal/config"
	"github.com/feifeigood/swiftlink/internal/geoip"
)

// Action is what the router does with a matched query.
type Action string

const (
	// ActionForward resolves the query through the upstream group.
	ActionForward Action = "forward"
	// ActionFakeIP answers with a synthetic address.
	ActionFakeIP Action = "fakeip"
)

type rule struct {
	// suffixes match the domain itself and any subdomain
	suffixes []string
	// country matches when any resolved address belongs to it
	country string
	action  Action
}

func (r *rule) matchesDomain(domain string) bool {
	for _, suffix := range r.suffixes {
		if domain == suffix || strings.HasSuffix(domain, "."+suffix) {
			return true
		}
	}
	return false
}

// Engine evaluates routing rules in order; the first matching rule
// wins. Rules carrying only a country are evaluated against resolved
// addresses and therefore only match after an upstream answer exists.
type Engine struct {
	mu            sync.RWMutex
	rules         []rule
	defaultAction Action
	geo           *geoip.Resolver
	hasGeoRules   bool
}

// NewEngine builds the rule engine. geo may be nil when no rule uses
// countries.
func NewEngine(configured []*config.RuleConfig, defaultAction string, geo *geoip.Resolver) *Engine {
	e := &Engine{
		defaultAction: ActionForward,
		geo:           geo,
	}
	if defaultAction == string(ActionFakeIP) {
		e.defaultAction = ActionFakeIP
	}

	for _, rc := range configured {
		r := rule{
			country: strings.ToUpper(rc.GeoIP),
			action:  Action(rc.Action),
		}
		for _, domain := range rc.Domains {
			domain = strings.ToLower(strings.TrimSuffix(domain, "."))
			domain = strings.TrimPrefix(domain, "*.")
			if domain != "" {
				r.suffixes = append(r.suffixes, domain)
			}
		}
		if len(r.suffixes) == 0 && r.country == "" {
			continue
		}
		if r.country != "" {
			e.hasGeoRules = true
		}
		e.rules = append(e.rules, r)
	}

	return e
}

// DefaultAction returns the action applied when no rule matches.
func (e *Engine) DefaultAction() Action {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaultAction
}

// HasGeoRules reports whether any rule needs resolved addresses to be
// evaluated.
func (e *Engine) HasGeoRules() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hasGeoRules
}

// ActionForDomain evaluates the rules with only the query name
// available. Any rule carrying a country needs resolved addresses and
// is skipped here; it is decided in ActionForAnswer instead.
func (e *Engine) ActionForDomain(domain string) Action {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	e.mu.RLock()
	defer e.mu.RUnlock()

	for i := range e.rules {
		r := &e.rules[i]
		if len(r.suffixes) == 0 || r.country != "" {
			continue
		}
		if r.matchesDomain(domain) {
			return r.action
		}
	}
	return e.defaultAction
}

// ActionForAnswer re-evaluates the rules once resolved addresses are
// known, letting country rules participate. Rules with both domains
// and a country require both to match.
func (e *Engine) ActionForAnswer(domain string, addrs []net.IP) Action {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	e.mu.RLock()
	defer e.mu.RUnlock()

	for i := range e.rules {
		r := &e.rules[i]

		if len(r.suffixes) > 0 && !r.matchesDomain(domain) {
			continue
		}
		if r.country != "" && !e.matchesCountry(r.country, addrs) {
			continue
		}
		return r.action
	}
	return e.defaultAction
}

func (e *Engine) matchesCountry(country string, addrs []net.IP) bool {
	if e.geo == nil {
		return false
	}
	for _, addr := range addrs {
		if e.geo.Country(addr) == country {
			return true
		}
	}
	return false
}
