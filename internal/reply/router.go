package reply

import (
	"strings"

	"github.com/Martian-dev/mailbridge/internal/model"
)

// Rule sends replies for matching messages through Provider. Exactly one
// of Tag, SenderDomain or Recipient is expected to be set.
type Rule struct {
	Tag          string
	SenderDomain string
	Recipient    string
	Provider     model.Provider
}

// Router picks the provider a reply goes out through
type Router struct {
	rules    []Rule
	fallback model.Provider
	enabled  map[model.Provider]bool
}

// NewRouter creates a router. Rules naming a provider outside enabled are
// ignored.
func NewRouter(rules []Rule, fallback model.Provider, enabled ...model.Provider) *Router {
	r := &Router{fallback: fallback, enabled: make(map[model.Provider]bool)}
	for _, p := range enabled {
		r.enabled[p] = true
	}
	for _, rule := range rules {
		if r.enabled[rule.Provider] {
			r.rules = append(r.rules, rule)
		}
	}
	return r
}

// Route returns the reply provider for m. Tag rules win over sender domain
// rules, which win over recipient rules. Without a match the message's own
// provider is used, or the fallback when that one is not enabled.
func (r *Router) Route(m *model.Message) model.Provider {
	for _, rule := range r.rules {
		if rule.Tag != "" && m.HasTag(rule.Tag) {
			return rule.Provider
		}
	}

	domain := model.EmailDomain(m.FromEmail)
	for _, rule := range r.rules {
		if rule.SenderDomain == "" || domain == "" {
			continue
		}
		want := strings.ToLower(strings.TrimPrefix(rule.SenderDomain, "@"))
		if domain == want || strings.HasSuffix(domain, "."+want) {
			return rule.Provider
		}
	}

	for _, rule := range r.rules {
		if rule.Recipient == "" {
			continue
		}
		for _, to := range m.To {
			if strings.EqualFold(strings.TrimSpace(to), rule.Recipient) {
				return rule.Provider
			}
		}
	}

	if r.enabled[m.Provider] {
		return m.Provider
	}
	return r.fallback
}
