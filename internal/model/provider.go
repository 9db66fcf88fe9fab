package model

import (
	"fmt"
	"strconv"
)

// Provider identifies an external mail system.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

// Providers lists every known provider. Push state rows exist for each.
func Providers() []Provider {
	return []Provider{ProviderGmail, ProviderOutlook}
}

// ParseProvider validates a provider name.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case ProviderGmail, ProviderOutlook:
		return p, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

func (p Provider) String() string { return string(p) }

// CursorOrder reports whether next is strictly after prev.
type CursorOrder func(prev, next string) bool

// CursorAfter reports whether next moves the provider's watermark forward.
// Gmail cursors are history ids and compare numerically. Outlook cursors are
// opaque delta links; any new non-empty link counts as progress because
// deltas for one provider are applied one at a time.
func (p Provider) CursorAfter(prev, next string) bool {
	if next == "" {
		return false
	}
	if prev == "" {
		return true
	}
	switch p {
	case ProviderGmail:
		n, err := strconv.ParseUint(next, 10, 64)
		if err != nil {
			return false
		}
		c, err := strconv.ParseUint(prev, 10, 64)
		if err != nil {
			// a corrupt stored cursor must not block progress forever
			return true
		}
		return n > c
	default:
		return next != prev
	}
}
