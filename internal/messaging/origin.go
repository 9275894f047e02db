package messaging

import (
	"log"
	"net/url"
	"strings"
)

// AnyOrigin is the policy entry that admits every sender. It reproduces an
// open postMessage listener and should only be used in development.
const AnyOrigin = "*"

// OriginPolicy decides which sender origins may deliver protocol messages.
// Origins are compared in their canonical scheme://host[:port] form.
type OriginPolicy struct {
	allowAny bool
	allowed  map[string]bool
}

// NewOriginPolicy builds a policy from a list of trusted origins. Entries
// that do not parse as an origin are logged and skipped. An empty list
// admits nothing.
func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{allowed: make(map[string]bool)}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == AnyOrigin {
			p.allowAny = true
			continue
		}
		canon := CanonicalOrigin(o)
		if canon == "" {
			log.Printf("[messaging] ignoring invalid trusted origin %q", o)
			continue
		}
		p.allowed[canon] = true
	}
	return p
}

// AllowsAny reports whether the policy admits every origin.
func (p *OriginPolicy) AllowsAny() bool {
	return p != nil && p.allowAny
}

// Allow reports whether a message from origin may be dispatched. A nil
// policy admits nothing.
func (p *OriginPolicy) Allow(origin string) bool {
	if p == nil {
		return false
	}
	if p.allowAny {
		return true
	}
	canon := CanonicalOrigin(origin)
	return canon != "" && p.allowed[canon]
}

// CanonicalOrigin reduces a URL to scheme://host[:port], lowercased. It
// returns "" when raw has no scheme or host.
func CanonicalOrigin(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
