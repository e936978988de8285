// Package target normalizes and validates user-supplied scan targets.
// A target may be a single IP address, a CIDR network, or a DNS domain.
// Anything else is rejected before it can reach a scanner or a query.
package target

import (
	"net"
	"regexp"
	"strings"

	"github.com/perimetra/perimetra/internal/errors"
)

// Kind classifies a normalized target.
type Kind string

const (
	KindIP     Kind = "ip"
	KindCIDR   Kind = "cidr"
	KindDomain Kind = "domain"
)

// domainPattern matches hostnames shaped like registrable DNS names:
// one or more labels of letters, digits, and interior hyphens, ending
// in an alphabetic TLD of at least two characters.
var domainPattern = regexp.MustCompile(
	`^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}$`)

// Normalize cleans a raw target string and validates it as an IP address,
// CIDR network, or domain name. URL-shaped input is reduced to its host:
// the scheme, path, query, and port are stripped. The result is lowercased.
// Invalid input fails closed with a TARGET_INVALID error.
func Normalize(raw string) (string, error) {
	t := strings.TrimSpace(raw)
	if t == "" {
		return "", errors.ErrInvalidTarget(raw)
	}

	// Reduce URL-shaped input to its host component.
	if idx := strings.Index(t, "://"); idx != -1 {
		t = t[idx+3:]
	}
	if idx := strings.IndexAny(t, "/?#"); idx != -1 {
		// A single slash may also be a CIDR separator; only strip when the
		// remainder is not a prefix length.
		rest := t[idx+1:]
		if t[idx] != '/' || !isPrefixLength(rest) {
			t = t[:idx]
		}
	}

	t = strings.ToLower(t)

	// Strip an explicit port from host:port input. Plain IPv4 and domain
	// targets contain at most one colon when a port is attached.
	if strings.Count(t, ":") == 1 {
		host, _, err := net.SplitHostPort(t)
		if err == nil && host != "" {
			t = host
		}
	}

	if _, err := Classify(t); err != nil {
		return "", errors.ErrInvalidTarget(raw)
	}
	return t, nil
}

// Classify reports the kind of an already-normalized target.
func Classify(t string) (Kind, error) {
	if ip := net.ParseIP(t); ip != nil {
		return KindIP, nil
	}
	if _, _, err := net.ParseCIDR(t); err == nil {
		return KindCIDR, nil
	}
	if domainPattern.MatchString(t) {
		return KindDomain, nil
	}
	return "", errors.ErrInvalidTarget(t)
}

// IsDomain reports whether the normalized target is a DNS domain.
func IsDomain(t string) bool {
	k, err := Classify(t)
	return err == nil && k == KindDomain
}

func isPrefixLength(s string) bool {
	if s == "" || len(s) > 3 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
