// Package domainkey computes the keys cookies are bucketed by.
package domainkey

import (
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Of returns the registrable domain (eTLD+1) of host. IP addresses, hosts that
// are themselves public suffixes and single-label hosts map to themselves.
func Of(host string) string {
	host = strings.TrimSuffix(strings.TrimPrefix(strings.ToLower(host), "."), ".")
	if host == "" {
		return ""
	}
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return host
	}
	key, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return key
}
