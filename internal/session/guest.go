package session

import (
	"fmt"
	"net"
)

// GuestRules is an allow/deny list of client-IP CIDR ranges. The ingestor
// consults it for every parsed record and drops records from denied
// clients before they reach the aggregator. The zero value
// (no rules) allows everything. Deny rules win over allow rules; when
// only allow rules exist, anything outside them is denied.
type GuestRules struct {
	allow []*net.IPNet
	deny  []*net.IPNet
}

// NewGuestRules parses the allow and deny CIDR lists. A malformed CIDR is
// an error rather than a silently ignored rule.
func NewGuestRules(allowCIDRs, denyCIDRs []string) (*GuestRules, error) {
	parse := func(cidrs []string) ([]*net.IPNet, error) {
		var out []*net.IPNet
		for _, c := range cidrs {
			_, ipnet, err := net.ParseCIDR(c)
			if err != nil {
				return nil, fmt.Errorf("session: bad CIDR %q: %w", c, err)
			}
			out = append(out, ipnet)
		}
		return out, nil
	}

	allow, err := parse(allowCIDRs)
	if err != nil {
		return nil, err
	}
	deny, err := parse(denyCIDRs)
	if err != nil {
		return nil, err
	}
	return &GuestRules{allow: allow, deny: deny}, nil
}

// Allowed reports whether records from clientIP are admitted. An
// unparseable IP is denied only when any rules are configured at all.
func (g *GuestRules) Allowed(clientIP string) bool {
	if g == nil || (len(g.allow) == 0 && len(g.deny) == 0) {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, n := range g.deny {
		if n.Contains(ip) {
			return false
		}
	}
	if len(g.allow) == 0 {
		return true
	}
	for _, n := range g.allow {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
