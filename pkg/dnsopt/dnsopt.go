// Package dnsopt builds and inspects the EDNS0 options a cache answer
// needs to carry: Client Subnet (RFC 7871) and Extended DNS Error
// (RFC 8914). The option-construction style is adapted from routedns's
// ECS modifier and EDE template, trimmed to the cache's needs: it
// builds options, it does not mutate a live query's OPT record in
// place.
package dnsopt

import (
	"net"

	"github.com/miekg/dns"
)

// Extended DNS Error info codes used by the cache (RFC 8914 §4).
const (
	ExtendedErrorStaleAnswer         = dns.ExtendedErrorCodeStaleAnswer
	ExtendedErrorStaleNXDomainAnswer = dns.ExtendedErrorCodeStaleNXDOMAINAnswer
)

// NewExtendedError builds an EDNS0 Extended DNS Error option.
func NewExtendedError(infoCode uint16, extraText string) *dns.EDNS0_EDE {
	return &dns.EDNS0_EDE{InfoCode: infoCode, ExtraText: extraText}
}

// NewClientSubnet builds an EDNS0 Client Subnet response option, echoing
// the request's source prefix and reporting the scope prefix the cached
// answer was actually learned under.
func NewClientSubnet(address net.IP, sourcePrefix, scopePrefix uint8) *dns.EDNS0_SUBNET {
	family := uint16(1)
	addr := address.To4()
	if addr == nil {
		family = 2
		addr = address.To16()
	}
	return &dns.EDNS0_SUBNET{
		Code:          dns.EDNS0SUBNET,
		Family:        family,
		SourceNetmask: sourcePrefix,
		SourceScope:   scopePrefix,
		Address:       addr,
	}
}

// ClientSubnetFromRequest extracts the request's ECS option, if any, in
// the (address, prefix) form the cache works with internally.
func ClientSubnetFromRequest(req *dns.Msg) (address net.IP, prefix uint8, ok bool) {
	opt := req.IsEdns0()
	if opt == nil {
		return nil, 0, false
	}
	for _, o := range opt.Option {
		if ecs, isECS := o.(*dns.EDNS0_SUBNET); isECS {
			return ecs.Address, ecs.SourceNetmask, true
		}
	}
	return nil, 0, false
}

// DNSSECRequested reports whether the request carries the DO bit.
func DNSSECRequested(req *dns.Msg) bool {
	opt := req.IsEdns0()
	return opt != nil && opt.Do()
}

// CheckingDisabled reports the request's CD bit.
func CheckingDisabled(req *dns.Msg) bool {
	return req.CheckingDisabled
}
