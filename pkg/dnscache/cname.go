package dnscache

import (
	"strings"

	"github.com/miekg/dns"
)

// ChaseResult is the outcome of following a CNAME/DNAME chain from a
// starting owner name to wherever it terminates.
type ChaseResult struct {
	// Chain holds the CNAME records followed during the walk, in answer
	// order. The terminal answer is not included; callers look it up at
	// FinalOwner.
	Chain []*Record

	// FinalOwner is the name the chain terminated at -- either the
	// owner a non-alias answer was found under, or the last alias
	// target if the chain ran out of cached data.
	FinalOwner string

	// Loop is set if the chain revisited an owner it had already seen.
	Loop bool

	// TooLong is set if the chain exceeded MaxCNAMEHops before resolving.
	TooLong bool
}

// chaseCNAME follows CNAME records cached under successive owners,
// starting at owner, looking up each hop's target via lookup. It stops
// when lookup returns a non-CNAME answer, the chain loops, or it grows
// past MaxCNAMEHops (spec invariant: "CNAME loops ... are bounded").
//
// lookup is expected to return the live records cached for (owner,
// dns.TypeCNAME) by way of a *Manager, kept as a parameter here so the
// chase logic has no direct dependency on the manager/query plumbing.
func chaseCNAME(owner string, lookup func(owner string) []*Record) ChaseResult {
	seen := make(map[string]bool, 4)
	result := ChaseResult{FinalOwner: owner}

	current := strings.ToLower(owner)
	for hop := 0; ; hop++ {
		if seen[current] {
			result.Loop = true
			result.FinalOwner = current
			return result
		}
		seen[current] = true

		if hop >= MaxCNAMEHops {
			result.TooLong = true
			result.FinalOwner = current
			return result
		}

		recs := lookup(current)
		cname := firstCNAME(recs)
		if cname == nil {
			result.FinalOwner = current
			return result
		}
		result.Chain = append(result.Chain, cname)

		target, ok := cname.RR.(*dns.CNAME)
		if !ok {
			result.FinalOwner = current
			return result
		}
		next := strings.ToLower(target.Target)
		if next == current {
			result.Loop = true
			result.FinalOwner = current
			return result
		}
		current = next
	}
}

func firstCNAME(recs []*Record) *Record {
	for _, r := range recs {
		if r.RR != nil && r.RR.Header().Rrtype == dns.TypeCNAME {
			return r
		}
	}
	return nil
}

// substituteDNAME rewrites qname by replacing the owner suffix matched
// by the DNAME record's owner with the DNAME's target, and synthesizes
// the CNAME record RFC 6672 requires accompany it. Returns ok=false
// (YXDOMAIN per spec) if the substituted name is not a valid domain name,
// e.g. it would exceed the 255-octet wire limit.
func substituteDNAME(qname string, dname *Record) (cname *Record, newOwner string, ok bool) {
	d, isDNAME := dname.RR.(*dns.DNAME)
	if !isDNAME {
		return nil, "", false
	}

	owner := dname.RR.Header().Name
	if !strings.HasSuffix(strings.ToLower(qname), strings.ToLower(owner)) {
		return nil, "", false
	}
	prefix := qname[:len(qname)-len(owner)]
	substituted := prefix + d.Target
	if _, valid := dns.IsDomainName(substituted); !valid {
		return nil, "", false
	}

	rr := &dns.CNAME{
		Hdr: dns.RR_Header{
			Name:   qname,
			Rrtype: dns.TypeCNAME,
			Class:  dname.RR.Header().Class,
			Ttl:    dname.RR.Header().Ttl,
		},
		Target: substituted,
	}
	synth := NewRecord(rr, dname.Status, dname.ReceivedAt)
	synth.TTL = dname.TTL
	return synth, substituted, true
}
