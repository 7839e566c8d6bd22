package dnscache

import "github.com/miekg/dns"

// SpecialKind identifies the flavor of a SpecialRecord sentinel.
type SpecialKind int

const (
	NegativeCache SpecialKind = iota
	FailureCache
	BlockedCache
)

func (k SpecialKind) String() string {
	switch k {
	case NegativeCache:
		return "NegativeCache"
	case FailureCache:
		return "FailureCache"
	case BlockedCache:
		return "BlockedCache"
	default:
		return "Unknown"
	}
}

// SpecialRecord stands in for a cached negative or failure response. It
// carries the whole shape of the original upstream answer so that a
// DNSSEC-OK query can be answered with the original sections verbatim
// (spec: "CD=1 and DNSSEC-OK returns original sections"), while a non-
// DNSSEC query gets a filtered, authority-only view.
type SpecialRecord struct {
	Kind SpecialKind

	RCODE         int
	OriginalRCODE int

	OriginalAnswer     []dns.RR
	OriginalAuthority  []dns.RR
	OriginalAdditional []dns.RR

	// NoDNSSECAuthority is the authority section served to non-DNSSEC-OK
	// queries: typically the SOA only, stripped of RRSIG/NSEC/NSEC3.
	NoDNSSECAuthority []dns.RR

	// CachedOptions are the EDNS0 options (other than ECS/EDE, which are
	// computed fresh per query) captured from the original response.
	CachedOptions []dns.EDNS0
}

func copyRRSlice(in []dns.RR) []dns.RR {
	if in == nil {
		return nil
	}
	out := make([]dns.RR, len(in))
	for i, rr := range in {
		out[i] = dns.Copy(rr)
	}
	return out
}

func (s *SpecialRecord) clone() *SpecialRecord {
	if s == nil {
		return nil
	}
	c := *s
	c.OriginalAnswer = copyRRSlice(s.OriginalAnswer)
	c.OriginalAuthority = copyRRSlice(s.OriginalAuthority)
	c.OriginalAdditional = copyRRSlice(s.OriginalAdditional)
	c.NoDNSSECAuthority = copyRRSlice(s.NoDNSSECAuthority)
	if s.CachedOptions != nil {
		c.CachedOptions = append([]dns.EDNS0(nil), s.CachedOptions...)
	}
	return &c
}
