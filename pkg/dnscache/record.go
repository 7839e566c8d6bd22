package dnscache

import (
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DNSSECStatus mirrors the validation outcome the resolver attaches to a
// record before handing it to the cache. The cache never computes this
// value itself -- validating DNSSEC signatures is explicitly out of scope.
type DNSSECStatus byte

const (
	StatusUnknown DNSSECStatus = iota
	StatusDisabled
	StatusInsecure
	StatusSecure
	StatusBogus
)

func (s DNSSECStatus) String() string {
	switch s {
	case StatusDisabled:
		return "Disabled"
	case StatusInsecure:
		return "Insecure"
	case StatusSecure:
		return "Secure"
	case StatusBogus:
		return "Bogus"
	default:
		return "Unknown"
	}
}

// ECSScope identifies the EDNS Client Subnet an answer was scoped to by
// an upstream server.
type ECSScope struct {
	Address net.IP
	Prefix  uint8
}

// maskedKey returns the canonical string form of the scope's network
// (address masked to Prefix bits), used as part of a scopeKey.
func (s *ECSScope) maskedKey() string {
	if s == nil {
		return ""
	}
	bits := 32
	ip := s.Address.To4()
	if ip == nil {
		ip = s.Address.To16()
		bits = 128
	}
	if ip == nil {
		return ""
	}
	masked := ip.Mask(net.CIDRMask(int(s.Prefix), bits))
	return masked.String()
}

// RecordInfo holds the companion metadata attached to a cached record:
// glue, RRSIGs, denial-of-existence records, the ECS scope it was learned
// under, whether it was learned while answering a conditionally-forwarded
// query, and when it was last served.
type RecordInfo struct {
	Glue     []*Record
	RRSIG    []*Record
	NSEC     []*Record // NSEC or NSEC3, interchangeably
	ECS      *ECSScope
	CF       bool // conditional-forwarding scope
	LastUsed time.Time
}

// Record is a single cached resource record (or, via Special, a sentinel
// standing in for a whole negative/failure/blocked response), plus the
// bookkeeping the cache needs to expire, serve-stale and re-serve it.
type Record struct {
	Owner      string
	Type       uint16
	Class      uint16
	TTL        time.Duration // effective TTL, already clamped
	ReceivedAt time.Time
	Status     DNSSECStatus

	RR      dns.RR         // set when this is a normal record
	Special *SpecialRecord // set when this is a sentinel (Type == SpecialCacheType)

	Info *RecordInfo

	expiryWasReset bool
}

// NewRecord wraps an upstream-sourced dns.RR with cache metadata. The
// incoming TTL is clamped to [MinimumRecordTTL, MaximumRecordTTL].
func NewRecord(rr dns.RR, status DNSSECStatus, receivedAt time.Time) *Record {
	h := rr.Header()
	return &Record{
		Owner:      strings.ToLower(h.Name),
		Type:       h.Rrtype,
		Class:      h.Class,
		TTL:        clampTTL(h.Ttl),
		ReceivedAt: receivedAt,
		Status:     status,
		RR:         rr,
		Info:       &RecordInfo{LastUsed: receivedAt},
	}
}

// NewSpecialRecord wraps a sentinel response under the given owner. A
// positive ttl is used as given; otherwise the TTL defaults by kind:
// FailureRecordTTL for failure sentinels, NegativeRecordTTL for negative
// and blocked ones.
func NewSpecialRecord(owner string, special *SpecialRecord, receivedAt time.Time, ttl time.Duration) *Record {
	if ttl <= 0 {
		ttl = NegativeRecordTTL
		if special != nil && special.Kind == FailureCache {
			ttl = FailureRecordTTL
		}
	}
	return &Record{
		Owner:      strings.ToLower(owner),
		Type:       SpecialCacheType,
		Class:      dns.ClassINET,
		TTL:        ttl,
		ReceivedAt: receivedAt,
		Status:     StatusUnknown,
		Special:    special,
		Info:       &RecordInfo{LastUsed: receivedAt},
	}
}

// ExpiresAt returns the wall-clock time the record's TTL runs out.
func (r *Record) ExpiresAt() time.Time {
	return r.ReceivedAt.Add(r.TTL)
}

// IsStale reports whether the record's TTL has run out (but it may still
// be within the serve-stale window).
func (r *Record) IsStale(now time.Time) bool {
	return now.After(r.ExpiresAt())
}

// IsFullyExpired reports whether the record is past even the serve-stale
// window and must never be returned again.
func (r *Record) IsFullyExpired(now time.Time) bool {
	return now.After(r.ExpiresAt().Add(ServeStaleTTL))
}

// WasExpiryReset reports whether ResetExpiry has already fired once for
// this record.
func (r *Record) WasExpiryReset() bool {
	return r.expiryWasReset
}

// ResetExpiry extends a stale record's apparent life by one
// expiryResetBonus, exactly once. Returns true if it did anything.
func (r *Record) ResetExpiry(now time.Time) bool {
	if r.expiryWasReset || !r.IsStale(now) {
		return false
	}
	r.TTL += expiryResetBonus
	r.expiryWasReset = true
	return true
}

// Clone returns a shallow copy of the record suitable for returning to a
// caller without risking concurrent mutation of the cached original. The
// underlying dns.RR is deep-copied; Info is not (read-only after ingest,
// except for LastUsed, which callers should not rely on from a clone).
func (r *Record) Clone() *Record {
	clone := *r
	if r.RR != nil {
		clone.RR = dns.Copy(r.RR)
	}
	if r.Special != nil {
		clone.Special = r.Special.clone()
	}
	return &clone
}

// scopeKey identifies one scoped variant within an entry set: either the
// global (non-ECS) variant, or one scoped to a masked client subnet, each
// optionally tagged as having been learned under a conditional-forwarding
// rule match.
type scopeKey struct {
	scoped bool
	net    string
	prefix uint8
	cf     bool
}

func globalScopeKey(cf bool) scopeKey {
	return scopeKey{cf: cf}
}

func scopeKeyFor(ecs *ECSScope, cf bool) scopeKey {
	if ecs == nil || ecs.Address == nil {
		return globalScopeKey(cf)
	}
	return scopeKey{scoped: true, net: ecs.maskedKey(), prefix: ecs.Prefix, cf: cf}
}

// contains reports whether the scope identified by key would be selected
// by a query carrying queryECS (nil if the query had no ECS option).
// The global key always matches; a scoped key matches only an ECS query
// whose masked address falls within it.
func (k scopeKey) contains(queryECS *ECSScope) bool {
	if !k.scoped {
		return true
	}
	if queryECS == nil {
		return false
	}
	masked := (&ECSScope{Address: queryECS.Address, Prefix: k.prefix}).maskedKey()
	return masked == k.net
}
