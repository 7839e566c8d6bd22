// Package dnscache implements an in-memory, TTL- and LRU-bounded cache of
// DNS resource records for a recursive resolver. It indexes records by
// owner name in a label-reversed tree, stores per-scope variants keyed by
// EDNS Client Subnet, and assembles resolver-shaped answers: CNAME chains,
// DNAME-derived CNAMEs, delegations, DNSSEC companion records, additional-
// section glue, and RFC 8767 stale-while-revalidate responses.
package dnscache

import "time"

// Fixed TTLs and bounds, per the cache's effective-TTL rules.
const (
	FailureRecordTTL  = 60 * time.Second
	NegativeRecordTTL = 300 * time.Second
	MinimumRecordTTL  = 10 * time.Second
	MaximumRecordTTL  = 604800 * time.Second
	ServeStaleTTL     = 259200 * time.Second // 3 days
	MaxCNAMEHops      = 16

	// expiryResetBonus is the one-shot extension applied to a stale record
	// the first time it's served under serve-stale-and-reset-expiry.
	expiryResetBonus = 30 * time.Second
)

// SpecialCacheType is the synthetic pseudo-type under which negative,
// failure and blocked sentinel responses are stored. It is never a real
// DNS wire type; it exists only so a SpecialRecord matches any queried
// type when allowSpecial is set.
const SpecialCacheType uint16 = 65300

// clampTTL clamps an incoming TTL (in seconds, as carried on the wire) to
// [MinimumRecordTTL, MaximumRecordTTL].
func clampTTL(seconds uint32) time.Duration {
	ttl := time.Duration(seconds) * time.Second
	if ttl < MinimumRecordTTL {
		return MinimumRecordTTL
	}
	if ttl > MaximumRecordTTL {
		return MaximumRecordTTL
	}
	return ttl
}
