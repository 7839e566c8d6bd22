package dnscache

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"dnscache/pkg/dnsopt"
)

// Manager is the top-level cache: a label-indexed tree of zones, a
// capacity bound, and the accounting needed to evict down to it. It is
// the single entry point the surrounding resolver talks to -- ingest,
// query, eviction, snapshotting, and zone/ECS deletion all go through
// here so total_entries stays consistent.
type Manager struct {
	tree *Tree

	maximumEntries int64
	totalEntries   int64

	serveStale bool
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithMaximumEntries sets the capacity eviction targets. A value <= 0
// means unbounded (eviction by count never triggers, though TTL-based
// expiry still runs).
func WithMaximumEntries(n int64) Option {
	return func(m *Manager) { m.maximumEntries = n }
}

// WithServeStale enables RFC 8767 stale-while-revalidate semantics.
func WithServeStale(enabled bool) Option {
	return func(m *Manager) { m.serveStale = enabled }
}

// NewManager returns an empty cache manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{tree: NewTree(), maximumEntries: -1}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaximumEntries returns the configured capacity bound (-1 by default; any
// value <= 0 means unbounded).
func (m *Manager) MaximumEntries() int64 { return m.maximumEntries }

// TotalEntries returns the live scoped-variant count tracked across the
// whole cache.
func (m *Manager) TotalEntries() int64 { return atomic.LoadInt64(&m.totalEntries) }

func (m *Manager) addEntries(n int) {
	if n == 0 {
		return
	}
	atomic.AddInt64(&m.totalEntries, int64(n))
}

func (m *Manager) subEntries(n int) {
	if n == 0 {
		return
	}
	if atomic.AddInt64(&m.totalEntries, -int64(n)) < 0 {
		atomic.StoreInt64(&m.totalEntries, 0)
	}
}

// CacheRecords ingests a post-resolution record list for one upstream
// answer (spec §4.3.1). now becomes the last-used time of every variant
// written; each record keeps its own ReceivedAt.
func (m *Manager) CacheRecords(records []*Record, now time.Time) {
	if len(records) == 0 {
		return
	}

	for _, r := range records {
		propagateRRSIGs(r)
	}

	dnameOwners := make([]string, 0, 1)
	for _, r := range records {
		if r.RR != nil && r.RR.Header().Rrtype == dns.TypeDNAME {
			dnameOwners = append(dnameOwners, strings.ToLower(r.RR.Header().Name))
		}
	}

	if len(records) == 1 {
		m.setOwnerType(records[0].Owner, records[0].Type, records, now)
		return
	}

	type key struct {
		owner string
		typ   uint16
	}
	groups := make(map[key][]*Record)
	order := make([]key, 0, len(records))
	for _, r := range records {
		if isDescendantOfAny(r.Owner, dnameOwners) {
			continue
		}
		k := key{r.Owner, r.Type}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}
	for _, k := range order {
		m.setOwnerType(k.owner, k.typ, groups[k], now)
	}
}

func isDescendantOfAny(owner string, ancestors []string) bool {
	owner = strings.ToLower(owner)
	for _, a := range ancestors {
		if owner != a && strings.HasSuffix(owner, "."+a) {
			return true
		}
	}
	return false
}

// propagateRRSIGs copies a record's own RRSIG companions onto its glue
// and NSEC companions that don't already carry their own, per §4.3.1
// step 1.
func propagateRRSIGs(r *Record) {
	if r.Info == nil || len(r.Info.RRSIG) == 0 {
		return
	}
	for _, g := range r.Info.Glue {
		if g.Info == nil {
			g.Info = &RecordInfo{}
		}
		if len(g.Info.RRSIG) == 0 {
			g.Info.RRSIG = r.Info.RRSIG
		}
	}
	for _, n := range r.Info.NSEC {
		if n.Info == nil {
			n.Info = &RecordInfo{}
		}
		if len(n.Info.RRSIG) == 0 {
			n.Info.RRSIG = r.Info.RRSIG
		}
	}
}

func (m *Manager) setOwnerType(owner string, typ uint16, records []*Record, now time.Time) {
	z := m.tree.getOrAdd(owner)
	if z.setRecords(typ, records, now) {
		m.addEntries(1)
	}
}

// lookupRaw returns the best-scope records cached for (owner, type),
// with no CNAME chasing, DNAME substitution, or special-sentinel
// fallback -- the primitive additional.go's glue resolution is built on.
func (m *Manager) lookupRaw(owner string, typ uint16) []*Record {
	z := m.tree.tryGet(owner)
	if z == nil {
		return nil
	}
	return z.queryRecords(typ, time.Now(), m.serveStale, false, nil, false)
}

// QueryOptions carries the per-request knobs §4.3.2 branches on.
type QueryOptions struct {
	ServeStaleAndResetExpiry bool
	FindClosestNameServers   bool
	DNSSECOK                 bool
	CheckingDisabled         bool
	ECS                      *ECSScope
	ConditionalForwarding    bool
}

// QueryResult mirrors the sections of a DNS response the manager can
// assemble from cache alone.
type QueryResult struct {
	Answer     []*Record
	Authority  []*Record
	Additional []*Record
	RCODE      int
	Authentic  bool // AD bit
	EDNSOpts   []dns.EDNS0
	Found      bool // false signals a cache miss to the caller
}

// Query implements §4.3.2.
func (m *Manager) Query(qname string, qtype uint16, opts QueryOptions) QueryResult {
	now := time.Now()
	qname = strings.ToLower(qname)

	exact, closest, delegation := m.tree.findZone(qname)

	if exact != nil {
		recs := exact.queryRecords(qtype, now, m.serveStale, true, opts.ECS, opts.ConditionalForwarding)
		if recs == nil && qtype != dns.TypeCNAME && qtype != dns.TypeANY {
			// No RRset of the requested type at this owner -- a CNAME
			// there, if any, is the answer to chase instead.
			recs = exact.queryRecords(dns.TypeCNAME, now, m.serveStale, false, opts.ECS, opts.ConditionalForwarding)
		}
		if recs != nil {
			if res, ok := m.answerFromRecords(qname, qtype, recs, opts, now); ok {
				return res
			}
			// fell through (e.g. Disabled DNSSEC status mid-chain)
		}
	}

	if closest != nil && closest != exact {
		if dname := firstLiveDNAME(closest, now); dname != nil {
			return m.answerFromDNAME(qname, qtype, dname, opts, now)
		}
	}

	if opts.FindClosestNameServers {
		startDelegation := delegation
		if qtype == dns.TypeDS {
			parent := parentName(qname)
			_, _, startDelegation = m.tree.findZone(parent)
		}
		if res, ok := m.delegationChain(startDelegation, opts, now); ok {
			return res
		}
	}

	return QueryResult{Found: false}
}

func parentName(name string) string {
	name = strings.TrimSuffix(name, ".")
	idx := strings.IndexByte(name, '.')
	if idx < 0 {
		return ""
	}
	return name[idx+1:]
}

func firstLiveDNAME(z *zone, now time.Time) *Record {
	recs := z.queryRecords(dns.TypeDNAME, now, false, false, nil, false)
	if len(recs) == 0 {
		return nil
	}
	return recs[0]
}

// answerFromRecords assembles a normal-answer response, chasing CNAMEs,
// interspersing DNSSEC companions, and building the additional section.
func (m *Manager) answerFromRecords(qname string, qtype uint16, recs []*Record, opts QueryOptions, now time.Time) (QueryResult, bool) {
	head := recs[0]

	if head.Type == SpecialCacheType || head.Special != nil {
		return m.answerFromSpecial(qname, head, opts, now)
	}

	answer := append([]*Record(nil), recs...)
	tail := answer[len(answer)-1]

	if tail.RR != nil && tail.RR.Header().Rrtype == dns.TypeCNAME && qtype != dns.TypeCNAME && qtype != dns.TypeANY {
		chase := chaseCNAME(qname, func(owner string) []*Record {
			return m.lookupRaw(owner, dns.TypeCNAME)
		})
		answer = answer[:0]
		answer = append(answer, recs[:len(recs)-1]...)
		answer = append(answer, chase.Chain...)
		if !chase.Loop && !chase.TooLong {
			if final := m.lookupRaw(chase.FinalOwner, qtype); len(final) > 0 {
				answer = append(answer, final...)
			}
		}
	}

	if opts.DNSSECOK {
		for _, r := range answer {
			if r.Status == StatusDisabled {
				return QueryResult{}, false
			}
		}
	}

	var authority []*Record
	if opts.DNSSECOK {
		answer, authority = interspersRRSIGs(answer)
	}

	var additional []*Record
	if glueTypes[qtype] {
		additional = buildAdditional(answer, now, opts.DNSSECOK, m.lookupRaw)
	}

	resetStaleExpiries(answer, additional, opts, now)

	result := QueryResult{
		Answer:     answer,
		Authority:  authority,
		Additional: additional,
		RCODE:      dns.RcodeSuccess,
		Authentic:  head.Status == StatusSecure,
		Found:      true,
	}
	attachECSOption(&result, opts, answer)
	attachStaleEDE(&result, answer, opts)
	return result, true
}

// interspersRRSIGs inserts each record's RRSIGs immediately after it,
// and appends wildcard-match NSEC/NSEC3 proofs (plus their RRSIGs) to
// the authority section.
func interspersRRSIGs(answer []*Record) ([]*Record, []*Record) {
	var out []*Record
	var authority []*Record
	for _, r := range answer {
		out = append(out, r)
		if r.Info == nil {
			continue
		}
		for _, sig := range r.Info.RRSIG {
			out = append(out, sig)
			if isWildcardMatch(sig, r) {
				authority = append(authority, r.Info.NSEC...)
				for _, nsec := range r.Info.NSEC {
					if nsec.Info != nil {
						authority = append(authority, nsec.Info.RRSIG...)
					}
				}
			}
		}
	}
	return out, authority
}

// isWildcardMatch reports whether an RRSIG's label count is lower than
// the number of labels in the record it covers, indicating the answer
// was synthesized from a wildcard.
func isWildcardMatch(sig *Record, covered *Record) bool {
	rrsig, ok := sig.RR.(*dns.RRSIG)
	if !ok {
		return false
	}
	labels := dns.CountLabel(strings.TrimSuffix(covered.Owner, "."))
	return int(rrsig.Labels) < labels
}

func resetStaleExpiries(answer, additional []*Record, opts QueryOptions, now time.Time) {
	if !opts.ServeStaleAndResetExpiry {
		return
	}
	for _, r := range answer {
		r.ResetExpiry(now)
	}
	for _, r := range additional {
		r.ResetExpiry(now)
	}
}

func attachStaleEDE(result *QueryResult, answer []*Record, opts QueryOptions) {
	anyReset := false
	for _, r := range answer {
		if r.WasExpiryReset() {
			anyReset = true
			break
		}
	}
	if opts.ServeStaleAndResetExpiry || anyReset {
		result.EDNSOpts = append(result.EDNSOpts, dnsopt.NewExtendedError(dnsopt.ExtendedErrorStaleAnswer, ""))
	}
}

func attachECSOption(result *QueryResult, opts QueryOptions, answer []*Record) {
	if opts.ECS == nil {
		return
	}
	var chosen *ECSScope
	for _, r := range answer {
		if r.Info == nil || r.Info.ECS == nil {
			continue
		}
		if chosen == nil || r.Info.ECS.Prefix > chosen.Prefix {
			chosen = r.Info.ECS
		}
	}
	if chosen == nil {
		return
	}
	result.EDNSOpts = append(result.EDNSOpts, dnsopt.NewClientSubnet(opts.ECS.Address, opts.ECS.Prefix, chosen.Prefix))
}

// answerFromSpecial implements the special-sentinel branch of §4.3.2.
func (m *Manager) answerFromSpecial(qname string, rec *Record, opts QueryOptions, now time.Time) (QueryResult, bool) {
	s := rec.Special
	if s == nil {
		return QueryResult{}, false
	}

	if opts.DNSSECOK && rec.Status == StatusDisabled {
		return QueryResult{}, false
	}

	if opts.ServeStaleAndResetExpiry {
		rec.ResetExpiry(now)
	}

	result := QueryResult{RCODE: s.RCODE, Found: true}
	result.EDNSOpts = append(result.EDNSOpts, s.CachedOptions...)
	if rec.WasExpiryReset() {
		ede := dnsopt.ExtendedErrorStaleAnswer
		if s.OriginalRCODE == dns.RcodeNameError {
			ede = dnsopt.ExtendedErrorStaleNXDomainAnswer
		}
		result.EDNSOpts = append(result.EDNSOpts, dnsopt.NewExtendedError(ede, ""))
	}

	if opts.ECS != nil && rec.Info != nil && rec.Info.ECS != nil {
		result.EDNSOpts = append(result.EDNSOpts, dnsopt.NewClientSubnet(opts.ECS.Address, opts.ECS.Prefix, rec.Info.ECS.Prefix))
	}

	if opts.DNSSECOK {
		result.Answer = toRecords(qname, s.OriginalAnswer)
		result.Authority = toRecords(qname, s.OriginalAuthority)
		result.Additional = toRecords(qname, s.OriginalAdditional)
		result.Authentic = s.Kind == NegativeCache
		return result, true
	}
	result.Authority = toRecords(qname, s.NoDNSSECAuthority)
	result.Authentic = false
	return result, true
}

func toRecords(owner string, rrs []dns.RR) []*Record {
	out := make([]*Record, 0, len(rrs))
	for _, rr := range rrs {
		out = append(out, NewRecord(rr, StatusUnknown, time.Now()))
	}
	return out
}

// answerFromDNAME implements the DNAME-substitution branch of §4.3.2.
func (m *Manager) answerFromDNAME(qname string, qtype uint16, dname *Record, opts QueryOptions, now time.Time) QueryResult {
	cname, substituted, ok := substituteDNAME(qname, dname)
	if !ok {
		return QueryResult{Answer: []*Record{dname}, RCODE: dns.RcodeYXDomain, Found: true}
	}

	answer := []*Record{dname, cname}
	chase := chaseCNAME(substituted, func(owner string) []*Record {
		return m.lookupRaw(owner, dns.TypeCNAME)
	})
	answer = append(answer, chase.Chain...)
	if !chase.Loop && !chase.TooLong {
		if final := m.lookupRaw(chase.FinalOwner, qtype); len(final) > 0 {
			answer = append(answer, final...)
		}
	}

	result := QueryResult{Answer: answer, RCODE: dns.RcodeSuccess, Found: true}
	resetStaleExpiries(answer, nil, opts, now)
	attachStaleEDE(&result, answer, opts)
	attachECSOption(&result, opts, answer)
	return result
}

// delegationChain implements the "otherwise" branch of §4.3.2: walk up
// from a starting delegation, honoring DNSSEC-OK disablement by
// skipping to the parent delegation.
func (m *Manager) delegationChain(start *zone, opts QueryOptions, now time.Time) (QueryResult, bool) {
	z := start
	for z != nil {
		if z.owner == "" {
			return QueryResult{}, false // root delegations are never returned
		}
		ns := z.queryRecords(dns.TypeNS, now, m.serveStale, false, nil, false)
		if len(ns) == 0 {
			z = m.parentDelegation(z.owner)
			continue
		}

		if opts.DNSSECOK && allDisabled(ns) {
			z = m.parentDelegation(z.owner)
			continue
		}

		authority := append([]*Record(nil), ns...)
		if opts.DNSSECOK {
			attachDSRecords(&authority, z.owner, ns, m.lookupRaw)
		}
		additional := buildAdditional(ns, now, opts.DNSSECOK, m.lookupRaw)

		return QueryResult{
			Authority:  authority,
			Additional: additional,
			RCODE:      dns.RcodeSuccess,
			Found:      true,
		}, true
	}
	return QueryResult{}, false
}

func allDisabled(recs []*Record) bool {
	for _, r := range recs {
		if r.Status != StatusDisabled {
			return false
		}
	}
	return true
}

func (m *Manager) parentDelegation(owner string) *zone {
	parent := parentName(owner)
	if parent == "" {
		return nil
	}
	_, _, delegation := m.tree.findZone(parent)
	return delegation
}

// QueryClosestDelegation implements §4.3.6.
func (m *Manager) QueryClosestDelegation(qname string, dnssecOK bool) *QueryResult {
	now := time.Now()
	_, _, delegation := m.tree.findZone(qname)
	result, ok := m.delegationChain(delegation, QueryOptions{DNSSECOK: dnssecOK, FindClosestNameServers: true}, now)
	if !ok {
		return nil
	}
	return &result
}

// RemoveExpiredRecords implements §4.3.5's capacity-bounded eviction.
func (m *Manager) RemoveExpiredRecords(now time.Time) int {
	removed := 0

	m.tree.enumerate(func(z *zone) bool {
		removed += z.removeExpiredRecords(now, m.serveStale)
		return true
	})
	m.subEntries(removed)
	m.pruneEmptyZones()
	if m.deficit() <= 0 {
		return removed
	}

	if m.serveStale {
		staleRemoved := 0
		m.tree.enumerate(func(z *zone) bool {
			staleRemoved += z.removeStaleRecords(now)
			if m.deficit()-int64(staleRemoved) <= 0 {
				return false
			}
			return true
		})
		removed += staleRemoved
		m.subEntries(staleRemoved)
		m.pruneEmptyZones()
		if m.deficit() <= 0 {
			return removed
		}
	}

	for cutoffSeconds := int64(86400); cutoffSeconds >= 1; cutoffSeconds /= 2 {
		cutoff := now.Add(-time.Duration(cutoffSeconds) * time.Second)
		pass := 0
		m.tree.enumerate(func(z *zone) bool {
			pass += z.removeLeastUsedRecords(cutoff)
			if m.deficit()-int64(pass) <= 0 {
				return false
			}
			return true
		})
		removed += pass
		m.subEntries(pass)
		m.pruneEmptyZones()
		if m.deficit() <= 0 {
			break
		}
	}
	return removed
}

func (m *Manager) deficit() int64 {
	if m.maximumEntries <= 0 {
		return 0
	}
	d := m.TotalEntries() - m.maximumEntries
	if d < 0 {
		return 0
	}
	return d
}

func (m *Manager) pruneEmptyZones() {
	var empty []string
	m.tree.enumerate(func(z *zone) bool {
		z.pruneEmptyTypes()
		if z.isEmpty() {
			empty = append(empty, z.owner)
		}
		return true
	})
	for _, owner := range empty {
		m.tree.tryRemove(owner)
	}
}

// Flush removes every cached record.
func (m *Manager) Flush() {
	m.tree = NewTree()
	atomic.StoreInt64(&m.totalEntries, 0)
}

// DeleteZone removes owner and every zone beneath it, returning the
// number of variants removed.
func (m *Manager) DeleteZone(owner string) int {
	z := m.tree.tryGet(owner)
	removedVariants := 0
	if z != nil {
		removedVariants += z.totalVariants()
	}
	var descendants []string
	for _, sub := range m.tree.subtreeOwners(owner) {
		if sub == owner {
			continue
		}
		descendants = append(descendants, sub)
	}
	for _, sub := range descendants {
		if dz := m.tree.tryGet(sub); dz != nil {
			removedVariants += dz.totalVariants()
		}
	}
	m.tree.tryRemoveSubtree(owner)
	m.subEntries(removedVariants)
	return removedVariants
}

// DeleteECSClientSubnetData drops every ECS-scoped variant across the
// whole cache, keeping global answers intact.
func (m *Manager) DeleteECSClientSubnetData() int {
	removed := 0
	m.tree.enumerate(func(z *zone) bool {
		removed += z.deleteECSData()
		return true
	})
	m.subEntries(removed)
	return removed
}

// ListSubDomains returns the owner name of every zone at or below owner.
func (m *Manager) ListSubDomains(owner string) []string {
	return m.tree.subtreeOwners(owner)
}

// ListAllRecords returns a defensive copy of every record cached
// anywhere in the tree. Intended for diagnostics; expensive on a large
// cache.
func (m *Manager) ListAllRecords() []*Record {
	var out []*Record
	m.tree.enumerate(func(z *zone) bool {
		z.listAllRecords(&out)
		return true
	})
	return out
}

// Save writes the whole cache to path in the binary snapshot format.
func (m *Manager) Save(path string) error {
	if err := saveSnapshot(m.tree, path); err != nil {
		if errors.Is(err, ErrCorruptSnapshot) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Load replaces the cache contents with the snapshot at path.
func (m *Manager) Load(path string) error {
	t := NewTree()
	total, err := loadSnapshot(t, path)
	if err != nil {
		if errors.Is(err, ErrCorruptSnapshot) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	m.tree = t
	atomic.StoreInt64(&m.totalEntries, int64(total))
	return nil
}
