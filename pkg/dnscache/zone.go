package dnscache

import (
	"io"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// zone holds every cached (type -> entrySet) mapping for a single owner
// name. It is the unit of per-owner locking: readers and writers of
// different owners never contend.
type zone struct {
	owner string

	mu    sync.RWMutex
	types map[uint16]*entrySet
}

func newZone(owner string) *zone {
	return &zone{owner: owner, types: make(map[uint16]*entrySet)}
}

func (z *zone) entrySetFor(t uint16, create bool) *entrySet {
	z.mu.RLock()
	es, ok := z.types[t]
	z.mu.RUnlock()
	if ok || !create {
		return es
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	if es, ok = z.types[t]; ok {
		return es
	}
	es = newEntrySet()
	z.types[t] = es
	return es
}

// setRecords replaces the scoped variant matching the incoming records
// for the given type. Returns true if a new variant was created.
func (z *zone) setRecords(t uint16, records []*Record, now time.Time) bool {
	return z.entrySetFor(t, true).setRecords(records, now)
}

// queryRecords returns the best-scope answer for (type, ecs, cf). If no
// live record exists for t but allowSpecial is set and a live special
// sentinel exists for the owner, that sentinel is returned instead,
// matching any requested type (spec §4.2).
func (z *zone) queryRecords(t uint16, now time.Time, serveStale, allowSpecial bool, ecs *ECSScope, cf bool) []*Record {
	if es := z.entrySetFor(t, false); es != nil {
		if recs := es.queryRecords(now, serveStale, ecs, cf); recs != nil {
			return recs
		}
	}
	if !allowSpecial || t == SpecialCacheType {
		return nil
	}
	if es := z.entrySetFor(SpecialCacheType, false); es != nil {
		return es.queryRecords(now, serveStale, ecs, cf)
	}
	return nil
}

// removeExpiredRecords drops fully-evictable variants across every type,
// returning the number of variants removed.
func (z *zone) removeExpiredRecords(now time.Time, serveStale bool) int {
	z.mu.RLock()
	sets := make([]*entrySet, 0, len(z.types))
	for _, es := range z.types {
		sets = append(sets, es)
	}
	z.mu.RUnlock()

	removed := 0
	for _, es := range sets {
		removed += es.removeExpired(now, serveStale)
	}
	return removed
}

// removeStaleRecords drops variants past hard TTL but within the
// serve-stale window, across every type.
func (z *zone) removeStaleRecords(now time.Time) int {
	z.mu.RLock()
	sets := make([]*entrySet, 0, len(z.types))
	for _, es := range z.types {
		sets = append(sets, es)
	}
	z.mu.RUnlock()

	removed := 0
	for _, es := range sets {
		removed += es.removeStale(now)
	}
	return removed
}

// removeLeastUsedRecords drops variants whose last use predates cutoff.
func (z *zone) removeLeastUsedRecords(cutoff time.Time) int {
	z.mu.RLock()
	sets := make([]*entrySet, 0, len(z.types))
	for _, es := range z.types {
		sets = append(sets, es)
	}
	z.mu.RUnlock()

	removed := 0
	for _, es := range sets {
		removed += es.removeLeastUsed(cutoff)
	}
	return removed
}

// deleteECSData drops every ECS-scoped variant across every type.
func (z *zone) deleteECSData() int {
	z.mu.RLock()
	sets := make([]*entrySet, 0, len(z.types))
	for _, es := range z.types {
		sets = append(sets, es)
	}
	z.mu.RUnlock()

	removed := 0
	for _, es := range sets {
		removed += es.deleteECSData()
	}
	return removed
}

// listAllRecords appends every record held by the zone to out.
func (z *zone) listAllRecords(out *[]*Record) {
	z.mu.RLock()
	sets := make([]*entrySet, 0, len(z.types))
	for _, es := range z.types {
		sets = append(sets, es)
	}
	z.mu.RUnlock()

	for _, es := range sets {
		es.listAll(out)
	}
}

// hasLiveNS reports whether the zone carries at least one non-fully-
// expired NS record with a non-empty owner (used for delegation lookup;
// root NS is never trusted as a delegation per invariant 6).
func (z *zone) hasLiveNS() bool {
	if z.owner == "" {
		return false
	}
	es := z.entrySetFor(dns.TypeNS, false)
	if es == nil {
		return false
	}
	now := time.Now()
	es.mu.RLock()
	defer es.mu.RUnlock()
	for _, v := range es.variants {
		for _, r := range v.records {
			if !r.IsFullyExpired(now) {
				return true
			}
		}
	}
	return false
}

// totalVariants sums the live variant count across every type in the
// zone -- the unit total_entries tracks.
func (z *zone) totalVariants() int {
	z.mu.RLock()
	sets := make([]*entrySet, 0, len(z.types))
	for _, es := range z.types {
		sets = append(sets, es)
	}
	z.mu.RUnlock()

	n := 0
	for _, es := range sets {
		n += es.count()
	}
	return n
}

// isEmpty reports whether every entry set in the zone is empty.
func (z *zone) isEmpty() bool {
	z.mu.RLock()
	defer z.mu.RUnlock()
	for _, es := range z.types {
		if !es.isEmpty() {
			return false
		}
	}
	return true
}

// pruneEmptyTypes removes entrySets left with no variants. Called during
// eviction after removeExpiredRecords/removeLeastUsedRecords.
func (z *zone) pruneEmptyTypes() {
	z.mu.Lock()
	defer z.mu.Unlock()
	for t, es := range z.types {
		if es.isEmpty() {
			delete(z.types, t)
		}
	}
}

// writeTo serializes every non-empty entry set of the zone. Matches
// readFrom below; see snapshot.go for the wire primitives.
func (z *zone) writeTo(w io.Writer) error {
	z.mu.RLock()
	defer z.mu.RUnlock()

	nonEmpty := make(map[uint16]*entrySet)
	for t, es := range z.types {
		if !es.isEmpty() {
			nonEmpty[t] = es
		}
	}
	if err := writeString(w, z.owner); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(nonEmpty))); err != nil {
		return err
	}
	for t, es := range nonEmpty {
		if err := writeUint16(w, t); err != nil {
			return err
		}
		if err := es.writeTo(w); err != nil {
			return err
		}
	}
	return nil
}

// readFrom deserializes a zone previously written by writeTo. The zone's
// owner field must already be set by the caller (the tree insert path
// creates the zone from the owner name read off the wire first).
func (z *zone) readFrom(r io.Reader) (int, error) {
	n, err := readUint32(r)
	if err != nil {
		return 0, err
	}
	total := 0
	for i := uint32(0); i < n; i++ {
		t, err := readUint16(r)
		if err != nil {
			return total, err
		}
		es := newEntrySet()
		count, err := es.readFrom(r)
		if err != nil {
			return total, err
		}
		if !es.isEmpty() {
			z.mu.Lock()
			z.types[t] = es
			z.mu.Unlock()
			total += count
		}
	}
	return total, nil
}
