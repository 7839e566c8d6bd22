package dnscache

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnscache/pkg/dnsopt"
)

func TestManagerNSReferralWithGlue(t *testing.T) {
	m := NewManager()
	now := time.Now()

	ns := NewRecord(mustRR(t, "com. 3600 IN NS a.gtld-servers.net."), StatusInsecure, now)
	glue := NewRecord(mustRR(t, "a.gtld-servers.net. 3600 IN A 192.5.6.30"), StatusInsecure, now)
	ns.Info.Glue = []*Record{glue}
	m.CacheRecords([]*Record{ns}, now)

	res := m.Query("example.com.", dns.TypeA, QueryOptions{FindClosestNameServers: true})
	require.True(t, res.Found)
	assert.Empty(t, res.Answer)
	require.Len(t, res.Authority, 1)
	require.Len(t, res.Additional, 1)
	assert.Equal(t, dns.TypeNS, res.Authority[0].Type)
}

func TestManagerCNAMEChase(t *testing.T) {
	m := NewManager()
	now := time.Now()

	m.CacheRecords([]*Record{NewRecord(mustRR(t, "a.example.com. 60 IN CNAME b.example.com."), StatusInsecure, now)}, now)
	m.CacheRecords([]*Record{NewRecord(mustRR(t, "b.example.com. 60 IN A 192.0.2.1"), StatusInsecure, now)}, now)

	res := m.Query("a.example.com.", dns.TypeA, QueryOptions{})
	require.True(t, res.Found)
	require.Len(t, res.Answer, 2)
	assert.Equal(t, dns.TypeCNAME, res.Answer[0].Type)
	assert.Equal(t, uint16(dns.TypeA), res.Answer[1].RR.Header().Rrtype)
}

func TestManagerCNAMELoopIsBounded(t *testing.T) {
	m := NewManager()
	now := time.Now()

	m.CacheRecords([]*Record{NewRecord(mustRR(t, "a.example.com. 60 IN CNAME b.example.com."), StatusInsecure, now)}, now)
	m.CacheRecords([]*Record{NewRecord(mustRR(t, "b.example.com. 60 IN CNAME a.example.com."), StatusInsecure, now)}, now)

	res := m.Query("a.example.com.", dns.TypeA, QueryOptions{})
	require.True(t, res.Found)
	assert.LessOrEqual(t, len(res.Answer), MaxCNAMEHops+1)
}

func TestManagerDNAMESubstitution(t *testing.T) {
	m := NewManager()
	now := time.Now()

	dname := NewRecord(mustRR(t, "example.com. 3600 IN DNAME example.net."), StatusInsecure, now)
	m.CacheRecords([]*Record{dname}, now)
	m.CacheRecords([]*Record{NewRecord(mustRR(t, "www.example.net. 60 IN A 192.0.2.9"), StatusInsecure, now)}, now)

	res := m.Query("www.example.com.", dns.TypeA, QueryOptions{})
	require.True(t, res.Found)
	require.GreaterOrEqual(t, len(res.Answer), 2)
	assert.Equal(t, dns.TypeDNAME, res.Answer[0].Type)
	assert.Equal(t, dns.TypeCNAME, res.Answer[1].Type)
}

func TestManagerCapacityEvictionNoOpUnderCapacity(t *testing.T) {
	m := NewManager(WithMaximumEntries(2))
	now := time.Now()

	for i := 0; i < 2; i++ {
		name := []string{"a", "b"}[i] + ".example.com."
		m.CacheRecords([]*Record{NewRecord(mustRR(t, name+" 60 IN A 192.0.2.1"), StatusInsecure, now)}, now)
	}
	assert.Equal(t, int64(2), m.TotalEntries())

	removed := m.RemoveExpiredRecords(now)
	// At exactly capacity, with nothing expired or stale, no pass has
	// anything to do.
	assert.Equal(t, 0, removed)
	assert.Equal(t, int64(2), m.TotalEntries())
}

func TestManagerCapacityEvictionRemovesOldestLastUsed(t *testing.T) {
	m := NewManager(WithMaximumEntries(1))
	evalTime := time.Now()

	// Both records carry a TTL long enough that neither is expired or
	// stale by evalTime -- only the over-capacity LRU pass can remove
	// anything here. "old" was last used a day and a half ago, well
	// past the first (24h) cutoff; "new" was touched 10 seconds ago, so the
	// 24h pass removes only "old" and that pass alone clears the deficit.
	oldInsertedAt := evalTime.Add(-130000 * time.Second)
	newInsertedAt := evalTime.Add(-10 * time.Second)

	oldRec := NewRecord(mustRR(t, "old.example.com. 200000 IN A 192.0.2.1"), StatusInsecure, oldInsertedAt)
	newRec := NewRecord(mustRR(t, "new.example.com. 200000 IN A 192.0.2.2"), StatusInsecure, newInsertedAt)
	m.CacheRecords([]*Record{oldRec}, oldInsertedAt)
	m.CacheRecords([]*Record{newRec}, newInsertedAt)
	require.Equal(t, int64(2), m.TotalEntries())

	removed := m.RemoveExpiredRecords(evalTime)
	assert.Equal(t, 1, removed)
	assert.Equal(t, int64(1), m.TotalEntries())

	res := m.Query("new.example.com.", dns.TypeA, QueryOptions{})
	assert.True(t, res.Found, "the recently-used entry must survive capacity eviction")

	res = m.Query("old.example.com.", dns.TypeA, QueryOptions{})
	assert.False(t, res.Found, "the oldest last-used entry must be the one evicted")
}

func TestManagerDeleteZoneRemovesDescendants(t *testing.T) {
	m := NewManager()
	now := time.Now()
	m.CacheRecords([]*Record{NewRecord(mustRR(t, "example.com. 60 IN A 192.0.2.1"), StatusInsecure, now)}, now)
	m.CacheRecords([]*Record{NewRecord(mustRR(t, "www.example.com. 60 IN A 192.0.2.2"), StatusInsecure, now)}, now)

	removed := m.DeleteZone("example.com.")
	assert.Equal(t, 2, removed)
	assert.Equal(t, int64(0), m.TotalEntries())
}

func TestManagerDelegationChainGatesNSECBehindDNSSECOK(t *testing.T) {
	m := NewManager()
	now := time.Now()

	ns := NewRecord(mustRR(t, "com. 3600 IN NS a.gtld-servers.net."), StatusInsecure, now)
	nsecProof := NewRecord(mustRR(t, "com. 3600 IN NSEC aaa.com. NS"), StatusInsecure, now)
	ns.Info.NSEC = []*Record{nsecProof}
	m.CacheRecords([]*Record{ns}, now)

	plain := m.Query("example.com.", dns.TypeA, QueryOptions{FindClosestNameServers: true})
	require.True(t, plain.Found)
	require.Len(t, plain.Authority, 1, "a non-DO referral must never carry the NSEC proof of no DS")
	assert.Equal(t, dns.TypeNS, plain.Authority[0].Type)

	dnssec := m.Query("example.com.", dns.TypeA, QueryOptions{FindClosestNameServers: true, DNSSECOK: true})
	require.True(t, dnssec.Found)
	require.Len(t, dnssec.Authority, 2, "DNSSEC-OK with no DS cached falls back to the NSEC proof of no DS")
	assert.Equal(t, dns.TypeNS, dnssec.Authority[0].Type)
	assert.Equal(t, dns.TypeNSEC, dnssec.Authority[1].Type)
}

func TestManagerSpecialRecordDNSSECOKReturnsOriginalSections(t *testing.T) {
	m := NewManager()
	now := time.Now()

	soa := mustRR(t, "example.com. 300 IN SOA ns1.example.com. hostmaster.example.com. 1 3600 600 86400 300")
	nsec := mustRR(t, "nx.example.com. 300 IN NSEC aaa.example.com. A")

	special := &SpecialRecord{
		Kind:              NegativeCache,
		RCODE:             dns.RcodeNameError,
		OriginalRCODE:     dns.RcodeNameError,
		OriginalAuthority: []dns.RR{soa, nsec},
		NoDNSSECAuthority: []dns.RR{soa},
	}
	rec := NewSpecialRecord("nx.example.com.", special, now, NegativeRecordTTL)
	m.CacheRecords([]*Record{rec}, now)

	plain := m.Query("nx.example.com.", dns.TypeA, QueryOptions{})
	require.True(t, plain.Found)
	require.Len(t, plain.Authority, 1, "non-DNSSEC queries get the filtered, SOA-only view")
	assert.False(t, plain.Authentic)
	assert.Equal(t, dns.RcodeNameError, plain.RCODE)

	dnssec := m.Query("nx.example.com.", dns.TypeA, QueryOptions{DNSSECOK: true, CheckingDisabled: true})
	require.True(t, dnssec.Found)
	require.Len(t, dnssec.Authority, 2, "DNSSEC-OK+CD=1 must return the verbatim original sections, NSEC included")
	assert.True(t, dnssec.Authentic, "a cached NXDOMAIN sentinel is authentic once DNSSEC-OK asks for the original answer")
	assert.Equal(t, dns.RcodeNameError, dnssec.RCODE)
}

func TestManagerServeStaleResetsExpiryAndAttachesEDE(t *testing.T) {
	m := NewManager(WithServeStale(true))
	insertedAt := time.Now().Add(-20 * time.Second)

	rec := NewRecord(mustRR(t, "stale.example.com. 10 IN A 192.0.2.50"), StatusInsecure, insertedAt)
	m.CacheRecords([]*Record{rec}, insertedAt)

	res := m.Query("stale.example.com.", dns.TypeA, QueryOptions{ServeStaleAndResetExpiry: true})
	require.True(t, res.Found)
	require.Len(t, res.Answer, 1)
	assert.True(t, res.Answer[0].WasExpiryReset())

	var ede *dns.EDNS0_EDE
	for _, o := range res.EDNSOpts {
		if e, ok := o.(*dns.EDNS0_EDE); ok {
			ede = e
		}
	}
	require.NotNil(t, ede, "a stale-serve-and-reset answer must carry an Extended DNS Error option")
	assert.EqualValues(t, dnsopt.ExtendedErrorStaleAnswer, ede.InfoCode)

	again := m.Query("stale.example.com.", dns.TypeA, QueryOptions{})
	assert.True(t, again.Found, "the expiry-reset bonus must keep the record alive for a subsequent plain read")
}

func TestManagerDeleteECSClientSubnetData(t *testing.T) {
	m := NewManager()
	now := time.Now()
	global := NewRecord(mustRR(t, "example.com. 60 IN A 192.0.2.1"), StatusInsecure, now)
	m.CacheRecords([]*Record{global}, now)

	scoped := NewRecord(mustRR(t, "example.com. 60 IN A 203.0.113.1"), StatusInsecure, now)
	scoped.Info.ECS = &ECSScope{Address: []byte{198, 51, 100, 0}, Prefix: 24}
	m.CacheRecords([]*Record{scoped}, now)
	assert.Equal(t, int64(2), m.TotalEntries())

	removed := m.DeleteECSClientSubnetData()
	assert.Equal(t, 1, removed)
	assert.Equal(t, int64(1), m.TotalEntries())
}
