package dnscache

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
)

func TestZoneSetAndQueryFallsBackToSpecial(t *testing.T) {
	z := newZone("example.com.")
	now := time.Now()

	neg := NewSpecialRecord("example.com.", &SpecialRecord{Kind: NegativeCache, RCODE: dns.RcodeNameError}, now, NegativeRecordTTL)
	z.setRecords(SpecialCacheType, []*Record{neg}, now)

	got := z.queryRecords(dns.TypeAAAA, now, false, true, nil, false)
	assert.Len(t, got, 1)
	assert.Equal(t, SpecialCacheType, got[0].Type)

	none := z.queryRecords(dns.TypeAAAA, now, false, false, nil, false)
	assert.Nil(t, none)
}

func TestZoneHasLiveNS(t *testing.T) {
	z := newZone("example.com.")
	now := time.Now()
	assert.False(t, z.hasLiveNS())

	ns := NewRecord(mustRR(t, "example.com. 3600 IN NS a.iana-servers.net."), StatusInsecure, now)
	z.setRecords(dns.TypeNS, []*Record{ns}, now)
	assert.True(t, z.hasLiveNS())
}

func TestZoneEmptyRootNeverDelegates(t *testing.T) {
	z := newZone("")
	assert.False(t, z.hasLiveNS())
}

func TestZoneTotalVariantsAndPrune(t *testing.T) {
	z := newZone("example.com.")
	now := time.Now()
	rec := NewRecord(mustRR(t, "example.com. 60 IN A 192.0.2.1"), StatusSecure, now)
	z.setRecords(dns.TypeA, []*Record{rec}, now)
	assert.Equal(t, 1, z.totalVariants())

	z.removeExpiredRecords(now.Add(ServeStaleTTL+time.Hour), false)
	z.pruneEmptyTypes()
	assert.True(t, z.isEmpty())
}
