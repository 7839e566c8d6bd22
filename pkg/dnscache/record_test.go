package dnscache

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func TestNewRecordClampsTTL(t *testing.T) {
	rr := mustRR(t, "example.com. 5 IN A 192.0.2.1")
	rec := NewRecord(rr, StatusSecure, time.Now())
	assert.Equal(t, MinimumRecordTTL, rec.TTL)

	rr2 := mustRR(t, "example.com. 99999999 IN A 192.0.2.1")
	rec2 := NewRecord(rr2, StatusSecure, time.Now())
	assert.Equal(t, MaximumRecordTTL, rec2.TTL)
}

func TestRecordExpiryAndStale(t *testing.T) {
	now := time.Now()
	rr := mustRR(t, "example.com. 60 IN A 192.0.2.1")
	rec := NewRecord(rr, StatusSecure, now.Add(-90*time.Second))

	assert.True(t, rec.IsStale(now))
	assert.False(t, rec.IsFullyExpired(now))
	assert.True(t, rec.IsFullyExpired(now.Add(ServeStaleTTL+time.Hour)))
}

func TestResetExpiryOnlyOnce(t *testing.T) {
	now := time.Now()
	rr := mustRR(t, "example.com. 60 IN A 192.0.2.1")
	rec := NewRecord(rr, StatusSecure, now.Add(-90*time.Second))

	assert.True(t, rec.ResetExpiry(now))
	assert.True(t, rec.WasExpiryReset())
	assert.False(t, rec.ResetExpiry(now), "a second reset must be a no-op")
}

func TestRecordCloneIsIndependent(t *testing.T) {
	rr := mustRR(t, "example.com. 60 IN A 192.0.2.1")
	rec := NewRecord(rr, StatusSecure, time.Now())

	clone := rec.Clone()
	clone.RR.(*dns.A).A = clone.RR.(*dns.A).A // no-op, just ensures type assertion works
	clone.Owner = "changed."

	assert.NotEqual(t, rec.Owner, clone.Owner)
	assert.NotSame(t, rec.RR, clone.RR)
}

func TestScopeKeyContains(t *testing.T) {
	global := globalScopeKey(false)
	assert.True(t, global.contains(nil))
	assert.True(t, global.contains(&ECSScope{Address: []byte{192, 0, 2, 1}, Prefix: 24}))

	scoped := scopeKeyFor(&ECSScope{Address: []byte{192, 0, 2, 1}, Prefix: 24}, false)
	assert.True(t, scoped.contains(&ECSScope{Address: []byte{192, 0, 2, 200}, Prefix: 24}))
	assert.False(t, scoped.contains(&ECSScope{Address: []byte{198, 51, 100, 1}, Prefix: 24}))
	assert.False(t, scoped.contains(nil))
}
