package dnscache

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeGetOrAddAndTryGet(t *testing.T) {
	tree := NewTree()
	z := tree.getOrAdd("www.example.com.")
	require.NotNil(t, z)
	assert.Same(t, z, tree.tryGet("www.example.com."))
	assert.Nil(t, tree.tryGet("other.example.com."))
}

func TestTreeFindZoneDelegation(t *testing.T) {
	tree := NewTree()
	now := time.Now()

	com := tree.getOrAdd("com.")
	ns := NewRecord(mustRR(t, "com. 3600 IN NS a.gtld-servers.net."), StatusInsecure, now)
	com.setRecords(dns.TypeNS, []*Record{ns}, now)

	exact, closest, delegation := tree.findZone("www.example.com.")
	assert.Nil(t, exact)
	assert.Same(t, com, closest)
	assert.Same(t, com, delegation)
}

func TestTreeFindZoneExactMatch(t *testing.T) {
	tree := NewTree()
	now := time.Now()
	z := tree.getOrAdd("example.com.")
	a := NewRecord(mustRR(t, "example.com. 60 IN A 192.0.2.1"), StatusSecure, now)
	z.setRecords(dns.TypeA, []*Record{a}, now)

	exact, _, _ := tree.findZone("example.com.")
	assert.Same(t, z, exact)
}

func TestTreeTryRemovePrunesEmptyPath(t *testing.T) {
	tree := NewTree()
	tree.getOrAdd("a.b.c.example.com.")
	assert.True(t, tree.tryRemove("a.b.c.example.com."))
	assert.Nil(t, tree.tryGet("a.b.c.example.com."))
}

func TestTreeSubtreeOwners(t *testing.T) {
	tree := NewTree()
	tree.getOrAdd("example.com.")
	tree.getOrAdd("www.example.com.")
	tree.getOrAdd("mail.example.com.")

	owners := tree.subtreeOwners("example.com.")
	assert.Len(t, owners, 3)
}

func TestTreeEnumerateStopsEarly(t *testing.T) {
	tree := NewTree()
	tree.getOrAdd("a.com.")
	tree.getOrAdd("b.com.")
	tree.getOrAdd("c.com.")

	count := 0
	tree.enumerate(func(z *zone) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}
