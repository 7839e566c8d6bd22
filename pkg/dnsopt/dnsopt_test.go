package dnsopt

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExtendedError(t *testing.T) {
	ede := NewExtendedError(ExtendedErrorStaleAnswer, "served from cache")
	require.NotNil(t, ede)
	assert.EqualValues(t, ExtendedErrorStaleAnswer, ede.InfoCode)
	assert.Equal(t, "served from cache", ede.ExtraText)
}

func TestNewClientSubnetIPv4(t *testing.T) {
	subnet := NewClientSubnet(net.ParseIP("198.51.100.7"), 24, 32)
	require.NotNil(t, subnet)
	assert.Equal(t, dns.EDNS0SUBNET, subnet.Code)
	assert.EqualValues(t, 1, subnet.Family)
	assert.EqualValues(t, 24, subnet.SourceNetmask)
	assert.EqualValues(t, 32, subnet.SourceScope)
	assert.Equal(t, net.ParseIP("198.51.100.7").To4(), subnet.Address)
}

func TestNewClientSubnetIPv6(t *testing.T) {
	subnet := NewClientSubnet(net.ParseIP("2001:db8::1"), 56, 64)
	require.NotNil(t, subnet)
	assert.EqualValues(t, 2, subnet.Family)
	assert.Equal(t, net.ParseIP("2001:db8::1").To16(), subnet.Address)
}

func TestClientSubnetFromRequestPresent(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	opt := req.SetEdns0(4096, false)
	opt.Option = append(opt.Option, &dns.EDNS0_SUBNET{
		Code:          dns.EDNS0SUBNET,
		Family:        1,
		SourceNetmask: 24,
		Address:       net.ParseIP("203.0.113.0").To4(),
	})

	addr, prefix, ok := ClientSubnetFromRequest(req)
	require.True(t, ok)
	assert.Equal(t, net.ParseIP("203.0.113.0").To4(), addr)
	assert.EqualValues(t, 24, prefix)
}

func TestClientSubnetFromRequestAbsent(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.SetEdns0(4096, false)

	_, _, ok := ClientSubnetFromRequest(req)
	assert.False(t, ok)
}

func TestClientSubnetFromRequestNoEDNS0(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	_, _, ok := ClientSubnetFromRequest(req)
	assert.False(t, ok)
}

func TestDNSSECRequested(t *testing.T) {
	withDO := new(dns.Msg)
	withDO.SetQuestion("example.com.", dns.TypeA)
	withDO.SetEdns0(4096, true)
	assert.True(t, DNSSECRequested(withDO))

	withoutDO := new(dns.Msg)
	withoutDO.SetQuestion("example.com.", dns.TypeA)
	withoutDO.SetEdns0(4096, false)
	assert.False(t, DNSSECRequested(withoutDO))

	noEDNS0 := new(dns.Msg)
	noEDNS0.SetQuestion("example.com.", dns.TypeA)
	assert.False(t, DNSSECRequested(noEDNS0))
}

func TestCheckingDisabled(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)
	req.CheckingDisabled = true
	assert.True(t, CheckingDisabled(req))

	req.CheckingDisabled = false
	assert.False(t, CheckingDisabled(req))
}
