package bacnet

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBVLCRoundTrip(t *testing.T) {
	encoded := EncodeBVLC(BVLCOriginalUnicastNPDU, 10)
	header, err := DecodeBVLC(encoded)
	require.NoError(t, err)
	assert.Equal(t, BVLCTypeBACnetIP, header.Type)
	assert.Equal(t, BVLCOriginalUnicastNPDU, header.Function)
	assert.Equal(t, uint16(14), header.Length)
}

func TestForwardedNPDURoundTrip(t *testing.T) {
	origin := NewLocalAddress(net.IPv4(10, 0, 0, 5), 47808)
	npdu := []byte{0x01, 0x00, 0xAA}
	encoded := EncodeForwardedNPDU(origin, npdu)

	header, err := DecodeBVLC(encoded)
	require.NoError(t, err)
	assert.Equal(t, BVLCForwardedNPDU, header.Function)

	gotOrigin, gotNPDU, err := DecodeForwardedNPDU(encoded[4:])
	require.NoError(t, err)
	assert.Equal(t, origin, gotOrigin)
	assert.Equal(t, npdu, gotNPDU)
}

func TestBBMDRegisterForeignDeviceClampsTTL(t *testing.T) {
	b := NewBBMDManager()
	addr := NewLocalAddress(net.IPv4(10, 0, 0, 9), 47808)

	require.NoError(t, b.RegisterForeignDevice(addr, 999999))
	fdt := b.FDT()
	require.Len(t, fdt, 1)
	assert.Equal(t, uint16(maxFDTTTL), fdt[0].TTL)
}

func TestBBMDRegisterForeignDeviceRefreshesExisting(t *testing.T) {
	b := NewBBMDManager()
	addr := NewLocalAddress(net.IPv4(10, 0, 0, 9), 47808)

	require.NoError(t, b.RegisterForeignDevice(addr, 60))
	require.NoError(t, b.RegisterForeignDevice(addr, 120))
	assert.Len(t, b.FDT(), 1, "re-registering the same address must refresh, not duplicate")
}

func TestBBMDPurgeExpiredRemovesLapsedEntries(t *testing.T) {
	b := NewBBMDManager()
	now := time.Now()
	b.now = func() time.Time { return now }

	addr := NewLocalAddress(net.IPv4(10, 0, 0, 9), 47808)
	require.NoError(t, b.RegisterForeignDevice(addr, 10))

	now = now.Add(10*time.Second + fdtGracePeriod + time.Second)
	b.PurgeExpired()
	assert.Empty(t, b.FDT())
}

func TestBBMDPurgeExpiredHonorsGracePeriod(t *testing.T) {
	b := NewBBMDManager()
	now := time.Now()
	b.now = func() time.Time { return now }

	addr := NewLocalAddress(net.IPv4(10, 0, 0, 9), 47808)
	require.NoError(t, b.RegisterForeignDevice(addr, 10))

	// Past the bare TTL but still within the 30s grace: must survive.
	now = now.Add(11 * time.Second)
	b.PurgeExpired()
	assert.Len(t, b.FDT(), 1)
}

func TestBBMDForwardTargetsExcludesOrigin(t *testing.T) {
	b := NewBBMDManager()
	peerA := NewLocalAddress(net.IPv4(10, 0, 0, 1), 47808)
	peerB := NewLocalAddress(net.IPv4(10, 0, 0, 2), 47808)
	require.NoError(t, b.AddBDTEntry(BDTEntry{Address: peerA}))
	require.NoError(t, b.AddBDTEntry(BDTEntry{Address: peerB}))

	targets := b.ForwardTargets(peerA)
	assert.ElementsMatch(t, []LocalAddress{peerB}, targets)
}

func TestBBMDTableCapsEnforced(t *testing.T) {
	b := NewBBMDManager()
	for i := 0; i < maxBDTEntries; i++ {
		addr := NewLocalAddress(net.IPv4(10, 0, byte(i>>8), byte(i)), 47808)
		require.NoError(t, b.AddBDTEntry(BDTEntry{Address: addr}))
	}
	err := b.AddBDTEntry(BDTEntry{})
	assert.ErrorIs(t, err, ErrBDTFull)
}
