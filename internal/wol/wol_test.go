package wol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMagicPacketBytes(t *testing.T) {
	mac, err := net.ParseMAC("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	packet, err := BuildMagicPacket(mac)
	require.NoError(t, err)

	require.Len(t, packet, packetLen)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, packet[:6])

	for i := 0; i < 16; i++ {
		start := 6 + i*6
		assert.Equal(t, []byte(mac), packet[start:start+6], "repetition %d", i)
	}
}

func TestBuildMagicPacketRejectsBadMAC(t *testing.T) {
	_, err := BuildMagicPacket(net.HardwareAddr{0x01, 0x02})
	assert.Error(t, err)
}

func TestLooksLikeMagicPacketRoundTrip(t *testing.T) {
	mac, _ := net.ParseMAC("11:22:33:44:55:66")
	packet, err := BuildMagicPacket(mac)
	require.NoError(t, err)

	assert.True(t, looksLikeMagicPacket(packet))
	tampered := append([]byte(nil), packet...)
	tampered[20] ^= 0xFF
	assert.False(t, looksLikeMagicPacket(tampered))
}
