//go:build linux

package tuntap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRandomMAC(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 16; i++ {
		mac := RandomMAC()
		require.Len(t, mac, 6)
		assert.Zero(t, mac[0]&0x01, "multicast bit set in %v", mac)
		assert.Equal(t, byte(0x02), mac[0]&0x02, "not locally administered: %v", mac)
		seen[string(mac)] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestOpenTAPRejectsLongName(t *testing.T) {
	_, err := OpenTAP("a-name-that-is-far-too-long-for-ifreq")
	assert.Error(t, err)
}

func TestOpenTAP(t *testing.T) {
	if unix.Geteuid() != 0 {
		t.Skip("creating a tap device needs root")
	}
	fd, err := OpenTAP("knettest0")
	if err != nil {
		t.Skipf("tap unavailable: %v", err)
	}
	defer unix.Close(fd)

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)
}
