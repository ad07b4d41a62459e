package net

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dstorage/go-dstor/lib/types"
)

func staticSource(ifs ...Interface) InterfaceSource {
	return func() ([]Interface, error) {
		return ifs, nil
	}
}

func TestDetectSkipsVirtualAndLoopback(t *testing.T) {
	d := &Detector{
		Source: staticSource(
			Interface{Name: "lo", Addrs: []string{"127.0.0.1/8"}, Loopback: true, Up: true},
			Interface{Name: "docker0", Addrs: []string{"172.17.0.1/16"}, Up: true},
			Interface{Name: "vEthernet (WSL)", Addrs: []string{"172.28.0.1/20"}, Up: true},
			Interface{Name: "eth0", Addrs: []string{"fe80::1/64", "169.254.3.4/16", "10.0.0.5/24", "10.0.0.6/24"}, Up: true},
		),
		Exclude: []string{"docker", "wsl", "vethernet"},
		Scheme:  SchemeHTTP,
		Port:    3000,
	}

	ep, err := d.Detect()
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:3000", ep)
}

func TestDetectMultiaddr(t *testing.T) {
	d := &Detector{
		Source: staticSource(Interface{Name: "wlan0", Addrs: []string{"192.168.1.20"}, Up: true}),
		Scheme: SchemeMultiaddr,
		Port:   4001,
	}

	ep, err := d.Detect()
	require.NoError(t, err)
	assert.Equal(t, "/ip4/192.168.1.20/tcp/4001", ep)
}

func TestDetectNothingUsable(t *testing.T) {
	d := &Detector{
		Source: staticSource(
			Interface{Name: "lo", Addrs: []string{"127.0.0.1/8"}, Loopback: true},
			Interface{Name: "docker0", Addrs: []string{"172.17.0.1/16"}},
			Interface{Name: "eth0", Addrs: []string{"fe80::1/64"}},
		),
		Exclude: []string{"docker"},
		Port:    3000,
	}

	_, err := d.Detect()
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrEndpointDetection)
}

func TestFormatEndpointPort(t *testing.T) {
	_, err := FormatEndpoint(parseAddr("10.0.0.5"), SchemeHTTP, 0)
	assert.Error(t, err)

	_, err = FormatEndpoint(parseAddr("10.0.0.5"), "ftp", 21)
	assert.Error(t, err)
}
