package net

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	psnet "github.com/shirou/gopsutil/v3/net"
	"golang.org/x/xerrors"

	"github.com/dstorage/go-dstor/lib/types"
)

const (
	SchemeHTTP      = "http"
	SchemeMultiaddr = "multiaddr"
)

// Interface is the part of a network interface endpoint detection looks at.
type Interface struct {
	Name     string
	Addrs    []string // CIDR or bare ip
	Loopback bool
	Up       bool
}

// InterfaceSource lists the local interfaces in system order.
type InterfaceSource func() ([]Interface, error)

func SystemInterfaces() ([]Interface, error) {
	list, err := psnet.Interfaces()
	if err != nil {
		return nil, err
	}

	res := make([]Interface, 0, len(list))
	for _, is := range list {
		it := Interface{Name: is.Name}
		for _, f := range is.Flags {
			switch f {
			case "up":
				it.Up = true
			case "loopback":
				it.Loopback = true
			}
		}
		for _, a := range is.Addrs {
			it.Addrs = append(it.Addrs, a.Addr)
		}
		res = append(res, it)
	}
	return res, nil
}

// Detector finds the externally reachable address of this host.
type Detector struct {
	Source  InterfaceSource
	Exclude []string // case-insensitive name fragments
	Scheme  string
	Port    int
}

// DetectIP returns the first IPv4 address of the first interface that is
// not excluded by name and is neither loopback nor link local.
func (d *Detector) DetectIP() (net.IP, error) {
	src := d.Source
	if src == nil {
		src = SystemInterfaces
	}

	ifs, err := src()
	if err != nil {
		return nil, types.NewError(types.ErrEndpointDetection, "list interfaces", err)
	}

	for _, it := range ifs {
		if it.Loopback || d.excluded(it.Name) {
			continue
		}
		for _, a := range it.Addrs {
			ip := parseAddr(a)
			if usable(ip) {
				return ip, nil
			}
		}
	}

	return nil, types.Errorf(types.ErrEndpointDetection, "detect endpoint", "no usable ipv4 address among %d interfaces", len(ifs))
}

// Detect renders the detected address as an endpoint string.
func (d *Detector) Detect() (string, error) {
	ip, err := d.DetectIP()
	if err != nil {
		return "", err
	}
	return FormatEndpoint(ip, d.Scheme, d.Port)
}

func (d *Detector) excluded(name string) bool {
	lname := strings.ToLower(name)
	for _, ex := range d.Exclude {
		if ex != "" && strings.Contains(lname, strings.ToLower(ex)) {
			return true
		}
	}
	return false
}

func parseAddr(a string) net.IP {
	if ip, _, err := net.ParseCIDR(a); err == nil {
		return ip
	}
	return net.ParseIP(a)
}

func usable(ip net.IP) bool {
	if ip == nil || ip.To4() == nil {
		return false
	}
	return !ip.IsLoopback() && !ip.IsUnspecified() && !ip.IsLinkLocalUnicast()
}

// FormatEndpoint renders ip:port as http://ip:port or /ip4/ip/tcp/port.
func FormatEndpoint(ip net.IP, scheme string, port int) (string, error) {
	if port <= 0 || port > 65535 {
		return "", xerrors.Errorf("invalid endpoint port %d", port)
	}

	switch scheme {
	case SchemeMultiaddr:
		maddr, err := ma.NewMultiaddr("/ip4/" + ip.String() + "/tcp/" + strconv.Itoa(port))
		if err != nil {
			return "", err
		}
		return maddr.String(), nil
	case SchemeHTTP, "":
		return "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
	default:
		return "", xerrors.Errorf("unsupported endpoint scheme %s", scheme)
	}
}

// GetPublicIP asks an echo service for the address this host is seen from.
func GetPublicIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://myexternalip.com/raw", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(content)), nil
}
