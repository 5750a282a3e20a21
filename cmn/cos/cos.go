// Package cos ("common os/string") holds small parsing and alignment
// helpers shared by the transport and store-helper layers.
/*
 * Copyright (c) 2024, Hybrid Memory Fabric Authors. All rights reserved.
 */
package cos

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

// DeviceLargePageSize is the device allocator's large-page granularity
// (spec §3: MemSlice size "multiple of device large-page, >= that page").
// The real allocator is an out-of-scope collaborator; this constant mirrors
// the value the reference/loopback implementation uses.
const DeviceLargePageSize = 2 * MiB

// AlignDown truncates addr to the given page size.
func AlignDown(addr uint64, page uint64) uint64 { return addr &^ (page - 1) }

// AlignUp rounds size up to a multiple of page, never below page itself.
func AlignUp(size uint64, page uint64) uint64 {
	if size == 0 {
		return page
	}
	n := (size + page - 1) &^ (page - 1)
	if n < page {
		n = page
	}
	return n
}

// NIC describes a parsed transport NIC endpoint: "(tcp|mte|roce|ubc)://ip[/mask]:port".
type NIC struct {
	Proto string
	IP    net.IP
	Mask  int // -1 when absent
	Port  int
}

var validProtos = map[string]bool{"tcp": true, "mte": true, "roce": true, "ubc": true}

// ParseNIC parses the nic grammar from spec §6 and, when a CIDR mask is
// present, resolves it to the local interface address inside that subnet
// (spec §4.6 Open and §8 scenario 5).
func ParseNIC(s string) (NIC, error) {
	idx := strings.Index(s, "://")
	if idx < 0 {
		return NIC{}, errors.Errorf("invalid nic %q: missing scheme", s)
	}
	proto := s[:idx]
	if !validProtos[proto] {
		return NIC{}, errors.Errorf("invalid nic %q: unknown proto %q", s, proto)
	}
	rest := s[idx+3:]
	lastColon := strings.LastIndex(rest, ":")
	if lastColon < 0 {
		return NIC{}, errors.Errorf("invalid nic %q: missing port", s)
	}
	hostPart := rest[:lastColon]
	portPart := rest[lastColon+1:]
	port, err := strconv.Atoi(portPart)
	if err != nil || port <= 0 || port > 65535 {
		return NIC{}, errors.Errorf("invalid nic %q: bad port", s)
	}

	mask := -1
	ipPart := hostPart
	if si := strings.Index(hostPart, "/"); si >= 0 {
		ipPart = hostPart[:si]
		mask, err = strconv.Atoi(hostPart[si+1:])
		if err != nil || mask < 0 || mask > 32 {
			return NIC{}, errors.Errorf("invalid nic %q: bad mask", s)
		}
	}
	ip := net.ParseIP(ipPart)
	if ip == nil {
		return NIC{}, errors.Errorf("invalid nic %q: bad ip", s)
	}
	return NIC{Proto: proto, IP: ip.To4(), Mask: mask, Port: port}, nil
}

// ResolveLocalIP picks the local IPv4 address that lies on n.IP/n.Mask by
// scanning this host's interfaces; when no mask was given, n.IP is returned
// unchanged.
func ResolveLocalIP(n NIC) (net.IP, error) {
	if n.Mask < 0 {
		return n.IP, nil
	}
	_, subnet, err := net.ParseCIDR(fmt.Sprintf("%s/%d", n.IP.String(), n.Mask))
	if err != nil {
		return nil, errors.Wrapf(err, "resolve local ip for %s", n.IP)
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, errors.Wrap(err, "list interfaces")
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		if subnet.Contains(ip4) {
			return ip4, nil
		}
	}
	return nil, errors.Errorf("no local interface on subnet %s", subnet)
}

func (n NIC) String(ip net.IP) string {
	return fmt.Sprintf("%s://%s:%d", n.Proto, ip.String(), n.Port)
}

// IsErrOOS reports whether err indicates the local store is out of space;
// named after aistore's cos.IsErrOOS used throughout xact/xs.
func IsErrOOS(err error) bool {
	return errors.Is(err, errOOS)
}

var errOOS = errors.New("out of space")

// IsEOF reports whether err is an io.EOF (possibly wrapped).
func IsEOF(err error) bool { return errors.Is(err, io.EOF) }
