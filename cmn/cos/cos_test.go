package cos_test

import (
	"testing"

	"github.com/hybridmem/core/cmn/cos"
)

func TestParseNIC(t *testing.T) {
	n, err := cos.ParseNIC("tcp://192.168.10.0/24:9000")
	if err != nil {
		t.Fatalf("ParseNIC: %v", err)
	}
	if n.Proto != "tcp" || n.Mask != 24 || n.Port != 9000 || n.IP.String() != "192.168.10.0" {
		t.Fatalf("ParseNIC = %+v", n)
	}

	n, err = cos.ParseNIC("roce://10.1.2.3:1234")
	if err != nil {
		t.Fatalf("ParseNIC no-mask: %v", err)
	}
	if n.Mask != -1 || n.Proto != "roce" {
		t.Fatalf("ParseNIC no-mask = %+v", n)
	}

	for _, bad := range []string{"192.168.1.1:80", "http://1.2.3.4:80", "tcp://1.2.3.4", "tcp://1.2.3.4/40:80", "tcp://1.2.3.4:0"} {
		if _, err := cos.ParseNIC(bad); err == nil {
			t.Fatalf("ParseNIC(%q) accepted", bad)
		}
	}
}

// TestResolveLocalIPOnLoopbackSubnet exercises the CIDR interface scan
// against the one subnet every host has: 127.0.0.0/8 resolves to the
// loopback address, so open() on a masked nic yields a concrete local ip.
func TestResolveLocalIPOnLoopbackSubnet(t *testing.T) {
	n, err := cos.ParseNIC("tcp://127.0.0.0/8:9000")
	if err != nil {
		t.Fatalf("ParseNIC: %v", err)
	}
	ip, err := cos.ResolveLocalIP(n)
	if err != nil {
		t.Fatalf("ResolveLocalIP: %v", err)
	}
	if ip.String() != "127.0.0.1" {
		t.Fatalf("ResolveLocalIP = %s, want 127.0.0.1", ip)
	}
	if got := n.String(ip); got != "tcp://127.0.0.1:9000" {
		t.Fatalf("nic string = %q", got)
	}
}

func TestAlignHelpers(t *testing.T) {
	const page = uint64(cos.DeviceLargePageSize)
	if cos.AlignDown(page+5, page) != page {
		t.Fatal("AlignDown")
	}
	if cos.AlignUp(1, page) != page || cos.AlignUp(0, page) != page {
		t.Fatal("AlignUp minimum")
	}
	if cos.AlignUp(page+1, page) != 2*page {
		t.Fatal("AlignUp round")
	}
}
