package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func entry(port int, text ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry("peer", ServiceName, "local.")
	e.Port = port
	e.Text = text
	e.AddrIPv4 = []net.IP{net.ParseIP("10.0.0.2")}
	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	return e
}

func TestAccepts(t *testing.T) {
	m := &MDNS{cfg: Config{NodeID: "a", Namespace: "prod"}, seen: map[string]struct{}{}}

	if m.accepts(entry(7000, "node=a", "ns=prod")) {
		t.Fatal("accepted own announcement")
	}
	if m.accepts(entry(7000, "node=b", "ns=dev")) {
		t.Fatal("accepted peer of another namespace")
	}
	if !m.accepts(entry(7000, "node=b", "ns=prod")) {
		t.Fatal("rejected peer of the same namespace")
	}
}

func TestPeerAddrsAndDedup(t *testing.T) {
	m := &MDNS{cfg: Config{NodeID: "a"}, seen: map[string]struct{}{}}
	addrs := peerAddrs(entry(7000))
	want := []string{"10.0.0.2:7000", "[fe80::1]:7000"}
	if len(addrs) != len(want) || addrs[0] != want[0] || addrs[1] != want[1] {
		t.Fatalf("unexpected addrs %v", addrs)
	}
	if got := m.fresh(addrs); len(got) != 2 {
		t.Fatalf("expected two fresh peers, got %v", got)
	}
	if got := m.fresh(peerAddrs(entry(7000))); len(got) != 0 {
		t.Fatalf("expected no fresh peers, got %v", got)
	}
}

func TestNewMDNSInvalidAddr(t *testing.T) {
	if _, err := NewMDNS(Config{NodeID: "a", BindAddr: "nope"}, func([]string) {}); err == nil {
		t.Fatal("expected error for invalid bind addr")
	}
}
