package lanaddr

import (
	"net/netip"
	"testing"
)

func TestDerivationIsDeterministic(t *testing.T) {
	peer := netip.MustParseAddrPort("203.0.113.5:40000")
	tunnelID := uint64(123456)

	ip1 := DeriveIP(peer.Addr())
	ip2 := DeriveIP(peer.Addr())
	if ip1 != ip2 {
		t.Fatalf("DeriveIP not deterministic: %v != %v", ip1, ip2)
	}
	if !ip1.Is4() || !ip1.IsLoopback() {
		t.Fatalf("expected derived IP to be a 127/8 address, got %v", ip1)
	}

	port1 := DerivePeerUDPPort(peer, tunnelID)
	port2 := DerivePeerUDPPort(peer, tunnelID)
	if port1 != port2 {
		t.Fatalf("DerivePeerUDPPort not deterministic: %d != %d", port1, port2)
	}
	if port1 < minEphemeralPort {
		t.Fatalf("port %d below floor %d", port1, minEphemeralPort)
	}
}

func TestDistinctPeersGetDistinctAddresses(t *testing.T) {
	peerA := netip.MustParseAddrPort("1.2.3.4:5000")
	peerB := netip.MustParseAddrPort("5.6.7.8:5000")

	ipA := DeriveIP(peerA.Addr())
	ipB := DeriveIP(peerB.Addr())
	if ipA == ipB {
		t.Fatalf("expected distinct peers to derive distinct local IPs, both got %v", ipA)
	}

	portA := DerivePeerUDPPort(peerA, 7)
	portB := DerivePeerUDPPort(peerB, 7)
	if portA == portB {
		t.Fatalf("expected distinct peers to derive distinct local ports (collision is possible but not for this fixture)")
	}
}

func TestIPv6DerivationUsesAllFourWords(t *testing.T) {
	// For each 32-bit word in turn, two v6 addresses differing only in that
	// word must hash differently; this would fail if any word were dropped.
	a := netip.MustParseAddr("2001:db8:1111::1")
	b := netip.MustParseAddr("2001:db8:2222::1")
	if DeriveIP(a) == DeriveIP(b) {
		t.Fatalf("expected addresses differing in the second 32-bit word to derive distinct local IPs")
	}
	base := netip.MustParseAddr("2001:db8::1").As16()
	for word := 0; word < 4; word++ {
		other := base
		other[word*4] ^= 0x11
		if DeriveIP(netip.AddrFrom16(base)) == DeriveIP(netip.AddrFrom16(other)) {
			t.Fatalf("expected addresses differing in 32-bit word %d to derive distinct local IPs", word)
		}
	}
}
