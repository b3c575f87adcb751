package relay

import (
	"net"
	"net/netip"
	"testing"
)

// startUDPEchoServer runs a UDP4 server that echoes every datagram back to
// its sender, standing in for a SpiNNaker board's Ethernet chip in tests.
func startUDPEchoServer(t *testing.T) (*net.UDPConn, netip.AddrPort) {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen udp4: %v", err)
	}
	addr := conn.LocalAddr().(*net.UDPAddr).AddrPort()

	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, peer, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP(buf[:n], peer)
		}
	}()

	t.Cleanup(func() { _ = conn.Close() })

	return conn, addr
}
