package ytloop

import (
	"fmt"
	"net"
	"strconv"

	"github.com/libp2p/go-reuseport"
)

// listenResolve holds the OAuth callback listener. The port is opened with
// SO_REUSEPORT and kept for the life of the client so re-authentication
// after token expiry reuses the same redirect URI Google was registered
// with.
type listenResolve struct {
	listenAddr    string
	stickyPort    net.Listener
	effectiveAddr string
}

func (lr *listenResolve) setupListener() error {
	if lr.stickyPort != nil {
		return nil
	}
	listener, err := reuseport.Listen("tcp", lr.listenAddr)
	if err != nil {
		return err
	}
	lr.stickyPort = listener

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("could not determine listening address")
	}

	// The consent browser always runs on the same host, so an unspecified
	// bind resolves to loopback.
	ip := tcpAddr.IP
	if ip.IsUnspecified() {
		ip = net.IPv4(127, 0, 0, 1)
	}
	lr.effectiveAddr = net.JoinHostPort(ip.String(), strconv.Itoa(tcpAddr.Port))
	return nil
}

func (lr *listenResolve) close() {
	if lr.stickyPort != nil {
		_ = lr.stickyPort.Close()
		lr.stickyPort = nil
	}
}
