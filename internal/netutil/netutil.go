// Package netutil provides the small amount of socket probing the worker
// manager needs when wiring the guest channels.
package netutil

import (
	"fmt"
	"net"
)

// AvailablePort asks the OS for an ephemeral TCP port and returns it after
// closing the probe listener. The port can be taken by somebody else between
// the probe and the caller's own bind; callers must tolerate that window.
func AvailablePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("probe ephemeral port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// PrimaryIP returns the local address the kernel picks for reaching the
// public internet. The UDP connect sends no packets; it only resolves a
// route.
func PrimaryIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("resolve primary interface: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
