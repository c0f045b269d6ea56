package api

import "net"

// Online reports whether any non-loopback interface is up with an address.
// This is a necessary condition for reaching the server, not a sufficient
// one; the heartbeat result is the real connectivity signal.
func Online() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		return true
	}
	return false
}
