package certauthority

import "net"

func looksLikeIP(s string) bool {
	return net.ParseIP(s) != nil
}

func parseIP(s string) net.IP {
	return net.ParseIP(s)
}
