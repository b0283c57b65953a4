package transport

import (
	"fmt"
	"net"
)

// BroadcastAddr derives the subnet broadcast address for the given CIDR,
// e.g. "192.168.1.0/24" -> 192.168.1.255.
func BroadcastAddr(cidr string) (net.IP, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid cidr %q: %w", cidr, err)
	}
	ip4 := ipNet.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("transport: cidr %q is not IPv4", cidr)
	}
	mask := ipNet.Mask
	bcast := make(net.IP, len(ip4))
	for i := range ip4 {
		bcast[i] = ip4[i] | ^mask[i]
	}
	return bcast, nil
}
