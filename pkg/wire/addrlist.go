package wire

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/shlex"
)

// ParseAddressList parses the client CLI's address-list grammar: a
// shell-style argument line where each token is a single IPv4 address, an
// inclusive "A-B" range, or a comma-separated list of either, e.g.
//
//	"192.168.1.1 192.168.1.10-192.168.1.12 192.168.1.20,192.168.1.21"
//
// It returns a de-duplicated, order-preserving list of addresses.
func ParseAddressList(input string) ([]net.IP, error) {
	tokens, err := shlex.Split(input)
	if err != nil {
		return nil, fmt.Errorf("address list: %w", err)
	}
	seen := map[string]bool{}
	var out []net.IP
	for _, tok := range tokens {
		for _, part := range strings.Split(tok, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			ips, err := parseAddressPart(part)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				key := ip.String()
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, ip)
			}
		}
	}
	return out, nil
}

func parseAddressPart(part string) ([]net.IP, error) {
	if dash := strings.IndexByte(part, '-'); dash >= 0 {
		lo, hi := part[:dash], part[dash+1:]
		loIP := net.ParseIP(lo).To4()
		hiIP := net.ParseIP(hi).To4()
		if loIP == nil || hiIP == nil {
			return nil, fmt.Errorf("address list: invalid range %q", part)
		}
		return expandRange(loIP, hiIP)
	}
	ip := net.ParseIP(part).To4()
	if ip == nil {
		return nil, fmt.Errorf("address list: invalid address %q", part)
	}
	return []net.IP{ip}, nil
}

// expandRange enumerates an inclusive IPv4 range by incrementing the 32-bit
// representation, the same "treat the address as an integer and count up"
// idiom used to iterate a bounded id space.
func expandRange(lo, hi net.IP) ([]net.IP, error) {
	loN := ipToUint32(lo)
	hiN := ipToUint32(hi)
	if hiN < loN {
		return nil, fmt.Errorf("address list: range %s-%s is backwards", lo, hi)
	}
	if hiN-loN > 65535 {
		return nil, fmt.Errorf("address list: range %s-%s is too large", lo, hi)
	}
	out := make([]net.IP, 0, hiN-loN+1)
	for n := loN; n <= hiN; n++ {
		out = append(out, uint32ToIP(n))
	}
	return out, nil
}

func ipToUint32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIP(n uint32) net.IP {
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}
