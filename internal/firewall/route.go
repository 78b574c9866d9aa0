package firewall

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math/bits"
	"net/netip"
	"os"
	"strings"
)

// DefaultRouteFile is the kernel's IPv4 routing table.
const DefaultRouteFile = "/proc/net/route"

type route struct {
	iface   string
	dest    netip.Addr
	gateway netip.Addr
	bits    int
}

// HostNetworkFromFile reads a routing table file and returns the subnet
// the default gateway lives on. ok is false when there is no default route.
func HostNetworkFromFile(path string) (netip.Prefix, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return netip.Prefix{}, false, err
	}
	defer f.Close()
	return HostNetwork(f)
}

// HostNetwork parses a /proc/net/route table. The subnet is the connected
// route that contains the default gateway; when none does, the gateway's
// /24 is used.
func HostNetwork(r io.Reader) (netip.Prefix, bool, error) {
	routes, err := parseRoutes(r)
	if err != nil {
		return netip.Prefix{}, false, err
	}
	var gw route
	found := false
	for _, rt := range routes {
		if rt.bits == 0 && rt.dest.IsUnspecified() && rt.gateway.IsValid() && !rt.gateway.IsUnspecified() {
			gw, found = rt, true
			break
		}
	}
	if !found {
		return netip.Prefix{}, false, nil
	}
	for _, rt := range routes {
		if rt.bits == 0 || rt.iface != gw.iface || !rt.gateway.IsUnspecified() {
			continue
		}
		p := netip.PrefixFrom(rt.dest, rt.bits).Masked()
		if p.Contains(gw.gateway) {
			return p, true, nil
		}
	}
	p, err := gw.gateway.Prefix(24)
	if err != nil {
		return netip.Prefix{}, false, err
	}
	return p, true, nil
}

func parseRoutes(r io.Reader) ([]route, error) {
	var out []route
	sc := bufio.NewScanner(r)
	header := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if header {
			header = false
			if strings.HasPrefix(line, "Iface") {
				continue
			}
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			return nil, fmt.Errorf("route table: short line %q", line)
		}
		dest, err := hexAddr(fields[1])
		if err != nil {
			return nil, err
		}
		gateway, err := hexAddr(fields[2])
		if err != nil {
			return nil, err
		}
		mask, err := hexWord(fields[7])
		if err != nil {
			return nil, err
		}
		out = append(out, route{iface: fields[0], dest: dest, gateway: gateway, bits: bits.OnesCount32(mask)})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// The table stores addresses as host-order hex words; on the little-endian
// machines containers run on that means the octets are reversed.
func hexAddr(s string) (netip.Addr, error) {
	word, err := hexWord(s)
	if err != nil {
		return netip.Addr{}, err
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], word)
	return netip.AddrFrom4(b), nil
}

func hexWord(s string) (uint32, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 4 {
		return 0, fmt.Errorf("route table: bad hex word %q", s)
	}
	return binary.BigEndian.Uint32(raw), nil
}
