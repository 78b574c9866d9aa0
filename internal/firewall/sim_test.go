package firewall

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// simulator is a Commander that interprets the subset of iptables,
// ip6tables and ipset the builder emits, so tests can ask what would happen
// to a packet.
type simulator struct {
	mu     sync.Mutex
	calls  []string
	v4, v6 *filterTable
	sets   map[string][]netip.Prefix
	failOn string
}

// filterTable is one address family's filter table.
type filterTable struct {
	policies map[string]string
	chains   map[string][][]string
}

func newFilterTable() *filterTable {
	return &filterTable{
		policies: map[string]string{"INPUT": "ACCEPT", "FORWARD": "ACCEPT", "OUTPUT": "ACCEPT"},
		chains:   map[string][][]string{},
	}
}

func newSimulator() *simulator {
	return &simulator{
		v4:   newFilterTable(),
		v6:   newFilterTable(),
		sets: map[string][]netip.Prefix{},
	}
}

func (s *simulator) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line := filepath.Base(name) + " " + strings.Join(args, " ")
	s.calls = append(s.calls, line)
	if s.failOn != "" && strings.Contains(line, s.failOn) {
		return []byte("iptables: Permission denied (you must be root).\n"), errors.New("exit status 4")
	}
	switch filepath.Base(name) {
	case "iptables":
		return nil, s.v4.apply(args)
	case "ip6tables":
		return nil, s.v6.apply(args)
	case "ipset":
		return nil, s.ipset(args)
	}
	return nil, fmt.Errorf("unknown tool %s", name)
}

func (t *filterTable) apply(args []string) error {
	if len(args) > 0 && args[0] == "-w" {
		args = args[1:]
	}
	if len(args) == 0 {
		return errors.New("no command")
	}
	switch args[0] {
	case "-P":
		t.policies[args[1]] = args[2]
	case "-F":
		t.chains = map[string][][]string{}
	case "-X", "-S":
	case "-A":
		t.chains[args[1]] = append(t.chains[args[1]], args[2:])
	default:
		return fmt.Errorf("unsupported iptables command %q", args[0])
	}
	return nil
}

func (s *simulator) ipset(args []string) error {
	switch args[0] {
	case "destroy":
		if _, ok := s.sets[args[1]]; !ok {
			return errors.New("The set with the given name does not exist")
		}
		delete(s.sets, args[1])
	case "create":
		if _, ok := s.sets[args[1]]; !ok {
			s.sets[args[1]] = nil
		}
	case "add":
		if _, ok := s.sets[args[1]]; !ok {
			return errors.New("set does not exist")
		}
		s.sets[args[1]] = append(s.sets[args[1]], netip.MustParsePrefix(args[2]))
	default:
		return fmt.Errorf("unsupported ipset command %q", args[0])
	}
	return nil
}

type packet struct {
	chain string
	proto string
	iface string
	src   netip.Addr
	dst   netip.Addr
	sport int
	dport int
	state string
}

// verdict walks the packet's chain in the table of its address family and
// returns the first matching target, or the chain policy.
func (s *simulator) verdict(p packet) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.state == "" {
		p.state = "NEW"
	}
	table := s.v4
	if p.src.Is6() || p.dst.Is6() {
		table = s.v6
	}
	for _, rule := range table.chains[p.chain] {
		if target, ok := s.match(rule, p); ok {
			return target
		}
	}
	return table.policies[p.chain]
}

func (s *simulator) match(rule []string, p packet) (string, bool) {
	target := ""
	for i := 0; i < len(rule); i++ {
		arg := rule[i]
		next := func() string {
			i++
			return rule[i]
		}
		switch arg {
		case "-p":
			if next() != p.proto {
				return "", false
			}
		case "-i", "-o":
			if next() != p.iface {
				return "", false
			}
		case "-s":
			if !netip.MustParsePrefix(next()).Contains(p.src) {
				return "", false
			}
		case "-d":
			if !netip.MustParsePrefix(next()).Contains(p.dst) {
				return "", false
			}
		case "--dport":
			if n, _ := strconv.Atoi(next()); n != p.dport {
				return "", false
			}
		case "--sport":
			if n, _ := strconv.Atoi(next()); n != p.sport {
				return "", false
			}
		case "-m", "--reject-with":
			next()
		case "--ctstate":
			if !slices.Contains(strings.Split(next(), ","), p.state) {
				return "", false
			}
		case "--match-set":
			set := s.sets[next()]
			if next() != "dst" {
				return "", false
			}
			if !slices.ContainsFunc(set, func(pr netip.Prefix) bool { return pr.Contains(p.dst) }) {
				return "", false
			}
		case "-j":
			target = next()
		}
	}
	return target, target != ""
}

func (s *simulator) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}
