package firewall

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// DefaultSetName is the ipset holding allowlisted destinations.
const DefaultSetName = "berth-allowed"

// ErrOutOfOrder is returned when a build step is requested before its
// predecessor has run, or twice.
var ErrOutOfOrder = errors.New("firewall step out of order")

// Step identifies one stage of the rule program.
type Step int

const (
	stepNone Step = iota
	StepReset
	StepBaseline
	StepAddressSet
	StepHostNetwork
	StepDefaultDeny
	StepEstablished
	StepAllowSet
	StepRejectRest
)

var stepNames = map[Step]string{
	stepNone:        "start",
	StepReset:       "reset",
	StepBaseline:    "baseline",
	StepAddressSet:  "address-set",
	StepHostNetwork: "host-network",
	StepDefaultDeny: "default-deny",
	StepEstablished: "established",
	StepAllowSet:    "allow-set",
	StepRejectRest:  "reject-rest",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// Tool names the binary a rule runs through.
type Tool string

const (
	Iptables  Tool = "iptables"
	Ip6tables Tool = "ip6tables"
	Ipset     Tool = "ipset"
)

// Rule is a single command of the rule program.
type Rule struct {
	Step Step
	Tool Tool
	Args []string
	// IgnoreError marks cleanup commands whose failure is expected when
	// the object does not exist yet.
	IgnoreError bool
}

func (r Rule) String() string {
	return string(r.Tool) + " " + strings.Join(r.Args, " ")
}

// Builder emits the rule program one step at a time and refuses to emit a
// step before the previous one.
//
// With IPv6 enabled the program carries an ip6tables leg that admits only
// loopback, DNS and established replies and rejects every other IPv6
// destination. The address set is IPv4 only.
type Builder struct {
	set  string
	ipv6 bool
	last Step
	all  []Rule
}

// NewBuilder returns a builder that manages the named ipset.
func NewBuilder(set string) *Builder {
	if set == "" {
		set = DefaultSetName
	}
	return &Builder{set: set}
}

// WithIPv6 adds the ip6tables leg. It must be called before Reset.
func (b *Builder) WithIPv6() *Builder {
	b.ipv6 = true
	return b
}

// IPv6 reports whether the ip6tables leg is emitted.
func (b *Builder) IPv6() bool {
	return b.ipv6
}

// Next reports the step the builder expects.
func (b *Builder) Next() Step {
	if b.last == StepRejectRest {
		return stepNone
	}
	return b.last + 1
}

// Done reports whether every step has been emitted.
func (b *Builder) Done() bool {
	return b.last == StepRejectRest
}

// Rules returns every rule emitted so far.
func (b *Builder) Rules() []Rule {
	return append([]Rule(nil), b.all...)
}

// Reset restores permissive policies, flushes the filter table and drops
// any leftover address set. The nat table is left alone so the container
// runtime's embedded DNS keeps working.
func (b *Builder) Reset() ([]Rule, error) {
	return b.emit(StepReset, func(e *emitter) {
		for _, chain := range []string{"INPUT", "FORWARD", "OUTPUT"} {
			e.both("-P", chain, "ACCEPT")
		}
		e.both("-F")
		e.both("-X")
		e.add(Rule{Tool: Ipset, Args: []string{"destroy", b.set}, IgnoreError: true})
	})
}

// Baseline allows loopback and DNS on both families, and SSH over IPv4.
func (b *Builder) Baseline() ([]Rule, error) {
	return b.emit(StepBaseline, func(e *emitter) {
		e.both("-A", "INPUT", "-i", "lo", "-j", "ACCEPT")
		e.both("-A", "OUTPUT", "-o", "lo", "-j", "ACCEPT")
		for _, proto := range []string{"udp", "tcp"} {
			e.both("-A", "OUTPUT", "-p", proto, "--dport", "53", "-j", "ACCEPT")
			e.both("-A", "INPUT", "-p", proto, "--sport", "53", "-j", "ACCEPT")
		}
		e.ipt("-A", "OUTPUT", "-p", "tcp", "--dport", "22", "-j", "ACCEPT")
		e.ipt("-A", "INPUT", "-p", "tcp", "--sport", "22", "-m", "conntrack", "--ctstate", "ESTABLISHED", "-j", "ACCEPT")
	})
}

// AddressSet creates the set and loads every prefix into it.
func (b *Builder) AddressSet(prefixes []netip.Prefix) ([]Rule, error) {
	return b.emit(StepAddressSet, func(e *emitter) {
		e.add(Rule{Tool: Ipset, Args: []string{"create", b.set, "hash:net", "family", "inet", "-exist"}})
		for _, p := range prefixes {
			if !p.IsValid() || !p.Addr().Is4() {
				continue
			}
			e.add(Rule{Tool: Ipset, Args: []string{"add", b.set, p.Masked().String(), "-exist"}})
		}
	})
}

// HostNetwork allows traffic to and from the container's own subnet. An
// invalid prefix means no default route was found and emits nothing.
func (b *Builder) HostNetwork(subnet netip.Prefix) ([]Rule, error) {
	return b.emit(StepHostNetwork, func(e *emitter) {
		if !subnet.IsValid() {
			return
		}
		s := subnet.Masked().String()
		e.ipt("-A", "INPUT", "-s", s, "-j", "ACCEPT")
		e.ipt("-A", "OUTPUT", "-d", s, "-j", "ACCEPT")
	})
}

// DefaultDeny switches every filter chain to DROP.
func (b *Builder) DefaultDeny() ([]Rule, error) {
	return b.emit(StepDefaultDeny, func(e *emitter) {
		for _, chain := range []string{"INPUT", "FORWARD", "OUTPUT"} {
			e.both("-P", chain, "DROP")
		}
	})
}

// Established accepts return traffic of allowed connections.
func (b *Builder) Established() ([]Rule, error) {
	return b.emit(StepEstablished, func(e *emitter) {
		e.both("-A", "INPUT", "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT")
		e.both("-A", "OUTPUT", "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT")
	})
}

// AllowSet accepts outbound traffic to members of the address set.
func (b *Builder) AllowSet() ([]Rule, error) {
	return b.emit(StepAllowSet, func(e *emitter) {
		e.ipt("-A", "OUTPUT", "-m", "set", "--match-set", b.set, "dst", "-j", "ACCEPT")
	})
}

// RejectRest rejects everything else outbound so clients fail fast
// instead of timing out.
func (b *Builder) RejectRest() ([]Rule, error) {
	return b.emit(StepRejectRest, func(e *emitter) {
		e.ipt("-A", "OUTPUT", "-j", "REJECT", "--reject-with", "icmp-admin-prohibited")
		e.ip6("-A", "OUTPUT", "-j", "REJECT", "--reject-with", "icmp6-adm-prohibited")
	})
}

type emitter struct {
	step  Step
	ipv6  bool
	rules []Rule
}

func (e *emitter) ipt(args ...string) {
	e.add(Rule{Tool: Iptables, Args: append([]string{"-w"}, args...)})
}

func (e *emitter) ip6(args ...string) {
	if e.ipv6 {
		e.add(Rule{Tool: Ip6tables, Args: append([]string{"-w"}, args...)})
	}
}

func (e *emitter) both(args ...string) {
	e.ipt(args...)
	e.ip6(args...)
}

func (e *emitter) add(r Rule) {
	r.Step = e.step
	e.rules = append(e.rules, r)
}

func (b *Builder) emit(step Step, fill func(*emitter)) ([]Rule, error) {
	if step != b.Next() {
		return nil, fmt.Errorf("%w: %s requested after %s", ErrOutOfOrder, step, b.last)
	}
	e := &emitter{step: step, ipv6: b.ipv6}
	fill(e)
	b.last = step
	b.all = append(b.all, e.rules...)
	return e.rules, nil
}
