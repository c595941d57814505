package firewall

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"regexp"
)

// Protocol selects the transport-layer match of a rule. ProtocolOther means
// no transport match is emitted.
type Protocol string

const (
	ProtocolTCP   Protocol = "tcp"
	ProtocolUDP   Protocol = "udp"
	ProtocolOther Protocol = "other"
)

// Verdict is the terminal action a rule applies to matching traffic.
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictReject Verdict = "reject"
	VerdictDrop   Verdict = "drop"
)

// HostSpec identifies one endpoint of a rule: a literal address, a hostname
// resolved at compile time, or neither (the field does not constrain the
// match).
type HostSpec struct {
	IP       netip.Addr
	Hostname string
}

// IsZero reports whether the spec constrains nothing.
func (h HostSpec) IsZero() bool {
	return !h.IP.IsValid() && h.Hostname == ""
}

// IsHostname reports whether the endpoint must be resolved before compiling.
func (h HostSpec) IsHostname() bool {
	return h.Hostname != ""
}

func (h HostSpec) String() string {
	if h.Hostname != "" {
		return h.Hostname
	}
	if h.IP.IsValid() {
		return h.IP.String()
	}
	return "any"
}

type hostSpecJSON struct {
	IP       string `json:"ip,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

func (h HostSpec) MarshalJSON() ([]byte, error) {
	out := hostSpecJSON{Hostname: h.Hostname}
	if h.IP.IsValid() {
		out.IP = h.IP.String()
	}
	return json.Marshal(out)
}

func (h *HostSpec) UnmarshalJSON(data []byte) error {
	var in hostSpecJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*h = HostSpec{Hostname: in.Hostname}
	if in.IP != "" {
		addr, err := netip.ParseAddr(in.IP)
		if err != nil {
			return fmt.Errorf("host spec: %w", err)
		}
		h.IP = addr.Unmap()
	}
	return nil
}

// Rule matches traffic by endpoint and protocol and applies a verdict.
type Rule struct {
	Name     string   `json:"name,omitempty"`
	Src      HostSpec `json:"src"`
	Dst      HostSpec `json:"dst"`
	Protocol Protocol `json:"protocol"`
	Target   Verdict  `json:"target"`
}

// Device is one enforced endpoint on the network. Its ID doubles as the
// kernel chain name carrying its rules.
type Device struct {
	ID    string     `json:"id"`
	IP    netip.Addr `json:"ip"`
	Rules []Rule     `json:"rules"`
}

// FirewallConfig is the full ruleset for one generation, as delivered by the
// controller. Device and rule order is preserved through compilation.
type FirewallConfig struct {
	Version string   `json:"version,omitempty"`
	Devices []Device `json:"devices"`
}

// Chain names share the nft identifier charset.
var chainNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,200}$`)

// Validate checks structural soundness before compilation.
func (c *FirewallConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Devices))
	for i := range c.Devices {
		dev := &c.Devices[i]
		if !chainNameRe.MatchString(dev.ID) {
			return fmt.Errorf("device %d: invalid id %q", i, dev.ID)
		}
		if _, dup := seen[dev.ID]; dup {
			return fmt.Errorf("duplicate device id %q", dev.ID)
		}
		seen[dev.ID] = struct{}{}
		if !dev.IP.IsValid() {
			return fmt.Errorf("device %q: missing address", dev.ID)
		}
		for j, rule := range dev.Rules {
			switch rule.Protocol {
			case ProtocolTCP, ProtocolUDP, ProtocolOther:
			default:
				return fmt.Errorf("device %q rule %d: unknown protocol %q", dev.ID, j, rule.Protocol)
			}
			switch rule.Target {
			case VerdictAccept, VerdictReject, VerdictDrop:
			default:
				return fmt.Errorf("device %q rule %d: unknown target %q", dev.ID, j, rule.Target)
			}
		}
	}
	return nil
}

// Hostnames returns the distinct hostnames referenced by any rule endpoint,
// in first-appearance order.
func (c *FirewallConfig) Hostnames() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, dev := range c.Devices {
		for _, rule := range dev.Rules {
			for _, h := range []HostSpec{rule.Src, rule.Dst} {
				if !h.IsHostname() {
					continue
				}
				if _, ok := seen[h.Hostname]; ok {
					continue
				}
				seen[h.Hostname] = struct{}{}
				out = append(out, h.Hostname)
			}
		}
	}
	return out
}
