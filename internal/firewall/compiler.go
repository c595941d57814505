//go:build linux
// +build linux

package firewall

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"palisade/internal/brand"
	"palisade/internal/logging"
	"palisade/internal/metrics"
)

const (
	// TableName is the single shared inet table holding every generation.
	TableName = brand.LowerName
	// BaseChainName is the inbound dispatch chain. It never decides traffic
	// fate itself, it only jumps into device chains.
	BaseChainName = "base"
)

// IP header field offsets for payload matches.
const (
	ipv4SrcOffset = 12
	ipv4DstOffset = 16
	ipv4AddrLen   = 4

	ipv6SrcOffset = 8
	ipv6DstOffset = 24
	ipv6AddrLen   = 16
)

// Compiler turns a FirewallConfig into an ordered nftables batch and submits
// it as one kernel transaction. Applies are serialized: only one generation
// is ever in flight.
type Compiler struct {
	conn NFTablesConn
	log  *logging.Logger

	mu sync.Mutex
	// prev is the table created by the last successful apply; it is deleted
	// at the head of the next batch so generations never accumulate.
	prev *nftables.Table
	// scanned is set once the kernel has been checked for a table left over
	// from a previous process.
	scanned bool
}

// NewCompiler builds a compiler on top of conn.
func NewCompiler(conn NFTablesConn) *Compiler {
	return &Compiler{
		conn: conn,
		log:  logging.Default().WithComponent("firewall"),
	}
}

// Apply compiles cfg and submits the whole batch, deletions first, in a
// single transaction. resolved supplies addresses for hostname endpoints;
// rules whose hostnames are absent from it are skipped. On failure the
// kernel keeps the previous generation intact.
func (c *Compiler) Apply(cfg *FirewallConfig, resolved map[string][]netip.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.queueStaleDeletion(); err != nil {
		return err
	}

	table := c.conn.AddTable(&nftables.Table{
		Name:   TableName,
		Family: nftables.TableFamilyINet,
	})

	accept := nftables.ChainPolicyAccept
	base := c.conn.AddChain(&nftables.Chain{
		Name:     BaseChainName,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &accept,
	})

	ruleCount := 0
	for i := range cfg.Devices {
		n, err := c.compileDevice(table, base, &cfg.Devices[i], resolved)
		if err != nil {
			return err
		}
		ruleCount += n
	}

	if err := c.conn.Flush(); err != nil {
		metrics.Get().ApplyFailures.Inc()
		return fmt.Errorf("apply ruleset: %w", err)
	}

	c.prev = table
	metrics.Get().GenerationsApplied.Inc()
	metrics.Get().CompiledRules.Set(float64(ruleCount))
	c.log.Info("applied ruleset generation",
		"devices", len(cfg.Devices), "rules", ruleCount)
	return nil
}

// queueStaleDeletion queues removal of the previous generation's table. The
// first apply after process start additionally scans the kernel for a table
// left behind by an earlier run.
func (c *Compiler) queueStaleDeletion() error {
	if c.prev != nil {
		c.conn.DelTable(c.prev)
		return nil
	}
	if c.scanned {
		return nil
	}
	c.scanned = true

	tables, err := c.conn.ListTables()
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	for _, t := range tables {
		if t.Name == TableName && t.Family == nftables.TableFamilyINet {
			c.log.Info("removing leftover ruleset from a previous run")
			c.conn.DelTable(t)
		}
	}
	return nil
}

// compileDevice queues the device's private drop chain, the two dispatch
// rules routing its traffic there, and its rule list. It returns the number
// of rules queued into the device chain.
func (c *Compiler) compileDevice(table *nftables.Table, base *nftables.Chain, dev *Device, resolved map[string][]netip.Addr) (int, error) {
	drop := nftables.ChainPolicyDrop
	devChain := c.conn.AddChain(&nftables.Chain{
		Name:   dev.ID,
		Table:  table,
		Policy: &drop,
	})

	// Traffic from the device and traffic to the device both dispatch into
	// its chain.
	for _, isSrc := range []bool{true, false} {
		exprs := addrMatch(dev.IP, isSrc)
		exprs = append(exprs, &expr.Verdict{
			Kind:  expr.VerdictJump,
			Chain: devChain.Name,
		})
		c.conn.AddRule(&nftables.Rule{Table: table, Chain: base, Exprs: exprs})
	}

	count := 0
	for i := range dev.Rules {
		n, err := c.compileRule(table, devChain, dev, &dev.Rules[i], resolved)
		if err != nil {
			return count, err
		}
		count += n
	}
	return count, nil
}

// compileRule expands one rule into kernel rules, one per usable address
// combination. Hostname endpoints expand over their resolved snapshot;
// mixed-family source/destination pairs are unmatchable and skipped.
func (c *Compiler) compileRule(table *nftables.Table, chain *nftables.Chain, dev *Device, rule *Rule, resolved map[string][]netip.Addr) (int, error) {
	srcs, ok := endpointAddrs(rule.Src, resolved)
	if !ok {
		c.log.Warn("skipping rule with unresolved source",
			"device", dev.ID, "host", rule.Src.Hostname)
		return 0, nil
	}
	dsts, ok := endpointAddrs(rule.Dst, resolved)
	if !ok {
		c.log.Warn("skipping rule with unresolved destination",
			"device", dev.ID, "host", rule.Dst.Hostname)
		return 0, nil
	}

	count := 0
	for _, src := range srcs {
		for _, dst := range dsts {
			if src.IsValid() && dst.IsValid() && src.Is4() != dst.Is4() {
				continue
			}

			var exprs []expr.Any
			if src.IsValid() {
				exprs = append(exprs, addrMatch(src, true)...)
			}
			if dst.IsValid() {
				exprs = append(exprs, addrMatch(dst, false)...)
				exprs = append(exprs, protocolMatch(rule.Protocol)...)
			}
			exprs = append(exprs, verdictExprs(rule.Target)...)

			c.conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: exprs})
			count++
		}
	}
	return count, nil
}

// endpointAddrs lists the concrete addresses an endpoint matches. An
// unconstrained endpoint yields a single invalid address so the expansion
// loops still run once. ok is false when a hostname has no resolved
// snapshot.
func endpointAddrs(h HostSpec, resolved map[string][]netip.Addr) ([]netip.Addr, bool) {
	switch {
	case h.IsHostname():
		addrs, ok := resolved[h.Hostname]
		if !ok || len(addrs) == 0 {
			return nil, false
		}
		return addrs, true
	case h.IP.IsValid():
		return []netip.Addr{h.IP}, true
	default:
		return []netip.Addr{{}}, true
	}
}

// addrMatch builds the family-qualified address match for one endpoint. The
// shared table mixes families, so every payload load is guarded by an
// nfproto check.
func addrMatch(addr netip.Addr, isSrc bool) []expr.Any {
	addr = addr.Unmap()

	var (
		proto  byte
		offset uint32
		length uint32
		data   []byte
	)
	if addr.Is4() {
		proto = unix.NFPROTO_IPV4
		length = ipv4AddrLen
		offset = ipv4DstOffset
		if isSrc {
			offset = ipv4SrcOffset
		}
		b := addr.As4()
		data = b[:]
	} else {
		proto = unix.NFPROTO_IPV6
		length = ipv6AddrLen
		offset = ipv6DstOffset
		if isSrc {
			offset = ipv6SrcOffset
		}
		b := addr.As16()
		data = b[:]
	}

	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          length,
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: data},
	}
}

// protocolMatch builds a transport-protocol match working for both address
// families. ProtocolOther matches any transport.
func protocolMatch(p Protocol) []expr.Any {
	var proto byte
	switch p {
	case ProtocolTCP:
		proto = unix.IPPROTO_TCP
	case ProtocolUDP:
		proto = unix.IPPROTO_UDP
	default:
		return nil
	}
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
	}
}

// verdictExprs maps a rule target to its terminal expression. Reject sends
// an administratively-prohibited ICMP rather than silently dropping.
func verdictExprs(v Verdict) []expr.Any {
	switch v {
	case VerdictAccept:
		return []expr.Any{&expr.Verdict{Kind: expr.VerdictAccept}}
	case VerdictReject:
		return []expr.Any{&expr.Reject{
			Type: unix.NFT_REJECT_ICMPX_UNREACH,
			Code: unix.NFT_REJECT_ICMPX_ADMIN_PROHIBITED,
		}}
	default:
		return []expr.Any{&expr.Verdict{Kind: expr.VerdictDrop}}
	}
}
