//go:build linux
// +build linux

package firewall

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestCompiler(t *testing.T) (*Compiler, *MockNFTablesConn) {
	t.Helper()
	conn := NewMockNFTablesConn()
	conn.On("ListTables").Return(nil, nil)
	conn.On("AddTable", mock.Anything).Return(nil)
	conn.On("AddChain", mock.Anything).Return(nil)
	conn.On("AddRule", mock.Anything).Return(nil)
	conn.On("DelTable", mock.Anything).Return()
	conn.On("Flush").Return(nil)
	return NewCompiler(conn), conn
}

func jumpTarget(r *nftables.Rule) string {
	for _, e := range r.Exprs {
		if v, ok := e.(*expr.Verdict); ok && v.Kind == expr.VerdictJump {
			return v.Chain
		}
	}
	return ""
}

func payloadOffsets(r *nftables.Rule) []uint32 {
	var out []uint32
	for _, e := range r.Exprs {
		if p, ok := e.(*expr.Payload); ok {
			out = append(out, p.Offset)
		}
	}
	return out
}

func hasCmpData(r *nftables.Rule, data []byte) bool {
	for _, e := range r.Exprs {
		if c, ok := e.(*expr.Cmp); ok && string(c.Data) == string(data) {
			return true
		}
	}
	return false
}

func finalVerdict(r *nftables.Rule) (expr.VerdictKind, bool) {
	for _, e := range r.Exprs {
		if v, ok := e.(*expr.Verdict); ok && v.Kind != expr.VerdictJump {
			return v.Kind, true
		}
	}
	return 0, false
}

func hasReject(r *nftables.Rule) bool {
	for _, e := range r.Exprs {
		if _, ok := e.(*expr.Reject); ok {
			return true
		}
	}
	return false
}

func TestApplySingleDeviceGeneration(t *testing.T) {
	compiler, conn := newTestCompiler(t)

	cfg := &FirewallConfig{Devices: []Device{{
		ID: "dev1",
		IP: netip.MustParseAddr("10.0.0.5"),
		Rules: []Rule{{
			Dst:      HostSpec{IP: netip.MustParseAddr("10.0.0.9")},
			Protocol: ProtocolTCP,
			Target:   VerdictAccept,
		}},
	}}}
	require.NoError(t, compiler.Apply(cfg, nil))

	assert.Equal(t, 1, conn.TableCount())

	base, ok := conn.Chain(TableName, BaseChainName)
	require.True(t, ok)
	require.NotNil(t, base.Policy)
	assert.Equal(t, nftables.ChainPolicyAccept, *base.Policy)
	assert.Equal(t, nftables.ChainHookInput, base.Hooknum)

	dev, ok := conn.Chain(TableName, "dev1")
	require.True(t, ok)
	require.NotNil(t, dev.Policy)
	assert.Equal(t, nftables.ChainPolicyDrop, *dev.Policy)

	// Two dispatch rules: device address as source, then as destination,
	// each jumping into the device chain.
	dispatch := conn.Rules(TableName, BaseChainName)
	require.Len(t, dispatch, 2)
	devAddr := netip.MustParseAddr("10.0.0.5").As4()
	assert.Equal(t, []uint32{ipv4SrcOffset}, payloadOffsets(dispatch[0]))
	assert.Equal(t, []uint32{ipv4DstOffset}, payloadOffsets(dispatch[1]))
	for _, r := range dispatch {
		assert.True(t, hasCmpData(r, devAddr[:]))
		assert.Equal(t, "dev1", jumpTarget(r))
	}

	devRules := conn.Rules(TableName, "dev1")
	require.Len(t, devRules, 1)
	dstAddr := netip.MustParseAddr("10.0.0.9").As4()
	assert.Equal(t, []uint32{ipv4DstOffset}, payloadOffsets(devRules[0]))
	assert.True(t, hasCmpData(devRules[0], dstAddr[:]))
	assert.True(t, hasCmpData(devRules[0], []byte{unix.IPPROTO_TCP}))
	kind, ok := finalVerdict(devRules[0])
	require.True(t, ok)
	assert.Equal(t, expr.VerdictAccept, kind)

	conn.AssertCalled(t, "Flush")
}

func TestApplyDeletesPreviousGeneration(t *testing.T) {
	compiler, conn := newTestCompiler(t)
	cfg := &FirewallConfig{Devices: []Device{{
		ID: "dev1", IP: netip.MustParseAddr("10.0.0.5"),
	}}}

	require.NoError(t, compiler.Apply(cfg, nil))
	require.NoError(t, compiler.Apply(cfg, nil))

	conn.AssertCalled(t, "DelTable", mock.AnythingOfType("*nftables.Table"))
	assert.Equal(t, 1, conn.TableCount(), "one live generation after re-apply")
	assert.Len(t, conn.Rules(TableName, BaseChainName), 2)
}

func TestFirstApplyRemovesLeftoverTable(t *testing.T) {
	compiler, conn := newTestCompiler(t)

	// A table left behind by an earlier process.
	conn.tables[TableName] = &nftables.Table{
		Name:   TableName,
		Family: nftables.TableFamilyINet,
	}

	cfg := &FirewallConfig{Devices: []Device{{
		ID: "dev1", IP: netip.MustParseAddr("10.0.0.5"),
	}}}
	require.NoError(t, compiler.Apply(cfg, nil))

	conn.AssertCalled(t, "DelTable", mock.AnythingOfType("*nftables.Table"))
	assert.Equal(t, 1, conn.TableCount())
}

func TestRejectEmitsICMPReject(t *testing.T) {
	compiler, conn := newTestCompiler(t)
	cfg := &FirewallConfig{Devices: []Device{{
		ID: "cam",
		IP: netip.MustParseAddr("10.0.0.6"),
		Rules: []Rule{{
			Src:    HostSpec{IP: netip.MustParseAddr("192.0.2.1")},
			Target: VerdictReject,
		}},
	}}}
	require.NoError(t, compiler.Apply(cfg, nil))

	rules := conn.Rules(TableName, "cam")
	require.Len(t, rules, 1)
	assert.True(t, hasReject(rules[0]), "reject is a real reject, not a drop")
}

func TestIPv6DeviceDispatch(t *testing.T) {
	compiler, conn := newTestCompiler(t)
	cfg := &FirewallConfig{Devices: []Device{{
		ID: "sensor",
		IP: netip.MustParseAddr("2001:db8::5"),
	}}}
	require.NoError(t, compiler.Apply(cfg, nil))

	dispatch := conn.Rules(TableName, BaseChainName)
	require.Len(t, dispatch, 2)
	addr := netip.MustParseAddr("2001:db8::5").As16()
	assert.Equal(t, []uint32{ipv6SrcOffset}, payloadOffsets(dispatch[0]))
	assert.Equal(t, []uint32{ipv6DstOffset}, payloadOffsets(dispatch[1]))
	for _, r := range dispatch {
		assert.True(t, hasCmpData(r, addr[:]))
		assert.True(t, hasCmpData(r, []byte{unix.NFPROTO_IPV6}))
	}
}

func TestHostnameEndpointExpandsOverSnapshot(t *testing.T) {
	compiler, conn := newTestCompiler(t)
	cfg := &FirewallConfig{Devices: []Device{{
		ID: "dev1",
		IP: netip.MustParseAddr("10.0.0.5"),
		Rules: []Rule{{
			Src:      HostSpec{IP: netip.MustParseAddr("10.0.0.5")},
			Dst:      HostSpec{Hostname: "svc.example"},
			Protocol: ProtocolTCP,
			Target:   VerdictAccept,
		}},
	}}}
	resolved := map[string][]netip.Addr{
		"svc.example": {
			netip.MustParseAddr("203.0.113.7"),
			netip.MustParseAddr("2001:db8::7"),
		},
	}
	require.NoError(t, compiler.Apply(cfg, resolved))

	// The IPv6 answer cannot combine with the IPv4 source, so exactly one
	// rule is emitted.
	rules := conn.Rules(TableName, "dev1")
	require.Len(t, rules, 1)
	dst := netip.MustParseAddr("203.0.113.7").As4()
	assert.True(t, hasCmpData(rules[0], dst[:]))
}

func TestUnresolvedHostnameSkipsRule(t *testing.T) {
	compiler, conn := newTestCompiler(t)
	cfg := &FirewallConfig{Devices: []Device{{
		ID: "dev1",
		IP: netip.MustParseAddr("10.0.0.5"),
		Rules: []Rule{{
			Dst:    HostSpec{Hostname: "gone.example"},
			Target: VerdictAccept,
		}},
	}}}
	require.NoError(t, compiler.Apply(cfg, nil))

	// The rule is omitted; the device chain's default drop covers it.
	assert.Empty(t, conn.Rules(TableName, "dev1"))
}

func TestUnconstrainedRuleEmitsBareVerdict(t *testing.T) {
	compiler, conn := newTestCompiler(t)
	cfg := &FirewallConfig{Devices: []Device{{
		ID: "dev1",
		IP: netip.MustParseAddr("10.0.0.5"),
		Rules: []Rule{{
			Protocol: ProtocolOther,
			Target:   VerdictDrop,
		}},
	}}}
	require.NoError(t, compiler.Apply(cfg, nil))

	rules := conn.Rules(TableName, "dev1")
	require.Len(t, rules, 1)
	kind, ok := finalVerdict(rules[0])
	require.True(t, ok)
	assert.Equal(t, expr.VerdictDrop, kind)
	assert.Empty(t, payloadOffsets(rules[0]))
}

func TestApplyFlushErrorPropagates(t *testing.T) {
	conn := NewMockNFTablesConn()
	conn.On("ListTables").Return(nil, nil)
	conn.On("AddTable", mock.Anything).Return(nil)
	conn.On("AddChain", mock.Anything).Return(nil)
	conn.On("AddRule", mock.Anything).Return(nil)
	conn.On("Flush").Return(errors.New("netlink: operation not permitted"))
	compiler := NewCompiler(conn)

	cfg := &FirewallConfig{Devices: []Device{{
		ID: "dev1", IP: netip.MustParseAddr("10.0.0.5"),
	}}}
	err := compiler.Apply(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply ruleset")
}

func TestApplyRejectsInvalidConfig(t *testing.T) {
	compiler, conn := newTestCompiler(t)
	cfg := &FirewallConfig{Devices: []Device{
		{ID: "dev1", IP: netip.MustParseAddr("10.0.0.5")},
		{ID: "dev1", IP: netip.MustParseAddr("10.0.0.6")},
	}}
	require.Error(t, compiler.Apply(cfg, nil))
	conn.AssertNotCalled(t, "Flush")
}
