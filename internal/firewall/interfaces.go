//go:build linux
// +build linux

package firewall

import (
	"fmt"

	"github.com/google/nftables"
)

// NFTablesConn abstracts the nftables operations the compiler needs, so the
// batch construction can be tested without a kernel.
type NFTablesConn interface {
	AddTable(t *nftables.Table) *nftables.Table
	DelTable(t *nftables.Table)
	ListTables() ([]*nftables.Table, error)

	AddChain(c *nftables.Chain) *nftables.Chain
	AddRule(r *nftables.Rule) *nftables.Rule

	// Flush submits everything queued since the last call as one kernel
	// transaction and drains the acknowledgement stream.
	Flush() error
}

// RealNFTablesConn wraps an actual netlink connection to the netfilter
// subsystem.
type RealNFTablesConn struct {
	conn *nftables.Conn
}

// Dial opens a lasting netlink socket to the netfilter subsystem. Socket
// open failures surface directly; there are no retries.
func Dial() (*RealNFTablesConn, error) {
	conn, err := nftables.New(nftables.AsLasting())
	if err != nil {
		return nil, fmt.Errorf("open netfilter socket: %w", err)
	}
	return &RealNFTablesConn{conn: conn}, nil
}

// NewRealNFTablesConn wraps an existing connection.
func NewRealNFTablesConn(conn *nftables.Conn) *RealNFTablesConn {
	return &RealNFTablesConn{conn: conn}
}

func (r *RealNFTablesConn) AddTable(t *nftables.Table) *nftables.Table {
	return r.conn.AddTable(t)
}

func (r *RealNFTablesConn) DelTable(t *nftables.Table) {
	r.conn.DelTable(t)
}

func (r *RealNFTablesConn) ListTables() ([]*nftables.Table, error) {
	return r.conn.ListTables()
}

func (r *RealNFTablesConn) AddChain(c *nftables.Chain) *nftables.Chain {
	return r.conn.AddChain(c)
}

func (r *RealNFTablesConn) AddRule(rule *nftables.Rule) *nftables.Rule {
	return r.conn.AddRule(rule)
}

func (r *RealNFTablesConn) Flush() error {
	return r.conn.Flush()
}

// Close releases the underlying netlink socket.
func (r *RealNFTablesConn) Close() error {
	return r.conn.CloseLasting()
}
