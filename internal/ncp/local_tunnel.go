package ncp

import (
	"bufio"
	"context"
	"encoding/json"
	"net"

	"golang.org/x/crypto/ssh"
	"golang.org/x/xerrors"

	"github.com/wavelens/gradient/internal/models"
)

// localTunnel is the "local UNIX-socket daemon" variant, used in
// tests and for nodes co-located with the orchestrator: node.Host names a
// unix socket path instead of a TCP host, dialed directly with no SSH
// handshake. The wire protocol on top of the connection is identical to the
// SSH variant.
type localTunnel struct {
	conn net.Conn
}

// DialLocalSocket is a Dialer that connects to a UNIX domain socket named by
// node.Host, skipping authentication entirely. Only ever wired in tests or a
// single-tenant deployment where the node and orchestrator share a host.
func DialLocalSocket(ctx context.Context, node models.Node, _ ssh.Signer) (Tunnel, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", node.Host)
	if err != nil {
		return nil, xerrors.Errorf("ncp: dial local socket %s: %w", node.Host, err)
	}
	return &localTunnel{conn: conn}, nil
}

func (t *localTunnel) OpenSession(ctx context.Context) (Session, error) {
	return &lineSession{
		enc:    json.NewEncoder(t.conn),
		scan:   bufio.NewScanner(t.conn),
		closer: t.conn,
	}, nil
}

func (t *localTunnel) Ping(ctx context.Context) error {
	enc := json.NewEncoder(t.conn)
	return enc.Encode(Request{Verb: VerbHealth})
}

func (t *localTunnel) Close() error { return t.conn.Close() }
