package ncp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/xerrors"

	"github.com/wavelens/gradient/internal/models"
)

// RemoteCommand launches the builder-daemon on the remote node as a
// subprocess whose stdio becomes the channel.
const RemoteCommand = "gradient-builder-agent --stdio"

// sshTunnel is the primary Tunnel implementation: an authenticated SSH
// connection, one session opened per lease.
type sshTunnel struct {
	client *ssh.Client
}

// DialSSH opens an authenticated tunnel to node. hostKeyCallback is passed
// unchanged into the SSH client config and alone decides which host keys
// are accepted.
func DialSSH(hostKeyCallback ssh.HostKeyCallback) Dialer {
	return func(ctx context.Context, node models.Node, signer ssh.Signer) (Tunnel, error) {
		addr := fmt.Sprintf("%s:%d", node.Host, node.Port)
		config := &ssh.ClientConfig{
			User:            "gradient",
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         10 * time.Second,
		}
		d := net.Dialer{Timeout: config.Timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, xerrors.Errorf("ncp: dial %s: %w", addr, err)
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err != nil {
			conn.Close()
			return nil, xerrors.Errorf("ncp: handshake %s: %w", addr, err)
		}
		return &sshTunnel{client: ssh.NewClient(c, chans, reqs)}, nil
	}
}

func (t *sshTunnel) OpenSession(ctx context.Context) (Session, error) {
	sess, err := t.client.NewSession()
	if err != nil {
		return nil, xerrors.Errorf("ncp: new ssh session: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, xerrors.Errorf("ncp: stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, xerrors.Errorf("ncp: stdout pipe: %w", err)
	}
	if err := sess.Start(RemoteCommand); err != nil {
		sess.Close()
		return nil, xerrors.Errorf("ncp: start remote agent: %w", err)
	}
	return &lineSession{
		extra:  sess,
		enc:    json.NewEncoder(stdin),
		scan:   bufio.NewScanner(stdout),
		closer: stdin,
	}, nil
}

func (t *sshTunnel) Ping(ctx context.Context) error {
	sess, err := t.client.NewSession()
	if err != nil {
		return xerrors.Errorf("ncp: ping session: %w", err)
	}
	defer sess.Close()
	_, err = sess.Output("true")
	return err
}

func (t *sshTunnel) Close() error { return t.client.Close() }

// lineSession speaks the Request/Response protocol (protocol.go) across an
// ssh.Session's stdio, one JSON object per line.
type lineSession struct {
	// extra, when non-nil, is closed alongside closer -- the ssh.Session
	// itself, which owns the remote process beyond just its stdin pipe.
	extra  io.Closer
	enc    *json.Encoder
	scan   *bufio.Scanner
	closer io.Closer
}

func (l *lineSession) call(req Request) (Response, error) {
	if err := l.enc.Encode(req); err != nil {
		return Response{}, xerrors.Errorf("ncp: encode request: %w", err)
	}
	if !l.scan.Scan() {
		if err := l.scan.Err(); err != nil {
			return Response{}, xerrors.Errorf("ncp: read response: %w", err)
		}
		return Response{}, xerrors.Errorf("ncp: connection closed")
	}
	var resp Response
	if err := json.Unmarshal(l.scan.Bytes(), &resp); err != nil {
		return Response{}, xerrors.Errorf("ncp: decode response: %w", err)
	}
	return resp, nil
}

func (l *lineSession) QueryMissing(ctx context.Context, paths []string) ([]string, error) {
	resp, err := l.call(Request{Verb: VerbQueryMissing, Paths: paths})
	if err != nil {
		return nil, err
	}
	return resp.Missing, nil
}

// CopyPaths moves one path per copy_paths line: a push carries the archive
// bytes in the request, a pull receives them in the response. transfer
// supplies the local side (the orchestrator-local store).
func (l *lineSession) CopyPaths(ctx context.Context, direction string, paths []string, transfer PathTransfer) error {
	for _, p := range paths {
		req := Request{Verb: VerbCopyPaths, Direction: direction, Path: p}
		if direction == "push" {
			data, err := transfer.ReadPath(p)
			if err != nil {
				return xerrors.Errorf("ncp: read local path %s: %w", p, err)
			}
			req.Data = data
		}
		resp, err := l.call(req)
		if err != nil {
			return err
		}
		if !resp.OK {
			return xerrors.Errorf("ncp: copy_paths %s %s: %s", direction, p, resp.Error)
		}
		if direction == "pull" {
			if err := transfer.WritePath(p, resp.Data); err != nil {
				return xerrors.Errorf("ncp: write local path %s: %w", p, err)
			}
		}
	}
	return nil
}

func (l *lineSession) Build(ctx context.Context, path string, onLog func(line string)) (BuildResult, error) {
	if err := l.enc.Encode(Request{Verb: VerbBuild, Path: path}); err != nil {
		return BuildResult{}, xerrors.Errorf("ncp: encode build request: %w", err)
	}
	var log []byte
	for {
		if !l.scan.Scan() {
			if err := l.scan.Err(); err != nil {
				return BuildResult{}, xerrors.Errorf("ncp: read build stream: %w", err)
			}
			return BuildResult{}, xerrors.Errorf("ncp: build stream closed unexpectedly")
		}
		var resp Response
		if err := json.Unmarshal(l.scan.Bytes(), &resp); err != nil {
			return BuildResult{}, xerrors.Errorf("ncp: decode build response: %w", err)
		}
		if resp.LogLine != "" {
			if onLog != nil {
				onLog(resp.LogLine)
			}
			log = append(log, resp.LogLine...)
			log = append(log, '\n')
		}
		if resp.Done {
			return BuildResult{Succeeded: resp.Status == "ok", Log: string(log)}, nil
		}
	}
}

func (l *lineSession) Close() error {
	_ = l.closer.Close()
	if l.extra != nil {
		return l.extra.Close()
	}
	return nil
}
