// Package connector turns a job descriptor into a live, authenticated SSH
// session, or a classified failure. It never retries; that is the caller's call.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/andrej220/remoterunner/internal/sink"
	"github.com/andrej220/remoterunner/pkg/job"
	"github.com/andrej220/remoterunner/pkg/lg"
)

const DefaultDialTimeout = 10 * time.Second

// Options configures a Connector. The zero value is usable.
type Options struct {
	// DialTimeout bounds the TCP connect and the SSH handshake.
	DialTimeout time.Duration
	// KnownHostsPath enables host key verification against a known_hosts
	// file. When empty any host key is accepted.
	KnownHostsPath string
	Sink           sink.Sink
	Logger         lg.Logger
}

type dialFunc func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)

type Connector struct {
	opts     Options
	narrator sink.Narrator
	logger   lg.Logger
	dial     dialFunc
}

func New(opts Options) *Connector {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = lg.Discard
	}
	return &Connector{
		opts:     opts,
		narrator: sink.NewNarrator(opts.Sink),
		logger:   logger,
		dial:     dialContext,
	}
}

// Connect authenticates against d.Host:d.Port as d.Username. A missing
// host or username and credential problems are reported before any network I/O.
func (c *Connector) Connect(ctx context.Context, d job.Descriptor) (*Session, error) {
	d.Normalize()
	target := d.Target()
	logger := c.logger.With(lg.String("target", target))

	if d.Host == "" || d.Username == "" {
		cerr := &ConnectError{Kind: InvalidTarget, Target: target}
		logger.Error("invalid target", lg.Err(cerr))
		c.narrator.ConnectFailed(cerr)
		return nil, cerr
	}

	cred := d.Credential()
	auth, cerr := authMethods(cred)
	if cerr != nil {
		cerr.Target = target
		logger.Error("credential resolution failed", lg.String("kind", cerr.Kind.String()), lg.Err(cerr))
		c.narrator.ConnectFailed(cerr)
		return nil, cerr
	}

	hostKeyCB, err := c.hostKeyCallback()
	if err != nil {
		cerr := &ConnectError{Kind: TransportFailure, Target: target, Err: err}
		c.narrator.ConnectFailed(cerr)
		return nil, cerr
	}

	config := &ssh.ClientConfig{
		User:            d.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCB,
		Timeout:         c.opts.DialTimeout,
		BannerCallback:  func(message string) error { return nil }, // ignore banner
	}

	c.narrator.Connecting(target)
	logger.Info("connecting", lg.String("auth", cred.String()))

	addr := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	start := time.Now()
	client, err := c.dial(ctx, addr, config)
	if err != nil {
		cerr := &ConnectError{Kind: TransportFailure, Target: target, Err: err}
		logger.Error("connect failed", lg.Err(err), lg.Duration("elapsed", time.Since(start)))
		c.narrator.ConnectFailed(err)
		return nil, cerr
	}

	logger.Info("connected", lg.Duration("elapsed", time.Since(start)))
	c.narrator.Connected()
	return newSession(client, target), nil
}

func (c *Connector) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.opts.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.opts.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	return cb, nil
}

// dialContext is ssh.Dial with cancellation: closing the raw connection
// aborts a handshake stuck on an unresponsive peer.
func dialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Join(ctx.Err(), err)
		}
		return nil, err
	}

	if cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		if err == nil {
			_ = sc.Close()
		}
		return nil, errors.Join(ctx.Err(), err)
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sc, chans, reqs), nil
}
