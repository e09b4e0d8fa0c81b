package remotefs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// transport is the part of *ssh.Client a Session depends on.
type transport interface {
	Close() error
	Wait() error
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
}

var _ transport = (*ssh.Client)(nil)

// Session is one authenticated SSH transport to a single host together with
// its FileChannel. A Session returned by Open always has a channel.
type Session struct {
	desc       Descriptor
	conn       transport
	channel    *FileChannel
	hostKey    HostKeyInfo
	authSource string
	logger     *zap.Logger
	openedAt   time.Time

	closeOnce  sync.Once
	finishOnce sync.Once
	done       chan struct{}
}

// Open establishes a transport to d, authenticates and starts the SFTP
// subsystem. Dial, banner/key exchange and authentication are each bounded
// by their own timeout in opts. On failure nothing opened so far is left
// behind and the error is a *TransportError.
func Open(ctx context.Context, d Descriptor, opts Options) (*Session, error) {
	opts = opts.WithDefaults()
	logger := opts.Logger
	d = d.WithDefaults()
	addr := d.Addr()

	if err := d.Validate(); err != nil {
		return nil, &TransportError{Phase: PhaseValidate, Addr: addr, Kind: KindInvalidArgument, Err: err}
	}

	plan, err := planAuth(d, opts, opts.KeyDecoders, logger)
	if err != nil {
		kind := KindAuthentication
		if errors.Is(err, ErrEmptyPassword) || errors.Is(err, ErrInvalidDescriptor) {
			kind = KindInvalidArgument
		}
		return nil, &TransportError{Phase: PhaseValidate, Addr: addr, Kind: kind, Err: err}
	}
	defer plan.release()

	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, phaseError(ctx, PhaseDial, addr, err)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var phase atomic.Value
	phase.Store(PhaseBanner)
	if err := conn.SetDeadline(time.Now().Add(opts.BannerTimeout)); err != nil {
		conn.Close()
		return nil, phaseError(ctx, PhaseBanner, addr, err)
	}

	var hostKey HostKeyInfo
	verify := trustOnFirstUse(opts.KnownHostsFile, &hostKey, logger)
	config := &ssh.ClientConfig{
		User: d.Username,
		Auth: plan.methods,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if err := verify(hostname, remote, key); err != nil {
				return err
			}
			phase.Store(PhaseAuth)
			return conn.SetDeadline(time.Now().Add(opts.AuthTimeout))
		},
		Timeout: opts.ConnectTimeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, phaseError(ctx, phase.Load().(Phase), addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	plan.release()

	if err := conn.SetDeadline(time.Now().Add(opts.AuthTimeout)); err != nil {
		client.Close()
		return nil, phaseError(ctx, PhaseChannel, addr, err)
	}
	rawSftp, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, phaseError(ctx, PhaseChannel, addr, fmt.Errorf("failed to create SFTP client: %w", err))
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		rawSftp.Close()
		client.Close()
		return nil, phaseError(ctx, PhaseChannel, addr, err)
	}

	if !stop() {
		rawSftp.Close()
		client.Close()
		return nil, phaseError(ctx, PhaseChannel, addr, ctx.Err())
	}

	s := newSession(d, client, NewFileChannel(&SFTPClientWrapper{client: rawSftp}, logger), hostKey, logger)
	s.authSource = plan.source
	logger.Info("session established",
		identityField(s.Identity()),
		zap.String("auth", s.authSource),
		zap.String("host_key", hostKey.Fingerprint),
		zap.Bool("host_key_known", hostKey.Known))
	return s, nil
}

// newSession wires a session around an established transport and starts
// the goroutine that watches it.
func newSession(d Descriptor, conn transport, channel *FileChannel, hostKey HostKeyInfo, logger *zap.Logger) *Session {
	s := &Session{
		desc:     d,
		conn:     conn,
		channel:  channel,
		hostKey:  hostKey,
		logger:   loggerOrNop(logger),
		openedAt: time.Now(),
		done:     make(chan struct{}),
	}
	go s.watch()
	return s
}

func (s *Session) watch() {
	err := s.conn.Wait()
	select {
	case <-s.done:
	default:
		s.logger.Warn("transport closed", identityField(s.Identity()), zap.Error(err))
	}
	s.finish()
}

// finish closes the channel so pending and future operations report
// ConnectionLost, then marks the session done.
func (s *Session) finish() {
	s.finishOnce.Do(func() {
		if s.channel != nil {
			s.channel.Close()
		}
		close(s.done)
	})
}

// Close tears down the transport and then the channel. It is idempotent,
// always returns nil and does not wait on the remote host.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.channel != nil {
			s.channel.markClosed()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.finish()
		s.logger.Debug("session closed", identityField(s.Identity()), zap.Duration("lifetime", time.Since(s.openedAt)))
	})
	return nil
}

// Done is closed once the session is closed or its transport has died.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Alive reports whether the session can still carry operations.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Channel returns the session's FileChannel.
func (s *Session) Channel() *FileChannel { return s.channel }

// Descriptor returns the descriptor the session was opened from.
func (s *Session) Descriptor() Descriptor { return s.desc }

// Identity returns the session's (host, port, username) identity.
func (s *Session) Identity() Identity { return s.desc.Identity() }

// StartPath is the directory the caller should show first.
func (s *Session) StartPath() string { return s.desc.StartPath }

// HostKey returns the host key advisory recorded during the handshake.
func (s *Session) HostKey() HostKeyInfo { return s.hostKey }

// AuthSource names the authentication path that succeeded, e.g. "password"
// or "key:ed25519".
func (s *Session) AuthSource() string { return s.authSource }

// Keepalive sends an OpenSSH keepalive request. A failure means the
// transport is gone and is reported as ConnectionLost.
func (s *Session) Keepalive() error {
	if !s.Alive() {
		return &OpError{Op: "keepalive", Path: "/", Kind: KindConnectionLost, Err: ErrSessionClosed}
	}
	if _, _, err := s.conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		return &OpError{Op: "keepalive", Path: "/", Kind: KindConnectionLost, Err: err}
	}
	return nil
}

// phaseError classifies a connection failure in the given phase.
func phaseError(ctx context.Context, phase Phase, addr string, err error) error {
	if err == nil {
		err = errors.New("unknown failure")
	}
	te := &TransportError{Phase: phase, Addr: addr, Kind: KindTransport, Err: err}

	switch {
	case ctx.Err() != nil:
		te.Err = fmt.Errorf("%w (%v)", ctx.Err(), err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			te.Kind = KindTimeout
		}
	case errors.Is(err, ErrHostKeyMismatch) || strings.Contains(err.Error(), ErrHostKeyMismatch.Error()):
		te.Kind = KindHostKey
	case classify(err) == KindTimeout:
		te.Kind = KindTimeout
	case phase == PhaseAuth && strings.Contains(err.Error(), "unable to authenticate"):
		te.Kind = KindAuthentication
	}
	return te
}
