package remotefs

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"
)

// generateTestRSAKey creates a test RSA private key and returns both PEM-encoded
// key content and a path to a temp file containing the key.
func generateTestRSAKey(t *testing.T) (string, string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	privateKeyPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}))

	return privateKeyPEM, writeKeyFile(t, "id_rsa", []byte(privateKeyPEM))
}

// generateTestEd25519Key writes an OpenSSH-format Ed25519 key and returns the
// signer and the key path.
func generateTestEd25519Key(t *testing.T, passphrase string) (gossh.Signer, string) {
	t.Helper()

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate ed25519 key: %v", err)
	}
	return marshalTestKey(t, "id_ed25519", privateKey, passphrase)
}

// generateTestECDSAKey writes an OpenSSH-format ECDSA P-256 key.
func generateTestECDSAKey(t *testing.T) (gossh.Signer, string) {
	t.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate ecdsa key: %v", err)
	}
	return marshalTestKey(t, "id_ecdsa", privateKey, "")
}

func marshalTestKey(t *testing.T, name string, key any, passphrase string) (gossh.Signer, string) {
	t.Helper()

	var block *pem.Block
	var err error
	if passphrase == "" {
		block, err = gossh.MarshalPrivateKey(key, "test")
	} else {
		block, err = gossh.MarshalPrivateKeyWithPassphrase(key, "test", []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("failed to marshal %s: %v", name, err)
	}

	signer, err := gossh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	return signer, writeKeyFile(t, name, pem.EncodeToMemory(block))
}

func writeKeyFile(t *testing.T, name string, data []byte) string {
	t.Helper()

	keyPath := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}
	return keyPath
}

// createTempFile creates a temporary file with the given content.
func createTempFile(t testing.TB, content []byte) string {
	t.Helper()

	tmpFile := filepath.Join(t.TempDir(), "test_file")
	if err := os.WriteFile(tmpFile, content, 0644); err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	return tmpFile
}

// assertFileContents verifies that a file has the expected content.
func assertFileContents(t *testing.T, path string, expected []byte) {
	t.Helper()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Errorf("failed to read file %s: %v", path, err)
		return
	}
	if string(content) != string(expected) {
		t.Errorf("file content mismatch:\nexpected: %q\ngot: %q", string(expected), string(content))
	}
}

// assertFileNotExists verifies that a file does not exist.
func assertFileNotExists(t *testing.T, path string) {
	t.Helper()

	if _, err := os.Stat(path); err == nil {
		t.Errorf("expected file to not exist: %s", path)
	}
}

// assertKind fails the test unless err carries the wanted kind.
func assertKind(t *testing.T, err error, want ErrorKind) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := KindOf(err); got != want {
		t.Errorf("KindOf(%v) = %s, want %s", err, got, want)
	}
}

// pipeTransport is the client's write end of an in-memory connection.
// Closing it also closes the server's write end, the way dropping a
// transport ends both directions, so the client never waits on the server.
type pipeTransport struct {
	*io.PipeWriter
	peer *io.PipeWriter
}

func (p pipeTransport) Close() error {
	p.peer.CloseWithError(io.EOF)
	return p.PipeWriter.Close()
}

// newMemSFTPClient connects a real sftp.Client to an in-memory request
// server over pipes.
func newMemSFTPClient(t testing.TB, handlers sftp.Handlers) *sftp.Client {
	t.Helper()

	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()

	server := sftp.NewRequestServer(struct {
		io.Reader
		io.WriteCloser
	}{serverRead, serverWrite}, handlers)
	go server.Serve()

	client, err := sftp.NewClientPipe(clientRead, pipeTransport{PipeWriter: clientWrite, peer: serverWrite})
	if err != nil {
		t.Fatalf("failed to start sftp client: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client
}

// newMemChannel returns a FileChannel over a fresh in-memory filesystem.
func newMemChannel(t testing.TB) *FileChannel {
	t.Helper()

	ch := NewFileChannel(&SFTPClientWrapper{client: newMemSFTPClient(t, sftp.InMemHandler())}, nil)
	t.Cleanup(func() { ch.Close() })
	return ch
}

// fakeTransport stands in for *ssh.Client in sessions built by tests.
type fakeTransport struct {
	closeOnce sync.Once
	closed    chan struct{}

	mu           sync.Mutex
	keepaliveErr error
	requests     int
	closeGate    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{closed: make(chan struct{})}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	gate := f.closeGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// holdClose makes Close block until gate is closed.
func (f *fakeTransport) holdClose(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeGate = gate
}

func (f *fakeTransport) Wait() error {
	<-f.closed
	return io.EOF
}

func (f *fakeTransport) SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if f.keepaliveErr != nil {
		return false, nil, f.keepaliveErr
	}
	return true, nil, nil
}

func (f *fakeTransport) failKeepalive(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepaliveErr = err
}

// newTestDescriptor returns a password descriptor for host.
func newTestDescriptor(host string) Descriptor {
	return Descriptor{
		Host:       host,
		Port:       22,
		Username:   "testuser",
		Credential: Password{Secret: "secret"},
		StartPath:  "/",
	}.WithDefaults()
}

// newFakeSession builds a Session over a fake transport and the given
// channel.
func newFakeSession(t *testing.T, d Descriptor, ch *FileChannel) (*Session, *fakeTransport) {
	t.Helper()

	tr := newFakeTransport()
	s := newSession(d, tr, ch, HostKeyInfo{}, nil)
	t.Cleanup(func() { s.Close() })
	return s, tr
}

// testSSHServer is an in-process SSH server that serves the sftp subsystem
// from one shared in-memory filesystem.
type testSSHServer struct {
	t        testing.TB
	listener net.Listener
	config   *gossh.ServerConfig
	hostKey  gossh.Signer
	handlers sftp.Handlers

	password string

	mu         sync.Mutex
	authorized [][]byte
	conns      []net.Conn

	accepted     atomic.Int32
	authAttempts atomic.Int32
}

func startTestSSHServer(t testing.TB, password string) *testSSHServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	hostKey, err := gossh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("failed to create host signer: %v", err)
	}

	s := &testSSHServer{
		t:        t,
		hostKey:  hostKey,
		handlers: sftp.InMemHandler(),
		password: password,
	}
	s.config = &gossh.ServerConfig{
		PasswordCallback: func(conn gossh.ConnMetadata, pass []byte) (*gossh.Permissions, error) {
			s.authAttempts.Add(1)
			if s.password != "" && string(pass) == s.password {
				return nil, nil
			}
			return nil, errors.New("password rejected")
		},
		PublicKeyCallback: func(conn gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
			s.authAttempts.Add(1)
			s.mu.Lock()
			defer s.mu.Unlock()
			for _, k := range s.authorized {
				if string(k) == string(key.Marshal()) {
					return nil, nil
				}
			}
			return nil, errors.New("public key rejected")
		},
	}
	s.config.AddHostKey(hostKey)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *testSSHServer) authorize(key gossh.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized = append(s.authorized, key.Marshal())
}

func (s *testSSHServer) host() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

func (s *testSSHServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *testSSHServer) addr() string {
	return net.JoinHostPort(s.host(), strconv.Itoa(s.port()))
}

func (s *testSSHServer) descriptor(cred Credential) Descriptor {
	return Descriptor{
		Host:       s.host(),
		Port:       s.port(),
		Username:   "testuser",
		Credential: cred,
		StartPath:  "/",
	}
}

func (s *testSSHServer) serve() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.mu.Lock()
		s.conns = append(s.conns, nc)
		s.mu.Unlock()
		go s.handle(nc)
	}
}

func (s *testSSHServer) handle(nc net.Conn) {
	_, chans, reqs, err := gossh.NewServerConn(nc, s.config)
	if err != nil {
		nc.Close()
		return
	}
	go gossh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(gossh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range chReqs {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				req.Reply(ok, nil)
				if ok {
					go func() {
						server := sftp.NewRequestServer(ch, s.handlers)
						server.Serve()
						server.Close()
					}()
				}
			}
		}()
	}
}

// dropConnections closes every accepted TCP connection.
func (s *testSSHServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *testSSHServer) Close() {
	s.listener.Close()
	s.dropConnections()
}

// freezableProxy forwards TCP connections to target. Once frozen it drops
// everything it reads in both directions while keeping every socket open,
// so the peers see a silent network path rather than a closed one.
type freezableProxy struct {
	listener net.Listener
	target   string
	frozen   atomic.Bool

	mu    sync.Mutex
	conns []net.Conn
}

func startFreezableProxy(t *testing.T, target string) *freezableProxy {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	p := &freezableProxy{listener: l, target: target}
	go p.serve()
	t.Cleanup(p.close)
	return p
}

func (p *freezableProxy) serve() {
	for {
		down, err := p.listener.Accept()
		if err != nil {
			return
		}
		up, err := net.Dial("tcp", p.target)
		if err != nil {
			down.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, down, up)
		p.mu.Unlock()
		go p.forward(up, down)
		go p.forward(down, up)
	}
}

func (p *freezableProxy) forward(dst, src net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if err != nil {
			return
		}
		if p.frozen.Load() {
			continue
		}
		if _, err := dst.Write(buf[:n]); err != nil {
			return
		}
	}
}

func (p *freezableProxy) freeze() {
	p.frozen.Store(true)
}

// descriptor points d at the proxy.
func (p *freezableProxy) descriptor(d Descriptor) Descriptor {
	addr := p.listener.Addr().(*net.TCPAddr)
	d.Host, d.Port = addr.IP.String(), addr.Port
	return d
}

func (p *freezableProxy) close() {
	p.listener.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.Close()
	}
}

// startSilentListener accepts connections and never speaks SSH.
func startSilentListener(t *testing.T) (string, *atomic.Int32) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	var accepted atomic.Int32
	var conns []net.Conn
	var mu sync.Mutex
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return l.Addr().String(), &accepted
}

// closedPort returns a local port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

// testOptions returns short timeouts and no agent or key discovery.
func testOptions(t testing.TB) Options {
	t.Helper()

	return Options{
		ConnectTimeout:  2 * time.Second,
		BannerTimeout:   2 * time.Second,
		AuthTimeout:     2 * time.Second,
		KeyDiscoveryDir: t.TempDir(),
		DisableAgent:    true,
	}
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
