package remotefs

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// errMockFailure mimics the generic SSH_FX_FAILURE status OpenSSH returns
// for an existing mkdir target, a non-empty rmdir or a rename collision.
var errMockFailure = errors.New(`sftp: "Failure" (SSH_FX_FAILURE)`)

// mockFileInfo implements os.FileInfo for testing.
type mockFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) Mode() os.FileMode  { return m.mode }
func (m *mockFileInfo) ModTime() time.Time { return m.modTime }
func (m *mockFileInfo) IsDir() bool        { return m.mode.IsDir() }
func (m *mockFileInfo) Sys() any           { return nil }

type mockNode struct {
	content []byte
	mode    os.FileMode
}

// MockSFTPClient implements SFTPClient over an in-memory tree. It reports
// errors the way OpenSSH does and tracks how many calls run at once.
type MockSFTPClient struct {
	mu     sync.Mutex
	nodes  map[string]*mockNode
	errors map[string]error
	closed bool

	delay       time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
}

// NewMockSFTPClient creates a mock with an empty root directory.
func NewMockSFTPClient() *MockSFTPClient {
	return &MockSFTPClient{
		nodes:  map[string]*mockNode{"/": {mode: os.ModeDir | 0755}},
		errors: make(map[string]error),
	}
}

var _ SFTPClient = (*MockSFTPClient)(nil)

// SetError makes method fail with err.
func (m *MockSFTPClient) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// SetDelay makes every call take at least d.
func (m *MockSFTPClient) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetFile creates a file and any missing parent directories.
func (m *MockSFTPClient) SetFile(p string, content []byte, mode os.FileMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mkdirAllLocked(ParentOf(p))
	m.nodes[p] = &mockNode{content: content, mode: mode}
}

// SetDir creates a directory and any missing parents.
func (m *MockSFTPClient) SetDir(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mkdirAllLocked(p)
}

func (m *MockSFTPClient) mkdirAllLocked(p string) {
	for dir := p; ; dir = ParentOf(dir) {
		if _, ok := m.nodes[dir]; !ok {
			m.nodes[dir] = &mockNode{mode: os.ModeDir | 0755}
		}
		if IsRoot(dir) {
			return
		}
	}
}

// Has reports whether p exists.
func (m *MockSFTPClient) Has(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nodes[p]
	return ok
}

// Content returns the content of file p.
func (m *MockSFTPClient) Content(p string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[p]; ok {
		return n.content
	}
	return nil
}

// MaxInFlight is the highest number of concurrent calls observed.
func (m *MockSFTPClient) MaxInFlight() int { return int(m.maxInFlight.Load()) }

// Calls is the total number of calls made.
func (m *MockSFTPClient) Calls() int { return int(m.calls.Load()) }

// enter records a call and returns the injected error for method, if any.
func (m *MockSFTPClient) enter(method string) (func(), error) {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	for {
		peak := m.maxInFlight.Load()
		if n <= peak || m.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	m.mu.Lock()
	delay, err, closed := m.delay, m.errors[method], m.closed
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	exit := func() { m.inFlight.Add(-1) }
	if closed {
		return exit, errors.New("sftp: client closed")
	}
	return exit, err
}

func (m *MockSFTPClient) childrenLocked(dir string) []string {
	var names []string
	for p := range m.nodes {
		if p != "/" && ParentOf(p) == dir {
			names = append(names, p)
		}
	}
	return names
}

func (m *MockSFTPClient) infoLocked(p string) os.FileInfo {
	n := m.nodes[p]
	return &mockFileInfo{name: Base(p), size: int64(len(n.content)), mode: n.mode, modTime: time.Unix(1700000000, 0)}
}

func (m *MockSFTPClient) ReadDir(p string) ([]os.FileInfo, error) {
	exit, err := m.enter("ReadDir")
	defer exit()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	if !n.mode.IsDir() {
		return nil, errMockFailure
	}
	infos := []os.FileInfo{
		&mockFileInfo{name: ".", mode: os.ModeDir | 0755},
		&mockFileInfo{name: "..", mode: os.ModeDir | 0755},
	}
	for _, c := range m.childrenLocked(p) {
		infos = append(infos, m.infoLocked(c))
	}
	return infos, nil
}

func (m *MockSFTPClient) Stat(p string) (os.FileInfo, error) {
	exit, err := m.enter("Stat")
	defer exit()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[p]; !ok {
		return nil, os.ErrNotExist
	}
	return m.infoLocked(p), nil
}

func (m *MockSFTPClient) Lstat(p string) (os.FileInfo, error) {
	exit, err := m.enter("Lstat")
	defer exit()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[p]; !ok {
		return nil, os.ErrNotExist
	}
	return m.infoLocked(p), nil
}

func (m *MockSFTPClient) Mkdir(p string) error {
	exit, err := m.enter("Mkdir")
	defer exit()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[p]; ok {
		return errMockFailure
	}
	if parent, ok := m.nodes[ParentOf(p)]; !ok || !parent.mode.IsDir() {
		return os.ErrNotExist
	}
	m.nodes[p] = &mockNode{mode: os.ModeDir | 0755}
	return nil
}

func (m *MockSFTPClient) Remove(p string) error {
	exit, err := m.enter("Remove")
	defer exit()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[p]
	if !ok {
		return os.ErrNotExist
	}
	if n.mode.IsDir() {
		return errMockFailure
	}
	delete(m.nodes, p)
	return nil
}

func (m *MockSFTPClient) RemoveDirectory(p string) error {
	exit, err := m.enter("RemoveDirectory")
	defer exit()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[p]
	if !ok {
		return os.ErrNotExist
	}
	if !n.mode.IsDir() || len(m.childrenLocked(p)) > 0 {
		return errMockFailure
	}
	delete(m.nodes, p)
	return nil
}

func (m *MockSFTPClient) Rename(oldname, newname string) error {
	exit, err := m.enter("Rename")
	defer exit()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[oldname]; !ok {
		return os.ErrNotExist
	}
	if _, ok := m.nodes[newname]; ok {
		return errMockFailure
	}
	moved := make(map[string]*mockNode)
	for p, n := range m.nodes {
		if p == oldname || strings.HasPrefix(p, oldname+"/") {
			moved[newname+strings.TrimPrefix(p, oldname)] = n
			delete(m.nodes, p)
		}
	}
	for p, n := range moved {
		m.nodes[p] = n
	}
	return nil
}

func (m *MockSFTPClient) Open(p string) (SFTPFile, error) {
	exit, err := m.enter("Open")
	defer exit()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	if n.mode.IsDir() {
		return nil, errMockFailure
	}
	return &MockSFTPFile{content: append([]byte(nil), n.content...), readErr: m.errors["Read"]}, nil
}

func (m *MockSFTPClient) Create(p string) (SFTPFile, error) {
	exit, err := m.enter("Create")
	defer exit()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if parent, ok := m.nodes[ParentOf(p)]; !ok || !parent.mode.IsDir() {
		return nil, os.ErrNotExist
	}
	if n, ok := m.nodes[p]; ok && n.mode.IsDir() {
		return nil, errMockFailure
	}
	m.nodes[p] = &mockNode{mode: 0644}
	return &MockSFTPFile{client: m, path: p, writeErr: m.errors["Write"]}, nil
}

func (m *MockSFTPClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.errors["Close"]
}

// MockSFTPFile implements SFTPFile. Writes land in the owning client as
// they happen, so a failed copy leaves a truncated file like a real server.
type MockSFTPFile struct {
	client     *MockSFTPClient
	path       string
	content    []byte
	readOffset int
	readErr    error
	writeErr   error
	closed     bool
}

func (f *MockSFTPFile) Read(p []byte) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	if f.readOffset >= len(f.content) {
		return 0, io.EOF
	}
	n := copy(p, f.content[f.readOffset:])
	f.readOffset += n
	return n, nil
}

func (f *MockSFTPFile) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.client.mu.Lock()
	defer f.client.mu.Unlock()
	if n, ok := f.client.nodes[f.path]; ok {
		n.content = append(n.content, p...)
	}
	return len(p), nil
}

func (f *MockSFTPFile) Close() error {
	f.closed = true
	return nil
}
