package remotefs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
)

// ErrSessionClosed is returned by operations on a closed FileChannel.
var ErrSessionClosed = errors.New("session is closed")

// SFTPClient abstracts the SFTP operations the FileChannel needs. It allows
// the channel to run over a mock in tests.
type SFTPClient interface {
	ReadDir(p string) ([]os.FileInfo, error)
	Stat(p string) (os.FileInfo, error)
	Lstat(p string) (os.FileInfo, error)
	Mkdir(p string) error
	Remove(p string) error
	RemoveDirectory(p string) error
	Rename(oldname, newname string) error
	Open(p string) (SFTPFile, error)
	Create(p string) (SFTPFile, error)
	Close() error
}

// SFTPFile abstracts file operations for testing.
type SFTPFile interface {
	io.Reader
	io.Writer
	io.Closer
}

// SFTPClientWrapper wraps the real sftp.Client to implement SFTPClient.
type SFTPClientWrapper struct {
	client *sftp.Client
}

var _ SFTPClient = (*SFTPClientWrapper)(nil)

func (w *SFTPClientWrapper) ReadDir(p string) ([]os.FileInfo, error) { return w.client.ReadDir(p) }
func (w *SFTPClientWrapper) Stat(p string) (os.FileInfo, error)      { return w.client.Stat(p) }
func (w *SFTPClientWrapper) Lstat(p string) (os.FileInfo, error)     { return w.client.Lstat(p) }
func (w *SFTPClientWrapper) Mkdir(p string) error                    { return w.client.Mkdir(p) }
func (w *SFTPClientWrapper) Remove(p string) error                   { return w.client.Remove(p) }
func (w *SFTPClientWrapper) RemoveDirectory(p string) error          { return w.client.RemoveDirectory(p) }
func (w *SFTPClientWrapper) Rename(o, n string) error                { return w.client.Rename(o, n) }
func (w *SFTPClientWrapper) Open(p string) (SFTPFile, error)         { return w.client.Open(p) }
func (w *SFTPClientWrapper) Create(p string) (SFTPFile, error)       { return w.client.Create(p) }
func (w *SFTPClientWrapper) Close() error                            { return w.client.Close() }

// FileChannel runs file operations over one SFTP sub-channel. It is safe
// for concurrent use: requests are serialized so that exactly one is in
// flight on the underlying client at a time.
type FileChannel struct {
	mu     sync.Mutex
	client SFTPClient
	logger *zap.Logger

	markOnce  sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

// NewFileChannel creates a FileChannel over a custom SFTP client
// implementation, mainly for tests and alternative transports.
func NewFileChannel(client SFTPClient, logger *zap.Logger) *FileChannel {
	return &FileChannel{
		client: client,
		logger: loggerOrNop(logger),
		closed: make(chan struct{}),
	}
}

// Close releases the SFTP client. Operations started afterwards fail with
// ConnectionLost. Close is idempotent.
//
// Releasing the client waits for the peer to close its side of the
// sub-channel. Session.Close tears down the transport first so that this
// never waits on an unresponsive host.
func (c *FileChannel) Close() error {
	c.markClosed()
	c.closeOnce.Do(func() {
		if c.client != nil {
			_ = c.client.Close()
		}
	})
	return nil
}

// markClosed makes new and in-flight operations report ConnectionLost
// without touching the client.
func (c *FileChannel) markClosed() {
	c.markOnce.Do(func() { close(c.closed) })
}

// Closed reports whether Close has been called.
func (c *FileChannel) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// do serializes fn against the channel. fn errors are classified into
// *OpError.
func (c *FileChannel) do(ctx context.Context, op, p string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return &OpError{Op: op, Path: p, Kind: classify(err), Err: fmt.Errorf("operation cancelled: %w", err)}
	}
	if err := checkPath(p); err != nil {
		return &OpError{Op: op, Path: p, Kind: KindInvalidArgument, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Closed() {
		return &OpError{Op: op, Path: p, Kind: KindConnectionLost, Err: ErrSessionClosed}
	}

	start := time.Now()
	err := fn()
	if err != nil && c.Closed() {
		err = &OpError{Op: op, Path: p, Kind: KindConnectionLost, Err: err}
	}
	err = opError(op, p, err)
	if err != nil {
		c.logger.Debug("sftp operation failed", zap.String("op", op), pathField(p), zap.Error(err))
	} else if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		c.logger.Info("slow sftp operation", zap.String("op", op), pathField(p), zap.Duration("elapsed", elapsed))
	}
	return err
}

// List returns the entries of a directory in server order, without "." and
// "..". Use SortEntries for the canonical order.
func (c *FileChannel) List(ctx context.Context, p string) ([]Entry, error) {
	var entries []Entry
	err := c.do(ctx, "list", p, func() error {
		infos, err := c.client.ReadDir(p)
		if err != nil {
			return err
		}
		entries = make([]Entry, 0, len(infos))
		for _, fi := range infos {
			name := fi.Name()
			if name == "." || name == ".." {
				continue
			}
			entries = append(entries, entryFromInfo(name, fi))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Stat returns the attributes of p, following symlinks.
func (c *FileChannel) Stat(ctx context.Context, p string) (Entry, error) {
	var entry Entry
	err := c.do(ctx, "stat", p, func() error {
		fi, err := c.client.Stat(p)
		if err != nil {
			return err
		}
		entry = entryFromInfo(Base(p), fi)
		return nil
	})
	return entry, err
}

// MakeDirectory creates a single directory. It fails with AlreadyExists if
// anything exists at p.
func (c *FileChannel) MakeDirectory(ctx context.Context, p string) error {
	return c.do(ctx, "mkdir", p, func() error {
		if err := c.ensureAbsent("mkdir", p); err != nil {
			return err
		}
		return c.client.Mkdir(p)
	})
}

// RemoveFile removes a file.
func (c *FileChannel) RemoveFile(ctx context.Context, p string) error {
	return c.do(ctx, "rm", p, func() error {
		return c.client.Remove(p)
	})
}

// RemoveDirectory removes an empty directory. Non-empty directories fail
// with DirectoryNotEmpty and are left untouched; there is no recursive mode.
func (c *FileChannel) RemoveDirectory(ctx context.Context, p string) error {
	return c.do(ctx, "rmdir", p, func() error {
		infos, err := c.client.ReadDir(p)
		if err != nil {
			return err
		}
		for _, fi := range infos {
			if n := fi.Name(); n != "." && n != ".." {
				return &OpError{Op: "rmdir", Path: p, Kind: KindDirectoryNotEmpty}
			}
		}
		return c.client.RemoveDirectory(p)
	})
}

// Rename moves oldPath to newPath. It never overwrites: an existing
// destination fails with AlreadyExists and both paths are left unchanged.
func (c *FileChannel) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := checkPath(newPath); err != nil {
		return &OpError{Op: "rename", Path: newPath, Kind: KindInvalidArgument, Err: err}
	}
	return c.do(ctx, "rename", oldPath, func() error {
		if err := c.ensureAbsent("rename", newPath); err != nil {
			return err
		}
		return c.client.Rename(oldPath, newPath)
	})
}

// ensureAbsent fails with AlreadyExists if p exists. Must be called with
// c.mu held.
func (c *FileChannel) ensureAbsent(op, p string) error {
	_, err := c.client.Lstat(p)
	switch {
	case err == nil:
		return &OpError{Op: op, Path: p, Kind: KindAlreadyExists, Err: os.ErrExist}
	case classify(err) == KindNotFound:
		return nil
	default:
		return err
	}
}

// ReadAll reads a whole remote file into memory.
func (c *FileChannel) ReadAll(ctx context.Context, p string) (*Content, error) {
	var buf bytes.Buffer
	err := c.do(ctx, "read", p, func() error {
		f, err := c.client.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = buf.ReadFrom(f)
		return err
	})
	if err != nil {
		return nil, err
	}
	data := buf.Bytes()
	return &Content{Path: p, Data: data, Binary: IsBinaryContent(data)}, nil
}

// WriteAll replaces the remote file with data. A failure may leave a
// truncated file behind; callers should re-check with Stat.
func (c *FileChannel) WriteAll(ctx context.Context, p string, data []byte) error {
	return c.do(ctx, "write", p, func() error {
		return c.writeFrom(p, bytes.NewReader(data))
	})
}

// Upload copies a local file to the remote path, replacing it.
func (c *FileChannel) Upload(ctx context.Context, localPath, remotePath string) error {
	local, err := os.Open(localPath)
	if err != nil {
		return &OpError{Op: "put", Path: localPath, Kind: classify(err), Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer local.Close()

	return c.do(ctx, "put", remotePath, func() error {
		return c.writeFrom(remotePath, local)
	})
}

func (c *FileChannel) writeFrom(p string, r io.Reader) error {
	f, err := c.client.Create(p)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to copy file content: %w", err)
	}
	return f.Close()
}

// Download copies a remote file to localPath. A partially written local file
// is removed on failure.
func (c *FileChannel) Download(ctx context.Context, remotePath, localPath string) error {
	return c.do(ctx, "get", remotePath, func() error {
		remote, err := c.client.Open(remotePath)
		if err != nil {
			return err
		}
		defer remote.Close()

		local, err := os.Create(localPath)
		if err != nil {
			return &OpError{Op: "get", Path: localPath, Kind: classify(err), Err: fmt.Errorf("failed to create local file: %w", err)}
		}
		if _, err := io.Copy(local, remote); err != nil {
			local.Close()
			os.Remove(localPath)
			return fmt.Errorf("failed to copy file content: %w", err)
		}
		if err := local.Close(); err != nil {
			os.Remove(localPath)
			return &OpError{Op: "get", Path: localPath, Kind: classify(err), Err: err}
		}
		return nil
	})
}
