package remotefs

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyInfo is the advisory produced by host key verification.
type HostKeyInfo struct {
	Type        string
	Fingerprint string
	// Known is true when the key matched a recorded known_hosts entry.
	Known bool
	// Recorded is true when the key was appended to the known_hosts file
	// during this connection.
	Recorded bool
}

// ErrHostKeyMismatch is returned when a host presents a key different from
// the one recorded on first use.
var ErrHostKeyMismatch = errors.New("host key does not match the recorded key")

// knownHostsMu serializes appends to known_hosts files within the process.
var knownHostsMu sync.Mutex

// trustOnFirstUse returns a host key callback that never blocks unknown hosts.
// The outcome is written to info.
func trustOnFirstUse(knownHostsFile string, info *HostKeyInfo, logger *zap.Logger) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		info.Type = key.Type()
		info.Fingerprint = ssh.FingerprintSHA256(key)

		if knownHostsFile == "" {
			logger.Warn("accepting unverified host key",
				zap.String("host", sanitizeForLog(hostname)),
				zap.String("fingerprint", info.Fingerprint))
			return nil
		}

		knownHostsMu.Lock()
		defer knownHostsMu.Unlock()

		check, err := loadKnownHosts(knownHostsFile)
		if err != nil {
			return err
		}

		err = check(hostname, remote, key)
		if err == nil {
			info.Known = true
			return nil
		}

		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
			return fmt.Errorf("%w: %s presented %s", ErrHostKeyMismatch, hostname, info.Fingerprint)
		}
		if !errors.As(err, &keyErr) {
			return fmt.Errorf("failed to verify host key: %w", err)
		}

		if err := appendKnownHost(knownHostsFile, hostname, key); err != nil {
			logger.Warn("could not record host key", zap.String("file", knownHostsFile), zap.Error(err))
		} else {
			info.Recorded = true
		}
		logger.Warn("accepting new host key on first use",
			zap.String("host", sanitizeForLog(hostname)),
			zap.String("fingerprint", info.Fingerprint),
			zap.Bool("recorded", info.Recorded))
		return nil
	}
}

func loadKnownHosts(file string) (ssh.HostKeyCallback, error) {
	if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return &knownhosts.KeyError{}
		}, nil
	}
	check, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts file %s: %w", file, err)
	}
	return check, nil
}

func appendKnownHost(file, hostname string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key))
	return err
}
