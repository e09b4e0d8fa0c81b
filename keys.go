package remotefs

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	sshagent "github.com/xanzy/ssh-agent"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

var (
	// ErrKeyUndecodable is returned when no decoder in the chain accepts a key.
	ErrKeyUndecodable = errors.New("no key decoder accepted the private key")

	// ErrNoUsableKey is returned when key authentication has nothing to offer:
	// the key file did not decode and neither the agent nor discovery found
	// an identity.
	ErrNoUsableKey = errors.New("no usable private key, agent identity or default key found")

	errKeyFormat = errors.New("key is not in this decoder's format")
)

// KeyDecoder turns key file bytes into a signer, or fails if the key is not
// in its format.
type KeyDecoder struct {
	Name   string
	Decode func(data, passphrase []byte) (ssh.Signer, error)
}

// KeyAttempt records one decoder trial. Err is nil for the decoder that won.
type KeyAttempt struct {
	Decoder string
	Err     error
}

// DefaultKeyDecoders returns the fixed trial order: Ed25519, RSA, ECDSA.
func DefaultKeyDecoders() []KeyDecoder {
	return []KeyDecoder{
		typedDecoder("ed25519", func(raw any) (any, bool) {
			switch k := raw.(type) {
			case ed25519.PrivateKey:
				return k, true
			case *ed25519.PrivateKey:
				return *k, true
			}
			return nil, false
		}),
		typedDecoder("rsa", func(raw any) (any, bool) {
			k, ok := raw.(*rsa.PrivateKey)
			return k, ok
		}),
		typedDecoder("ecdsa", func(raw any) (any, bool) {
			k, ok := raw.(*ecdsa.PrivateKey)
			return k, ok
		}),
	}
}

func typedDecoder(name string, match func(raw any) (any, bool)) KeyDecoder {
	return KeyDecoder{
		Name: name,
		Decode: func(data, passphrase []byte) (ssh.Signer, error) {
			var raw any
			var err error
			if len(passphrase) > 0 {
				raw, err = ssh.ParseRawPrivateKeyWithPassphrase(data, passphrase)
			} else {
				raw, err = ssh.ParseRawPrivateKey(data)
			}
			if err != nil {
				return nil, err
			}
			key, ok := match(raw)
			if !ok {
				return nil, fmt.Errorf("%w: got %T", errKeyFormat, raw)
			}
			return ssh.NewSignerFromKey(key)
		},
	}
}

// DecodeKey runs decoders in order and returns the first signer produced.
// Every attempt, failed or not, is reported in order.
func DecodeKey(data, passphrase []byte, decoders []KeyDecoder) (ssh.Signer, []KeyAttempt, error) {
	attempts := make([]KeyAttempt, 0, len(decoders))
	var errs []error
	for _, dec := range decoders {
		signer, err := dec.Decode(data, passphrase)
		attempts = append(attempts, KeyAttempt{Decoder: dec.Name, Err: err})
		if err == nil {
			return signer, attempts, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", dec.Name, err))
	}
	return nil, attempts, fmt.Errorf("%w: %w", ErrKeyUndecodable, errors.Join(errs...))
}

// defaultIdentityFiles are probed in KeyDiscoveryDir during fallback.
var defaultIdentityFiles = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// agentDialer connects to the running ssh-agent. Replaced in tests.
var agentDialer = func() (agent.Agent, io.Closer, error) {
	a, conn, err := sshagent.New()
	if err != nil {
		return nil, nil, err
	}
	return a, conn, nil
}

type authPlan struct {
	methods []ssh.AuthMethod
	closers []io.Closer
	source  string
}

// release closes anything the plan holds open (the agent connection).
func (p *authPlan) release() {
	for _, c := range p.closers {
		_ = c.Close()
	}
	p.closers = nil
}

// planAuth builds the auth methods for d. It reads local files only; no
// network I/O happens here.
func planAuth(d Descriptor, opts Options, decoders []KeyDecoder, logger *zap.Logger) (*authPlan, error) {
	switch cred := d.Credential.(type) {
	case Password:
		if cred.Secret == "" {
			return nil, ErrEmptyPassword
		}
		return &authPlan{methods: []ssh.AuthMethod{ssh.Password(cred.Secret)}, source: "password"}, nil

	case PrivateKey:
		return planKeyAuth(cred, opts, decoders, logger)

	default:
		return nil, fmt.Errorf("%w: unsupported credential %T", ErrInvalidDescriptor, cred)
	}
}

func planKeyAuth(cred PrivateKey, opts Options, decoders []KeyDecoder, logger *zap.Logger) (*authPlan, error) {
	keyPath := ExpandPath(cred.Path)
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key file: %w", err)
	}

	signer, attempts, err := DecodeKey(keyData, []byte(cred.Passphrase), decoders)
	for _, a := range attempts {
		if a.Err != nil {
			logger.Debug("key decoder rejected key", zap.String("decoder", a.Decoder), zap.Error(a.Err))
		}
	}
	if err == nil {
		return &authPlan{methods: []ssh.AuthMethod{ssh.PublicKeys(signer)}, source: "key:" + attempts[len(attempts)-1].Decoder}, nil
	}

	logger.Warn("private key could not be decoded, falling back to agent and default keys",
		zap.String("key_path", sanitizeForLog(keyPath)), zap.Error(err))

	plan := &authPlan{source: "fallback"}
	var signers []ssh.Signer

	if !opts.DisableAgent {
		ag, closer, agentErr := agentDialer()
		if agentErr != nil {
			logger.Debug("ssh-agent unavailable", zap.Error(agentErr))
		} else {
			plan.closers = append(plan.closers, closer)
			agentSigners, sErr := ag.Signers()
			if sErr != nil {
				logger.Debug("ssh-agent signers unavailable", zap.Error(sErr))
			}
			signers = append(signers, agentSigners...)
		}
	}

	signers = append(signers, discoverSigners(opts.KeyDiscoveryDir, keyPath, []byte(cred.Passphrase), decoders, logger)...)

	if len(signers) == 0 {
		plan.release()
		return nil, fmt.Errorf("%w (%v)", ErrNoUsableKey, err)
	}
	plan.methods = []ssh.AuthMethod{ssh.PublicKeys(signers...)}
	return plan, nil
}

func discoverSigners(dir, skip string, passphrase []byte, decoders []KeyDecoder, logger *zap.Logger) []ssh.Signer {
	if dir == "" {
		return nil
	}
	var signers []ssh.Signer
	for _, name := range defaultIdentityFiles {
		p := filepath.Join(dir, name)
		if p == skip {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		signer, _, err := DecodeKey(data, passphrase, decoders)
		if err != nil {
			logger.Debug("skipping default key", zap.String("key_path", p), zap.Error(err))
			continue
		}
		signers = append(signers, signer)
	}
	return signers
}
