package remotefs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

// DefaultPort is the SSH port used when a descriptor leaves Port unset.
const DefaultPort = 22

// Default phase timeouts applied by Open.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultBannerTimeout  = 10 * time.Second
	DefaultAuthTimeout    = 10 * time.Second
)

var (
	// ErrEmptyPassword is returned when password authentication is requested
	// with an empty secret. It is detected before any network I/O.
	ErrEmptyPassword = errors.New("password authentication requires a non-empty password")

	// ErrDescriptorConflict is returned when a descriptor shares its identity
	// with a live or connecting session but carries different credentials.
	ErrDescriptorConflict = errors.New("descriptor conflicts with an existing session for the same identity")

	// ErrInvalidDescriptor wraps all descriptor validation failures.
	ErrInvalidDescriptor = errors.New("invalid connection descriptor")
)

// Credential is the authentication material of a Descriptor. It is either a
// Password or a PrivateKey.
type Credential interface {
	credential()
	// Method names the authentication strategy, for logs.
	Method() string
}

// Password authenticates with a password.
type Password struct {
	Secret string
}

func (Password) credential() {}

// Method implements Credential.
func (Password) Method() string { return "password" }

// PrivateKey authenticates with a private key file. Passphrase is optional.
type PrivateKey struct {
	Path       string
	Passphrase string
}

func (PrivateKey) credential() {}

// Method implements Credential.
func (PrivateKey) Method() string { return "private_key" }

// Identity is the (host, port, username) tuple used to dedupe sessions.
type Identity struct {
	Host     string
	Port     int
	Username string
}

// String renders the identity as user@host:port.
func (i Identity) String() string {
	return fmt.Sprintf("%s@%s:%d", i.Username, i.Host, i.Port)
}

// Descriptor describes how to reach and authenticate to one host.
type Descriptor struct {
	// Host is the target SSH server hostname or IP address.
	Host string

	// Port is the SSH port (default 22).
	Port int

	// Username is the SSH login.
	Username string

	// Credential is either Password or PrivateKey.
	Credential Credential

	// StartPath is the directory a caller should show first (default "/").
	StartPath string
}

// NewDescriptor builds a descriptor and validates it.
func NewDescriptor(host string, port int, username string, cred Credential, startPath string) (Descriptor, error) {
	d := Descriptor{
		Host:       host,
		Port:       port,
		Username:   username,
		Credential: cred,
		StartPath:  startPath,
	}.WithDefaults()
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// WithDefaults returns a copy of the descriptor with default values applied.
func (d Descriptor) WithDefaults() Descriptor {
	if d.Port == 0 {
		d.Port = DefaultPort
	}
	if d.StartPath == "" {
		d.StartPath = "/"
	}
	if pk, ok := d.Credential.(PrivateKey); ok {
		pk.Path = ExpandPath(pk.Path)
		d.Credential = pk
	}
	return d
}

// Validate checks the descriptor without touching the network.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Host) == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidDescriptor)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalidDescriptor, d.Port)
	}
	if d.Username == "" {
		return fmt.Errorf("%w: username is empty", ErrInvalidDescriptor)
	}
	if d.StartPath != "" && !strings.HasPrefix(d.StartPath, "/") {
		return fmt.Errorf("%w: start path %q is not absolute", ErrInvalidDescriptor, d.StartPath)
	}

	switch c := d.Credential.(type) {
	case Password:
		if c.Secret == "" {
			return ErrEmptyPassword
		}
	case PrivateKey:
		if c.Path == "" {
			return fmt.Errorf("%w: private key path is empty", ErrInvalidDescriptor)
		}
	case nil:
		return fmt.Errorf("%w: no credential", ErrInvalidDescriptor)
	default:
		return fmt.Errorf("%w: unsupported credential %T", ErrInvalidDescriptor, c)
	}
	return nil
}

// Identity returns the dedupe key of the descriptor.
func (d Descriptor) Identity() Identity {
	return Identity{Host: d.Host, Port: d.Port, Username: d.Username}
}

// Addr returns host:port.
func (d Descriptor) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

func sameCredential(a, b Credential) bool {
	return a == b
}

// Options tunes transports, the session manager and the executor.
type Options struct {
	// ConnectTimeout bounds the TCP connect.
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`

	// BannerTimeout bounds the SSH version exchange and key exchange.
	BannerTimeout time.Duration `envconfig:"BANNER_TIMEOUT" default:"10s"`

	// AuthTimeout bounds user authentication and the SFTP subsystem start.
	AuthTimeout time.Duration `envconfig:"AUTH_TIMEOUT" default:"10s"`

	// KnownHostsFile enables trust-on-first-use recording of host keys.
	// Empty means every host key is accepted and reported as unknown.
	KnownHostsFile string `envconfig:"KNOWN_HOSTS_FILE"`

	// KeyDiscoveryDir is searched for default identities when a key file
	// cannot be decoded (default ~/.ssh).
	KeyDiscoveryDir string `envconfig:"KEY_DISCOVERY_DIR"`

	// DisableAgent skips the ssh-agent fallback.
	DisableAgent bool `envconfig:"DISABLE_AGENT" default:"false"`

	// KeepaliveInterval is how often the session manager probes Ready
	// sessions. Zero disables probing; the environment default is 30s.
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`

	// Workers is the executor pool size.
	Workers int `envconfig:"WORKERS" default:"4"`

	// Logger receives structured logs. Nil means no logging.
	Logger *zap.Logger `ignored:"true"`

	// KeyDecoders overrides the private key trial order.
	KeyDecoders []KeyDecoder `ignored:"true"`
}

// DefaultOptions returns the defaults used when no options are supplied.
func DefaultOptions() Options {
	return Options{}.WithDefaults()
}

// WithDefaults returns a copy of the options with default values applied.
func (o Options) WithDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.BannerTimeout <= 0 {
		o.BannerTimeout = DefaultBannerTimeout
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.KeyDiscoveryDir == "" {
		o.KeyDiscoveryDir = "~/.ssh"
	}
	o.KeyDiscoveryDir = ExpandPath(o.KeyDiscoveryDir)
	o.KnownHostsFile = ExpandPath(o.KnownHostsFile)
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.KeepaliveInterval < 0 {
		o.KeepaliveInterval = 0
	}
	if len(o.KeyDecoders) == 0 {
		o.KeyDecoders = DefaultKeyDecoders()
	}
	o.Logger = loggerOrNop(o.Logger)
	return o
}

// LoadOptions reads REMOTEFS_* environment variables.
func LoadOptions() (Options, error) {
	var o Options
	if err := envconfig.Process("remotefs", &o); err != nil {
		return Options{}, fmt.Errorf("failed to load options: %w", err)
	}
	return o.WithDefaults(), nil
}
