package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/darshan-rambhia/remotefs"
)

// Profile is a saved connection. Secrets are never stored; passwords and
// key passphrases are asked for at connect time.
type Profile struct {
	Name          string `yaml:"name"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	KeyPath       string `yaml:"key_path"`
	AskPassphrase bool   `yaml:"ask_passphrase"`
	StartPath     string `yaml:"start_path"`
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

func defaultProfilesPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "rfm-profiles.yaml"
	}
	return filepath.Join(dir, "rfm", "profiles.yaml")
}

// loadProfiles reads the profile file. A missing file yields no profiles.
func loadProfiles(path string) (map[string]Profile, error) {
	data, err := os.ReadFile(remotefs.ExpandPath(path))
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Profile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}

	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse profiles %s: %w", path, err)
	}

	out := make(map[string]Profile, len(f.Profiles))
	for i, p := range f.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profile #%d in %s has no name", i+1, path)
		}
		if _, dup := out[p.Name]; dup {
			return nil, fmt.Errorf("duplicate profile %q in %s", p.Name, path)
		}
		out[p.Name] = p
	}
	return out, nil
}

// parseTarget turns "user@host[:port]" into an ad-hoc profile.
func parseTarget(target string) (Profile, error) {
	user, hostport, ok := strings.Cut(target, "@")
	if !ok || user == "" || hostport == "" {
		return Profile{}, fmt.Errorf("expected user@host[:port], got %q", target)
	}

	p := Profile{Name: target, User: user, Host: hostport}
	if i := strings.LastIndex(hostport, ":"); i >= 0 && !strings.HasSuffix(hostport, "]") {
		port, err := strconv.Atoi(hostport[i+1:])
		if err != nil {
			return Profile{}, fmt.Errorf("invalid port in %q", target)
		}
		p.Host, p.Port = hostport[:i], port
	}
	p.Host = strings.TrimSuffix(strings.TrimPrefix(p.Host, "["), "]")
	return p, nil
}

// descriptor builds the connection descriptor, asking for secrets through
// ask.
func (p Profile) descriptor(ask func(label string) (string, error)) (remotefs.Descriptor, error) {
	var cred remotefs.Credential
	if p.KeyPath != "" {
		key := remotefs.PrivateKey{Path: remotefs.ExpandPath(p.KeyPath)}
		if p.AskPassphrase {
			pass, err := ask(fmt.Sprintf("Passphrase for %s: ", p.KeyPath))
			if err != nil {
				return remotefs.Descriptor{}, err
			}
			key.Passphrase = pass
		}
		cred = key
	} else {
		pass, err := ask(fmt.Sprintf("%s@%s's password: ", p.User, p.Host))
		if err != nil {
			return remotefs.Descriptor{}, err
		}
		cred = remotefs.Password{Secret: pass}
	}
	return remotefs.NewDescriptor(p.Host, p.Port, p.User, cred, p.StartPath)
}
