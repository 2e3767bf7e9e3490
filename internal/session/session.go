// Package session resolves the session references carried by tunnel
// specs into concrete SSH connection parameters.
//
// A Directory is consulted every time a tunnel starts, so edits made to
// a sessions file between starts are picked up without a restart.
package session

import (
	"fmt"
	"strings"

	ncerr "sshfwd/internal/errors"
	"sshfwd/util"
)

// AuthMethod selects how the client authenticates.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
)

// DefaultPort is the SSH port used when Params.Port is zero.
const DefaultPort = 22

// Params is everything needed to open one authenticated SSH connection.
type Params struct {
	Host       string     `yaml:"host" json:"host"`
	Port       int        `yaml:"port" json:"port"`
	Username   string     `yaml:"username" json:"username"`
	AuthMethod AuthMethod `yaml:"auth_method" json:"auth_method"`
	Password   string     `yaml:"password,omitempty" json:"-"`
	KeyPath    string     `yaml:"private_key_path,omitempty" json:"private_key_path,omitempty"`
	Passphrase string     `yaml:"private_key_passphrase,omitempty" json:"-"`
}

// Addr returns the "host:port" dial address, applying DefaultPort.
func (p *Params) Addr() string {
	port := p.Port
	if port == 0 {
		port = DefaultPort
	}
	return util.FormatAddr(p.Host, port)
}

// Validate fills defaults and rejects parameters no connection attempt
// could succeed with.
func (p *Params) Validate() error {
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("session: host is required")
	}
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if !util.ValidPort(p.Port) {
		return fmt.Errorf("session: port %d out of range", p.Port)
	}
	if p.Username == "" {
		return fmt.Errorf("session: username is required")
	}
	switch p.AuthMethod {
	case "":
		if p.KeyPath != "" {
			p.AuthMethod = AuthKey
		} else {
			p.AuthMethod = AuthPassword
		}
	case AuthPassword, AuthKey:
	default:
		return fmt.Errorf("session: unknown auth_method %q (want password or key)", p.AuthMethod)
	}
	return nil
}

// Directory maps session references to connection parameters.
// Implementations must be safe for concurrent use.
type Directory interface {
	// Resolve returns a copy of the parameters for ref.  Unknown
	// references yield an error wrapping ErrSessionNotFound.
	Resolve(ref string) (*Params, error)
}

// notFound builds the error every Directory returns for an unknown ref.
func notFound(ref string) error {
	return ncerr.Wrap(ncerr.KindSessionNotFound, "resolve", ref, ncerr.ErrSessionNotFound)
}

// Static is an in-memory Directory.  The map must not be mutated after
// the Directory is in use.
type Static map[string]Params

// Resolve implements Directory.
func (s Static) Resolve(ref string) (*Params, error) {
	p, ok := s[ref]
	if !ok {
		return nil, notFound(ref)
	}
	if err := p.Validate(); err != nil {
		return nil, ncerr.Wrap(ncerr.KindSessionNotFound, "resolve", ref, err)
	}
	return &p, nil
}
