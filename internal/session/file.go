package session

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	ncerr "sshfwd/internal/errors"
)

// fileFormat is the on-disk layout of a sessions file:
//
//	sessions:
//	  prod:
//	    host: bastion.example.com
//	    username: deploy
//	    auth_method: key
//	    private_key_path: ~/.ssh/id_ed25519
type fileFormat struct {
	Sessions map[string]Params `yaml:"sessions"`
}

// File is a Directory backed by a YAML file.  The file is read on every
// Resolve call.
type File struct {
	Path string
}

// Resolve implements Directory.
func (f *File) Resolve(ref string) (*Params, error) {
	all, err := f.Load()
	if err != nil {
		return nil, ncerr.Wrap(ncerr.KindSessionNotFound, "resolve", ref, err)
	}
	return all.Resolve(ref)
}

// Load reads and parses the whole file.
func (f *File) Load() (Static, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("reading sessions file: %w", err)
	}
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parsing sessions file %s: %w", f.Path, err)
	}
	if ff.Sessions == nil {
		return Static{}, nil
	}
	return Static(ff.Sessions), nil
}
