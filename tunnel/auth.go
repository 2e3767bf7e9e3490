package tunnel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	"sshfwd/internal/session"
	"sshfwd/util"
)

// defaultKeyNames are tried, in order, from ~/.ssh when key
// authentication is selected.
var defaultKeyNames = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// BuildAuthMethods assembles an ordered list of SSH authentication
// methods for p.  Password sessions offer the password and answer
// keyboard-interactive challenges with it; key sessions offer the
// configured key, then the agent, then the default key files.  When
// prompt is true a missing secret is read from the terminal.
func BuildAuthMethods(p *session.Params, prompt bool) ([]ssh.AuthMethod, error) {
	switch p.AuthMethod {
	case session.AuthPassword:
		return passwordMethods(p, prompt)
	case session.AuthKey:
		return keyMethods(p, prompt)
	default:
		return nil, fmt.Errorf("unsupported auth method %q", p.AuthMethod)
	}
}

// ── individual auth builders ─────────────────────────────────────────

func passwordMethods(p *session.Params, prompt bool) ([]ssh.AuthMethod, error) {
	pass := p.Password
	if pass == "" {
		if !prompt {
			return nil, fmt.Errorf("password auth selected but no password available")
		}
		pw, err := readSecret(fmt.Sprintf("%s@%s's password: ", p.Username, p.Host))
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		pass = string(pw)
	}

	answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = pass
		}
		return answers, nil
	}
	return []ssh.AuthMethod{
		ssh.Password(pass),
		ssh.KeyboardInteractive(answer),
	}, nil
}

func keyMethods(p *session.Params, prompt bool) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	// 1. Explicit key file
	explicit := ""
	if p.KeyPath != "" {
		explicit = util.ExpandHome(p.KeyPath)
		m, err := publicKeyAuth(explicit, p.Passphrase, prompt)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", p.KeyPath, err)
		}
		methods = append(methods, m)
	}

	// 2. SSH agent
	if m, err := agentAuth(); err == nil {
		methods = append(methods, m)
	}

	// 3. Common key names
	if home, err := os.UserHomeDir(); err == nil {
		for _, name := range defaultKeyNames {
			path := filepath.Join(home, ".ssh", name)
			if path == explicit {
				continue
			}
			if _, err := os.Stat(path); err != nil {
				continue
			}
			// Default keys are never prompted for.
			if m, err := publicKeyAuth(path, p.Passphrase, false); err == nil {
				methods = append(methods, m)
			}
		}
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf(
			"no SSH keys available: set private_key_path, " +
				"start an ssh-agent, or create ~/.ssh/id_ed25519")
	}
	return methods, nil
}

func publicKeyAuth(keyPath, passphrase string, prompt bool) (ssh.AuthMethod, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return ssh.PublicKeys(signer), nil
	}

	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parsing key: %w", err)
	}

	pass := []byte(passphrase)
	if len(pass) == 0 {
		if !prompt {
			return nil, fmt.Errorf("key is encrypted and no passphrase is configured")
		}
		pass, err = readSecret(fmt.Sprintf("Enter passphrase for %s: ", keyPath))
		if err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, pass)
	if err != nil {
		return nil, fmt.Errorf("decrypting key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

// readSecret prompts on stderr and reads a line from the terminal
// without echo.
func readSecret(promptText string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, promptText)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	return secret, err
}

// ── host-key verification ────────────────────────────────────────────

func hostKeyCallback(strict bool, knownHostsFile string) (ssh.HostKeyCallback, error) {
	if !strict {
		//nolint:gosec // user opted out of host key checking
		return ssh.InsecureIgnoreHostKey(), nil
	}

	khFile := knownHostsFile
	if khFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		khFile = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(util.ExpandHome(khFile))
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", khFile, err)
	}
	return cb, nil
}
