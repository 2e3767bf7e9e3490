// Package cmd wires up the CLI flags and runs the tunnel registry.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"sshfwd/config"
	ncerr "sshfwd/internal/errors"
	"sshfwd/internal/retry"
	"sshfwd/internal/session"
	"sshfwd/tunnel"
	"sshfwd/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X sshfwd/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs every requested forward until ctx is
// cancelled.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cli := config.Default()
	fs := flag.NewFlagSet("sshfwd", flag.ContinueOnError)
	fs.SetOutput(stderr)

	// ── forwards ─────────────────────────────────────────────────
	var locals, remotes []string
	fs.StringArrayVarP(&locals, "local", "L", nil, "Local forward [bind_host:]bind_port:host:port (repeatable)")
	fs.StringArrayVarP(&remotes, "remote", "R", nil, "Remote forward [bind_host:]bind_port:host:port (repeatable)")
	fs.StringVarP(&cli.Session, "session", "s", "", "Session used by forwards that name none")
	fs.StringVar(&cli.SessionsFile, "sessions", cli.SessionsFile, "YAML file of named SSH sessions")

	var configFile string
	fs.StringVarP(&configFile, "config", "f", "", "YAML config file")

	// ── SSH ──────────────────────────────────────────────────────
	fs.BoolVar(&cli.StrictHostKey, "strict-hostkey", false, "Verify SSH host keys against known_hosts")
	fs.StringVar(&cli.KnownHostsPath, "known-hosts", "", "Custom known_hosts path")
	fs.DurationVar(&cli.ConnectTimeout, "connect-timeout", cli.ConnectTimeout, "SSH connect and handshake timeout")
	fs.DurationVar(&cli.KeepAlive, "keepalive", cli.KeepAlive, "SSH keepalive interval (negative disables)")
	fs.BoolVar(&cli.NoPrompt, "no-prompt", false, "Never prompt for passwords or passphrases")

	// ── tunnels ──────────────────────────────────────────────────
	fs.DurationVar(&cli.DialTimeout, "dial-timeout", cli.DialTimeout, "Remote forward target dial timeout")
	fs.DurationVar(&cli.StartWait, "start-wait", cli.StartWait, "How long to wait for each forward to come up")
	fs.DurationVar(&cli.GracePeriod, "grace-period", cli.GracePeriod, "How long to let open connections drain on stop")
	fs.Int64Var(&cli.RateLimit, "rate-limit", 0, "Per-connection bandwidth cap in bytes/s (0 = off)")
	fs.IntVar(&cli.BreakerThreshold, "breaker-threshold", 0, "Pause channel opens after N consecutive failures (0 = off)")
	fs.DurationVar(&cli.BreakerReset, "breaker-reset", cli.BreakerReset, "How long the channel breaker stays open")

	// ── supervisor ───────────────────────────────────────────────
	fs.BoolVar(&cli.Restart, "restart", false, "Replace failed forwards with new ones")
	fs.IntVar(&cli.MaxRestarts, "max-restarts", cli.MaxRestarts, "Give up on a forward after N restarts (0 = never)")

	// ── output ───────────────────────────────────────────────────
	fs.DurationVar(&cli.StatusInterval, "status", 0, "Print forward status every interval (0 = off)")
	fs.BoolVar(&cli.JSON, "json", false, "Print status as JSON")
	fs.StringVar(&cli.LogFile, "log-file", "", "Also write the log to a rotating file")
	fs.IntVar(&cli.LogMaxSize, "log-max-size", cli.LogMaxSize, "Rotate the log file after this many MB")
	fs.IntVar(&cli.LogMaxBackups, "log-max-backups", cli.LogMaxBackups, "Rotated log files to keep")
	fs.CountVarP(&cli.Verbose, "verbose", "v", "Increase verbosity (repeatable)")

	var showVersion, showHelp, dryRun bool
	fs.BoolVar(&dryRun, "dry-run", false, "Validate configuration and sessions, then exit")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(stderr, fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(stderr, fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "sshfwd %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments %q (use -L or -R)", fs.Args())
	}

	cfg, err := buildConfig(fs, cli, configFile, locals, remotes)
	if err != nil {
		return err
	}

	// ── logging ──────────────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	logger.SetOutput(stderr)
	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   util.ExpandHome(cfg.LogFile),
			MaxSize:    cfg.LogMaxSize,
			MaxBackups: cfg.LogMaxBackups,
		}
		defer rotator.Close()
		logger.SetOutput(io.MultiWriter(stderr, rotator))
		logger.SetTimestamps(true)
	}

	dir := &session.File{Path: util.ExpandHome(cfg.SessionsFile)}
	specs := make([]tunnel.Spec, len(cfg.Forwards))
	for i, f := range cfg.Forwards {
		specs[i] = specFromForward(f)
	}

	logger.Verbose("%d forward(s), sessions from %s", len(specs), dir.Path)

	if dryRun {
		return dryRunReport(stdout, dir, specs)
	}

	// ── build components ─────────────────────────────────────────
	connector := &tunnel.SSHConnector{
		StrictHostKey:  cfg.StrictHostKey,
		KnownHosts:     cfg.KnownHostsPath,
		Timeout:        cfg.ConnectTimeout,
		KeepAlive:      cfg.KeepAlive,
		RequestTimeout: cfg.RequestTimeout,
		Prompt:         !cfg.NoPrompt,
		Logger:         logger.With("[ssh]"),
	}
	reg := tunnel.NewRegistry(dir, connector, logger, tunnelOptions(cfg))

	return serve(ctx, cfg, reg, specs, logger, stdout)
}

// buildConfig layers defaults, the config file, the environment and
// finally the flags that were set explicitly.
func buildConfig(fs *flag.FlagSet, cli *config.Config, configFile string, locals, remotes []string) (*config.Config, error) {
	cfg := config.Default()
	if configFile == "" {
		configFile = os.Getenv("SSHFWD_CONFIG")
	}
	if configFile != "" {
		if err := config.LoadFile(util.ExpandHome(configFile), cfg); err != nil {
			return nil, err
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	overrides := map[string]func(){
		"session":           func() { cfg.Session = cli.Session },
		"sessions":          func() { cfg.SessionsFile = cli.SessionsFile },
		"strict-hostkey":    func() { cfg.StrictHostKey = cli.StrictHostKey },
		"known-hosts":       func() { cfg.KnownHostsPath = cli.KnownHostsPath },
		"connect-timeout":   func() { cfg.ConnectTimeout = cli.ConnectTimeout },
		"keepalive":         func() { cfg.KeepAlive = cli.KeepAlive },
		"no-prompt":         func() { cfg.NoPrompt = cli.NoPrompt },
		"dial-timeout":      func() { cfg.DialTimeout = cli.DialTimeout },
		"start-wait":        func() { cfg.StartWait = cli.StartWait },
		"grace-period":      func() { cfg.GracePeriod = cli.GracePeriod },
		"rate-limit":        func() { cfg.RateLimit = cli.RateLimit },
		"breaker-threshold": func() { cfg.BreakerThreshold = cli.BreakerThreshold },
		"breaker-reset":     func() { cfg.BreakerReset = cli.BreakerReset },
		"restart":           func() { cfg.Restart = cli.Restart },
		"max-restarts":      func() { cfg.MaxRestarts = cli.MaxRestarts },
		"status":            func() { cfg.StatusInterval = cli.StatusInterval },
		"json":              func() { cfg.JSON = cli.JSON },
		"log-file":          func() { cfg.LogFile = cli.LogFile },
		"log-max-size":      func() { cfg.LogMaxSize = cli.LogMaxSize },
		"log-max-backups":   func() { cfg.LogMaxBackups = cli.LogMaxBackups },
		"verbose":           func() { cfg.Verbose = cli.Verbose },
	}
	fs.Visit(func(f *flag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply()
		}
	})

	for _, l := range []struct {
		typ   string
		specs []string
	}{
		{config.ForwardLocal, locals},
		{config.ForwardRemote, remotes},
	} {
		for _, s := range l.specs {
			f, err := config.ParseForwardSpec(l.typ, s)
			if err != nil {
				return nil, err
			}
			cfg.Forwards = append(cfg.Forwards, f)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

// ── helpers ──────────────────────────────────────────────────────────

func specFromForward(f config.Forward) tunnel.Spec {
	dir := tunnel.Local
	if f.Type == config.ForwardRemote {
		dir = tunnel.Remote
	}
	return tunnel.Spec{
		Direction:  dir,
		SessionRef: f.Session,
		BindHost:   f.BindHost,
		BindPort:   f.BindPort,
		TargetHost: f.TargetHost,
		TargetPort: f.TargetPort,
	}
}

func tunnelOptions(cfg *config.Config) tunnel.Options {
	opts := tunnel.Options{
		PollInterval: cfg.PollInterval,
		StartWait:    cfg.StartWait,
		JoinTimeout:  cfg.JoinTimeout,
		GracePeriod:  cfg.GracePeriod,
		DialTimeout:  cfg.DialTimeout,
		RateLimit:    cfg.RateLimit,
	}
	if cfg.BreakerThreshold > 0 {
		opts.ChannelBreaker = &retry.CircuitBreakerConfig{
			MaxFailures:  cfg.BreakerThreshold,
			ResetTimeout: cfg.BreakerReset,
			HalfOpenMax:  1,
		}
	}
	return opts
}

// dryRunReport resolves every forward's session without connecting.
func dryRunReport(w io.Writer, dir session.Directory, specs []tunnel.Spec) error {
	var errs []error
	for _, spec := range specs {
		p, err := dir.Resolve(spec.SessionRef)
		if err != nil {
			fmt.Fprintf(w, "%-40s session %q: %v\n", spec, spec.SessionRef, err)
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(w, "%-40s via %s@%s (%s auth)\n", spec, p.Username, p.Addr(), p.AuthMethod)
	}
	return ncerr.Join(errs...)
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `sshfwd – SSH port forwarding manager v%s

Runs ssh -L and -R style forwards over named SSH sessions, each on its
own connection, until interrupted.

Usage:
  sshfwd -s <session> -L [bind_host:]port:host:hostport [...]
  sshfwd -s <session> -R [bind_host:]port:host:hostport [...]
  sshfwd -f sshfwd.yaml

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Examples:
  sshfwd -s prod -L 15432:db.internal:5432            Reach a private database
  sshfwd -s edge -R 0.0.0.0:8080:localhost:3000       Publish a local dev server
  sshfwd -s lab -L 8080:web:80 -L 8443:web:443 --status 30s
  sshfwd -f ~/.config/sshfwd/sshfwd.yaml --restart --log-file ~/sshfwd.log

Sessions file (default %s):
  sessions:
    prod:
      host: bastion.example.com
      username: deploy
      private_key_path: ~/.ssh/id_ed25519
`, config.DefaultSessionsFile)
}
