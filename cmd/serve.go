package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"sshfwd/config"
	ncerr "sshfwd/internal/errors"
	"sshfwd/tunnel"
	"sshfwd/util"
)

// serve starts every spec and blocks until ctx is cancelled or no
// forward is left alive, then stops everything.
func serve(ctx context.Context, cfg *config.Config, reg *tunnel.Registry, specs []tunnel.Spec, logger *util.Logger, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sup *supervisor
	if cfg.Restart {
		sup = newSupervisor(reg, logger, cfg.MaxRestarts, config.DefaultMaxRestartBackoff)
		for _, spec := range specs {
			sup.keep(ctx, spec)
		}
	} else {
		started := 0
		for _, spec := range specs {
			if _, err := reg.Start(ctx, spec); err != nil {
				logger.Verbose("%s: %v", spec, err)
				continue
			}
			started++
		}
		if started == 0 {
			reg.StopAll() //nolint:errcheck
			return fmt.Errorf("none of %d forward(s) could be started", len(specs))
		}
	}
	logger.Info("%d forward(s) configured", len(specs))

	var statusC <-chan time.Time
	if cfg.StatusInterval > 0 {
		ticker := time.NewTicker(cfg.StatusInterval)
		defer ticker.Stop()
		statusC = ticker.C
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = config.DefaultPollInterval
	}
	check := time.NewTicker(poll)
	defer check.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			break loop
		case <-statusC:
			printStatus(out, reg.Infos(), cfg.JSON)
		case <-check.C:
			if sup != nil {
				if sup.idle() {
					runErr = fmt.Errorf("every forward has given up")
					break loop
				}
			} else if !anyLive(reg) {
				runErr = fmt.Errorf("every forward has stopped")
				break loop
			}
		}
	}

	cancel()
	if sup != nil {
		sup.wait()
	}
	if runErr != nil && cfg.StatusInterval > 0 {
		printStatus(out, reg.Infos(), cfg.JSON)
	}
	return ncerr.Join(runErr, reg.StopAll())
}

func anyLive(reg *tunnel.Registry) bool {
	for _, t := range reg.List() {
		if !t.State().Terminal() {
			return true
		}
	}
	return false
}

// printStatus writes one table, or one JSON array per call.
func printStatus(w io.Writer, infos []tunnel.Info, asJSON bool) {
	if asJSON {
		json.NewEncoder(w).Encode(infos) //nolint:errcheck
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tBIND\tTARGET\tSESSION\tRELAYS\tIN\tOUT\tERROR")
	for _, in := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			in.ID, in.State, in.Bind, in.Target, in.Session,
			in.Metrics.RelaysActive, in.Metrics.RelaysTotal,
			formatBytes(in.Metrics.BytesIn), formatBytes(in.Metrics.BytesOut),
			in.Error)
	}
	tw.Flush() //nolint:errcheck
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
