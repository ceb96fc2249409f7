package goble

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/ble-orchestratord/internal/adapter"
)

// resetter issues host administrative commands for the Watchdog's
// recovery ladder, grounded in houneTeam-pible_go's internal/util/system.go
// (IsRoot, RestartService via systemctl).
type resetter struct {
	log *logrus.Logger
}

// NewResetter returns an adapter.Resetter that shells out to hciconfig
// and systemctl. It never fails hard on a privilege error: §9 requires
// degrading to a logged warning so the daemon keeps running with
// reduced recovery capability rather than exiting.
func NewResetter(log *logrus.Logger) adapter.Resetter {
	return &resetter{log: log}
}

func (r *resetter) isRoot() bool {
	return os.Geteuid() == 0
}

func (r *resetter) run(ctx context.Context, timeout time.Duration, name string, args ...string) error {
	if !r.isRoot() {
		r.log.WithField("command", name).Warn("adapter reset skipped: daemon is not running as root")
		return nil
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, out)
	}
	return nil
}

// ResetAdapter brings adapterID down and back up: the lightweight reset
// rung of the ladder (§4.6 step 2).
func (r *resetter) ResetAdapter(ctx context.Context, adapterID string) error {
	if err := r.run(ctx, 5*time.Second, "hciconfig", adapterID, "down"); err != nil {
		return err
	}
	return r.run(ctx, 5*time.Second, "hciconfig", adapterID, "up")
}

// FullReset issues a full controller reset on adapterID: the ladder's
// third rung.
func (r *resetter) FullReset(ctx context.Context, adapterID string) error {
	return r.run(ctx, 10*time.Second, "hciconfig", adapterID, "reset")
}

// RestartStack restarts the host bluetooth service entirely: the
// ladder's last rung, repeated on every later check that still fails.
func (r *resetter) RestartStack(ctx context.Context) error {
	return r.run(ctx, 15*time.Second, "systemctl", "restart", "bluetooth")
}
