package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"remindd/pkg/logx"
)

// sdNotifier reports service state to systemd. Outside a unit with
// NOTIFY_SOCKET set every call is a no-op.
type sdNotifier struct {
	log    logx.Logger
	notify func(state string) (bool, error)
	// watchdogInterval returns 0 when the unit has no WatchdogSec.
	watchdogInterval func() (time.Duration, error)
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	return &sdNotifier{
		log: log,
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
		watchdogInterval: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	}
}

func (n *sdNotifier) send(state string) {
	sent, err := n.notify(state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Watchdog pings systemd at half the configured interval while healthy
// returns nil. A failing health check withholds the ping so systemd restarts us.
func (n *sdNotifier) Watchdog(ctx context.Context, healthy func() error) {
	every, err := n.watchdogInterval()
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	every /= 2
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := healthy(); err != nil {
				n.log.Warn("unhealthy; withholding watchdog ping", logx.Err(err))
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
