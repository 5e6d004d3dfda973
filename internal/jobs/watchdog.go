package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tickd/internal/task/repeated"
)

// Notifier sends an sd_notify state string. daemon.SdNotify with
// unsetEnvironment=false is the production implementation.
type Notifier func(state string) (bool, error)

// SdNotify notifies the service manager through $NOTIFY_SOCKET.
func SdNotify(state string) (bool, error) { return daemon.SdNotify(false, state) }

var errNotDelivered = errors.New("watchdog: notification not delivered")

// Watchdog pings the systemd watchdog. A ping that is not delivered (no
// NOTIFY_SOCKET) is an error so it shows up in run history.
func Watchdog(notify Notifier) repeated.Job {
	if notify == nil {
		notify = SdNotify
	}
	return func(ctx context.Context) error {
		sent, err := notify(daemon.SdNotifyWatchdog)
		if err != nil {
			return err
		}
		if !sent {
			return errNotDelivered
		}
		return nil
	}
}

// WatchdogInterval returns half the service manager's watchdog timeout, the
// recommended ping period. ok is false when the watchdog is not enabled for
// this process.
func WatchdogInterval() (time.Duration, bool) {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d / 2, true
}
