// Package notify decides whether a completed analysis warrants pinging
// an operator, and dispatches the notification when it does. The rules
// balance alert fatigue against missed regressions: a cooldown
// suppresses repeats, and a significant degradation overrides the
// cooldown.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sqwatch/sqwatch/internal/storage"
	"github.com/sqwatch/sqwatch/internal/types"
)

// Config holds the notification decision settings
type Config struct {
	// Cooldown suppresses repeat notifications for the same unit.
	// Default: 1h.
	Cooldown time.Duration
	// DegradationFactor is the ratio of current to last-notified
	// average duration that overrides the cooldown. Default: 1.5.
	DegradationFactor float64
}

// DefaultConfig returns the default notification configuration
func DefaultConfig() Config {
	return Config{
		Cooldown:          time.Hour,
		DegradationFactor: 1.5,
	}
}

// Decision explains one notification check.
type Decision struct {
	Notify bool
	Reason string
}

// Notifier applies the decision rules and dispatches. Decisions and the
// matching state updates for one fingerprint are serialized, so two
// concurrent completions cannot both pass the cooldown check.
type Notifier struct {
	store      storage.Storage
	dispatcher Dispatcher
	cfg        Config
	log        *logrus.Logger

	locks sync.Map // fingerprint -> *sync.Mutex

	// now is swappable for tests
	now func() time.Time
}

// New creates a notifier. Zero-valued config fields fall back to
// defaults.
func New(store storage.Storage, dispatcher Dispatcher, cfg Config, log *logrus.Logger) *Notifier {
	def := DefaultConfig()
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.DegradationFactor <= 0 {
		cfg.DegradationFactor = def.DegradationFactor
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if dispatcher == nil {
		dispatcher = NewLogDispatcher(log)
	}
	return &Notifier{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

// ProcessCompletion runs the decision rules for a unit whose analysis
// just completed, dispatches if they say notify, and records the
// notification state in the same critical section.
func (n *Notifier) ProcessCompletion(ctx context.Context, unit *types.Unit) (*Decision, error) {
	mu := n.lockFor(unit.Fingerprint)
	mu.Lock()
	defer mu.Unlock()

	// Re-read inside the lock so the decision sees the latest
	// notification state
	current, err := n.store.GetUnit(ctx, unit.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to load unit for notification check: %w", err)
	}

	decision := n.decide(current)
	if !decision.Notify {
		n.log.WithFields(logrus.Fields{
			"fingerprint": unit.Fingerprint,
			"reason":      decision.Reason,
		}).Debug("notification suppressed")
		return &decision, nil
	}

	if err := n.dispatcher.Notify(ctx, current); err != nil {
		return &decision, fmt.Errorf("failed to dispatch notification: %w", err)
	}
	if err := n.store.UpdateNotificationState(ctx, unit.Fingerprint, n.now(), current.Stats.AvgDurationSecs); err != nil {
		return &decision, fmt.Errorf("failed to record notification state: %w", err)
	}

	n.log.WithFields(logrus.Fields{
		"fingerprint": unit.Fingerprint,
		"reason":      decision.Reason,
	}).Info("notification sent")
	return &decision, nil
}

// decide evaluates the rules in order. First match wins.
func (n *Notifier) decide(unit *types.Unit) Decision {
	if unit.LastNotifiedAt == nil {
		return Decision{Notify: true, Reason: "first notification for this unit"}
	}

	if unit.LastNotifiedAvgDuration > 0 {
		ratio := unit.Stats.AvgDurationSecs / unit.LastNotifiedAvgDuration
		if ratio >= n.cfg.DegradationFactor {
			return Decision{Notify: true, Reason: fmt.Sprintf(
				"degradation: avg duration %.3fs is %.2fx the last notified %.3fs",
				unit.Stats.AvgDurationSecs, ratio, unit.LastNotifiedAvgDuration)}
		}
	}

	if elapsed := n.now().Sub(*unit.LastNotifiedAt); elapsed < n.cfg.Cooldown {
		return Decision{Notify: false, Reason: fmt.Sprintf(
			"within cooldown (%s of %s elapsed)",
			elapsed.Round(time.Second), n.cfg.Cooldown)}
	}

	return Decision{Notify: true, Reason: "cooldown elapsed"}
}

func (n *Notifier) lockFor(fingerprint string) *sync.Mutex {
	mu, _ := n.locks.LoadOrStore(fingerprint, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
