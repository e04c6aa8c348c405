// Package notify delivers trade, commission and tournament updates to users.
//
// Notifications never gate money movement: Fanout swallows and logs every
// delivery failure and bounds each delivery with a timeout.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/ledger-engine/internal/metrics"
)

// EventType names an update pushed to a user.
type EventType string

const (
	EventTradeOpened      EventType = "trade_opened"
	EventTradeSettled     EventType = "trade_settled"
	EventCommission       EventType = "commission_credited"
	EventTournamentPayout EventType = "tournament_payout"
	EventEmailRequested   EventType = "email_requested"
)

// Event is a user-facing update. Data is marshalled as JSON.
type Event struct {
	Type   EventType `json:"type"`
	UserID string    `json:"user_id"`
	Data   any       `json:"data,omitempty"`
	At     time.Time `json:"at"`
}

// Updater pushes events to a user.
type Updater interface {
	TradeUpdate(ctx context.Context, userID string, ev Event) error
}

// Mailer sends email to a user.
type Mailer interface {
	Email(ctx context.Context, userID, subject, body string) error
}

// Notifier is what the engines depend on.
type Notifier interface {
	Updater
	Mailer
}

// Fanout calls every configured Updater and Mailer. Its methods always
// return nil.
type Fanout struct {
	Updaters []Updater
	Mailers  []Mailer
	Timeout  time.Duration
}

// NewFanout creates a fanout with the given per-delivery timeout.
func NewFanout(timeout time.Duration) *Fanout {
	return &Fanout{Timeout: timeout}
}

// AddUpdater registers u and returns f.
func (f *Fanout) AddUpdater(u Updater) *Fanout {
	f.Updaters = append(f.Updaters, u)
	return f
}

// AddMailer registers m and returns f.
func (f *Fanout) AddMailer(m Mailer) *Fanout {
	f.Mailers = append(f.Mailers, m)
	return f
}

func (f *Fanout) TradeUpdate(ctx context.Context, userID string, ev Event) error {
	if ev.UserID == "" {
		ev.UserID = userID
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	for _, u := range f.Updaters {
		f.deliver(ctx, u, func(ctx context.Context) error {
			return u.TradeUpdate(ctx, userID, ev)
		})
	}
	return nil
}

func (f *Fanout) Email(ctx context.Context, userID, subject, body string) error {
	for _, m := range f.Mailers {
		f.deliver(ctx, m, func(ctx context.Context) error {
			return m.Email(ctx, userID, subject, body)
		})
	}
	return nil
}

func (f *Fanout) deliver(ctx context.Context, target any, fn func(context.Context) error) {
	// Deliveries outlive the caller's cancellation but not the timeout.
	ctx = context.WithoutCancel(ctx)
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	if err := fn(ctx); err != nil {
		name := fmt.Sprintf("%T", target)
		metrics.NotificationErrors.WithLabelValues(name).Inc()
		slog.Warn("notification failed", "notifier", name, "err", err)
	}
}
