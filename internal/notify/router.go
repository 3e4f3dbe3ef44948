package notify

import (
	"context"
	"encoding/json"
	"sync"

	"civicsync/internal/feed"
	"civicsync/internal/models"
	"civicsync/internal/telemetry"
)

// BrowserNotifier is the fire-and-forget OS-level notification sink.
type BrowserNotifier interface {
	Show(title, body string, meta map[string]string)
}

// PreferencesStore supplies per-user delivery flags, read-only here.
type PreferencesStore interface {
	Preferences(ctx context.Context, userID string) (models.NotificationPreferences, error)
}

// Router decides, per notification, whether to invoke the in-app callback,
// the browser notifier, both, or neither. Suppression is independent per
// channel and per category. Redelivered notification IDs (feed replays
// after a reconnect) produce no duplicate browser notification.
type Router struct {
	prefs    PreferencesStore
	notifier BrowserNotifier
	inApp    func(models.Notification)
	errSink  func(error)

	mu   sync.Mutex
	seen *recentIDs
}

// NewRouter builds a router. inApp and errSink may be nil.
func NewRouter(prefs PreferencesStore, notifier BrowserNotifier, inApp func(models.Notification), errSink func(error)) *Router {
	return &Router{
		prefs:    prefs,
		notifier: notifier,
		inApp:    inApp,
		errSink:  errSink,
		seen:     newRecentIDs(256),
	}
}

// Handle routes one notification according to the owner's preferences.
func (r *Router) Handle(ctx context.Context, n models.Notification) {
	prefs, err := r.prefs.Preferences(ctx, n.UserID)
	if err != nil {
		// Missing or unreadable preferences default to deliver-everything;
		// losing a notification is worse than an extra one.
		prefs = models.DefaultPreferences(n.UserID)
		if r.errSink != nil {
			r.errSink(err)
		}
	}
	ch := prefs.ForType(n.Type)

	if ch.InApp && r.inApp != nil {
		r.inApp(n)
	}

	if !ch.Push || r.notifier == nil {
		return
	}
	r.mu.Lock()
	duplicate := !r.seen.add(n.ID)
	r.mu.Unlock()
	if duplicate {
		telemetry.NotificationsDeduped.Inc()
		return
	}
	r.notifier.Show(n.Title, n.Message, map[string]string{
		"notification_id": n.ID,
		"type":            string(n.Type),
	})
	telemetry.NotificationsPushed.Inc()
}

// Attach subscribes the router to notification inserts on the change feed
// for one user and returns the unsubscribe function.
func (r *Router) Attach(ctx context.Context, registry *feed.Registry, userID string) func() {
	return registry.Subscribe(ctx, "notifications", "", feed.Handlers{
		OnInsert: func(ev feed.Event) {
			var n models.Notification
			if err := json.Unmarshal(ev.New, &n); err != nil {
				if r.errSink != nil {
					r.errSink(err)
				}
				return
			}
			if userID != "" && n.UserID != userID {
				return
			}
			r.Handle(ctx, n)
		},
	})
}

// recentIDs is a bounded insertion-order window of notification IDs.
type recentIDs struct {
	cap   int
	order []string
	set   map[string]struct{}
}

func newRecentIDs(capacity int) *recentIDs {
	return &recentIDs{cap: capacity, set: make(map[string]struct{}, capacity)}
}

// add records id and reports whether it was new.
func (r *recentIDs) add(id string) bool {
	if _, ok := r.set[id]; ok {
		return false
	}
	r.set[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.cap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.set, oldest)
	}
	return true
}

// StaticPreferences is a PreferencesStore returning the same record for
// every user, used by the CLI watcher and tests.
type StaticPreferences struct {
	Prefs models.NotificationPreferences
}

func (s StaticPreferences) Preferences(_ context.Context, userID string) (models.NotificationPreferences, error) {
	p := s.Prefs
	p.UserID = userID
	return p, nil
}
