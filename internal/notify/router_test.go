package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"civicsync/internal/models"
)

type countingNotifier struct {
	mu    sync.Mutex
	shown []string
}

func (n *countingNotifier) Show(title, _ string, _ map[string]string) {
	n.mu.Lock()
	n.shown = append(n.shown, title)
	n.mu.Unlock()
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.shown)
}

func notification(id string, typ models.NotificationType) models.Notification {
	return models.Notification{ID: id, UserID: "u1", Type: typ, Title: "t-" + id, Message: "m"}
}

func TestRouterDeduplicatesRedeliveredIDs(t *testing.T) {
	notifier := &countingNotifier{}
	r := NewRouter(StaticPreferences{Prefs: models.DefaultPreferences("")}, notifier, nil, nil)

	n := notification("n1", models.NotifyStatusChange)
	r.Handle(context.Background(), n)
	r.Handle(context.Background(), n) // feed redelivery after reconnect

	if got := notifier.count(); got != 1 {
		t.Fatalf("Show called %d times, want exactly 1", got)
	}
}

func TestRouterChannelSuppressionIsIndependent(t *testing.T) {
	prefs := models.DefaultPreferences("")
	prefs.StatusChange = models.ChannelPrefs{InApp: true, Push: false}
	prefs.Assignment = models.ChannelPrefs{InApp: false, Push: true}
	prefs.System = models.ChannelPrefs{InApp: false, Push: false}

	notifier := &countingNotifier{}
	var inApp []string
	r := NewRouter(StaticPreferences{Prefs: prefs}, notifier, func(n models.Notification) {
		inApp = append(inApp, n.ID)
	}, nil)

	ctx := context.Background()
	r.Handle(ctx, notification("a", models.NotifyStatusChange)) // in-app only
	r.Handle(ctx, notification("b", models.NotifyAssignment))   // push only
	r.Handle(ctx, notification("c", models.NotifySystem))       // neither

	if len(inApp) != 1 || inApp[0] != "a" {
		t.Fatalf("in-app deliveries = %v, want [a]", inApp)
	}
	if got := notifier.count(); got != 1 {
		t.Fatalf("push deliveries = %d, want 1", got)
	}
	if notifier.shown[0] != "t-b" {
		t.Fatalf("pushed notification = %q, want t-b", notifier.shown[0])
	}
}

type failingPrefs struct{}

func (failingPrefs) Preferences(context.Context, string) (models.NotificationPreferences, error) {
	return models.NotificationPreferences{}, errors.New("prefs backend down")
}

func TestRouterDefaultsToDeliverWhenPrefsUnavailable(t *testing.T) {
	notifier := &countingNotifier{}
	var sunk []error
	delivered := 0
	r := NewRouter(failingPrefs{}, notifier, func(models.Notification) { delivered++ }, func(err error) {
		sunk = append(sunk, err)
	})

	r.Handle(context.Background(), notification("n1", models.NotifyNewReport))

	if delivered != 1 || notifier.count() != 1 {
		t.Fatalf("in-app=%d push=%d, want both delivered on prefs failure", delivered, notifier.count())
	}
	if len(sunk) != 1 {
		t.Fatalf("error sink got %d errors, want 1", len(sunk))
	}
}

func TestRecentIDsBoundedEviction(t *testing.T) {
	cache := newRecentIDs(2)
	if !cache.add("a") || !cache.add("b") {
		t.Fatalf("fresh ids must be new")
	}
	if cache.add("a") {
		t.Fatalf("a still cached, must be duplicate")
	}
	cache.add("c") // evicts a
	if !cache.add("a") {
		t.Fatalf("a should have been evicted by capacity")
	}
	if cache.add("c") {
		t.Fatalf("c still cached, must be duplicate")
	}
}
