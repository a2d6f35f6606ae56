package toolhub

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// NotificationKind names a class of inbound out-of-band messages that external
// observers can subscribe to.
type NotificationKind string

// Notification kinds.
const (
	NotificationProgress         NotificationKind = "progress"
	NotificationCancelled        NotificationKind = "cancelled"
	NotificationTaskStatus       NotificationKind = "task_status"
	NotificationToolsChanged     NotificationKind = "tools_changed"
	NotificationPromptsChanged   NotificationKind = "prompts_changed"
	NotificationResourcesChanged NotificationKind = "resources_changed"
	NotificationResourceUpdated  NotificationKind = "resource_updated"
	NotificationLogMessage       NotificationKind = "log_message"
)

// Notification is what external observers receive. The engine does not
// interpret Params beyond routing; observers decode what they need.
type Notification struct {
	// Name and Source identify the connection the notification arrived on.
	Name   string
	Source string

	Kind   NotificationKind
	Method string
	Params json.RawMessage
}

// NotificationObserver receives routed notifications. Observers run on the
// connection's dispatch goroutine and should return promptly.
type NotificationObserver func(n Notification)

var methodKinds = map[string]NotificationKind{
	methodNotificationsProgress:             NotificationProgress,
	methodNotificationsCancelled:            NotificationCancelled,
	methodNotificationsTasksStatus:          NotificationTaskStatus,
	methodNotificationsToolsListChanged:     NotificationToolsChanged,
	methodNotificationsPromptsListChanged:   NotificationPromptsChanged,
	methodNotificationsResourcesListChanged: NotificationResourcesChanged,
	methodNotificationsResourcesUpdated:     NotificationResourceUpdated,
	methodNotificationsMessage:              NotificationLogMessage,
}

// router maintains per-kind subscriber lists and fans inbound notifications out
// to them. Dispatch is best-effort and isolated: a failing observer never
// prevents delivery to the remaining observers. Inline routing to the owning
// tracker/coordinator happens in the connection before fan-out, so local state
// stays correct with zero external observers.
type router struct {
	logger *slog.Logger

	mu        sync.RWMutex
	observers map[NotificationKind][]NotificationObserver
}

func newRouter(logger *slog.Logger) *router {
	return &router{
		logger:    logger,
		observers: make(map[NotificationKind][]NotificationObserver),
	}
}

// subscribe registers an observer for one notification kind. Many observers may
// share a kind; subscriptions hold no ownership over any connection.
func (r *router) subscribe(kind NotificationKind, observer NotificationObserver) {
	r.mu.Lock()
	r.observers[kind] = append(r.observers[kind], observer)
	r.mu.Unlock()
}

// dispatch fans a notification out to the kind's subscribers, in registration
// order, isolating each observer.
func (r *router) dispatch(n Notification) {
	r.mu.RLock()
	observers := r.observers[n.Kind]
	r.mu.RUnlock()

	for _, observer := range observers {
		r.invoke(observer, n)
	}
}

func (r *router) invoke(observer NotificationObserver, n Notification) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("notification observer panicked",
				slog.String("kind", string(n.Kind)),
				slog.Any("panic", rec))
		}
	}()
	observer(n)
}
