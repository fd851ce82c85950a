package types

import "context"

type EventType string

const (
	EventInstall           EventType = "install"
	EventActivate          EventType = "activate"
	EventPush              EventType = "push"
	EventNotificationClick EventType = "notificationclick"
	EventSync              EventType = "sync"
)

// Task completes with the handler's result. It is closed after the single
// value has been sent.
type Task <-chan error

type Event struct {
	Type EventType
	Tag  string
	Data []byte
}

type EventHandler func(ctx context.Context, event Event) error

type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Icon  string            `json:"icon,omitempty"`
	Badge string            `json:"badge,omitempty"`
	URL   string            `json:"url,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

type Notifier interface {
	Show(ctx context.Context, notification Notification) error
}

type WindowOpener interface {
	FocusOrOpen(ctx context.Context, url string) error
}

type SyncRoutine func(ctx context.Context) error
