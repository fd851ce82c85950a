package events

import (
	"context"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

// LogNotifier records notifications in the log. It is used when no webhook
// is configured.
type LogNotifier struct {
	logger types.Logger
}

func NewLogNotifier(logger types.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Show(_ context.Context, notification types.Notification) error {
	n.logger.Info("Notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.String("url", notification.URL))
	return nil
}

// WebhookNotifier posts each notification as JSON to a fixed URL.
type WebhookNotifier struct {
	url     string
	timeout time.Duration
	client  *fasthttp.Client
	logger  types.Logger
}

func NewWebhookNotifier(config *types.NotificationsConfig, logger types.Logger) *WebhookNotifier {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &WebhookNotifier{
		url:     config.WebhookURL,
		timeout: timeout,
		client: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		logger: logger,
	}
}

func (n *WebhookNotifier) Show(ctx context.Context, notification types.Notification) error {
	body, err := utils.Marshal(notification)
	if err != nil {
		return types.WrapError(err, "failed to marshal notification")
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(n.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	timeout := n.timeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}

	if err = n.client.DoTimeout(req, resp, timeout); err != nil {
		return types.NetworkError(err)
	}

	if resp.StatusCode() >= 300 {
		return types.Errorf(types.ErrNetwork, "notification webhook returned %d", resp.StatusCode())
	}

	n.logger.Debug("Notification delivered",
		zap.String("title", notification.Title),
		zap.Int("status", resp.StatusCode()))

	return nil
}

// WithDial replaces the webhook dialer.
func (n *WebhookNotifier) WithDial(dial fasthttp.DialFunc) *WebhookNotifier {
	n.client.Dial = dial
	return n
}

// WindowTracker is the WindowOpener of a headless host. It remembers the
// URLs clients were asked to open so they can be collected over the admin
// API.
type WindowTracker struct {
	mu     sync.Mutex
	logger types.Logger
	opened []string
}

func NewWindowTracker(logger types.Logger) *WindowTracker {
	return &WindowTracker{logger: logger}
}

func (w *WindowTracker) FocusOrOpen(_ context.Context, url string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, existing := range w.opened {
		if existing == url {
			w.logger.Debug("Focusing window", zap.String("url", url))
			return nil
		}
	}

	w.opened = append(w.opened, url)
	w.logger.Info("Opening window", zap.String("url", url))

	return nil
}

func (w *WindowTracker) Windows() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	windows := make([]string, len(w.opened))
	copy(windows, w.opened)

	return windows
}
