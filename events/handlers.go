package events

import (
	"bytes"
	"context"
	"net/url"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type clickPayload struct {
	URL string `json:"url"`
}

// PushHandler shows the notification carried by a push event. A JSON
// payload is decoded as a types.Notification; any other payload becomes the
// body of a notification titled defaultTitle.
func PushHandler(notifier types.Notifier, defaultTitle string) types.EventHandler {
	return func(ctx context.Context, event types.Event) error {
		notification, err := decodePush(event.Data, defaultTitle)
		if err != nil {
			return err
		}

		return notifier.Show(ctx, notification)
	}
}

func decodePush(data []byte, defaultTitle string) (types.Notification, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return types.Notification{}, types.Errorf(types.ErrPushPayloadInvalid, "empty payload")
	}

	if data[0] != '{' {
		return types.Notification{Title: defaultTitle, Body: string(data)}, nil
	}

	var notification types.Notification
	if err := utils.Unmarshal(data, &notification); err != nil {
		return types.Notification{}, types.Errorf(types.ErrPushPayloadInvalid, "%v", err)
	}

	if notification.Title == "" {
		notification.Title = defaultTitle
	}

	return notification, nil
}

// NotificationClickHandler focuses or opens the window for the clicked
// notification. The target comes from the payload's "url" field and falls
// back to defaultURL; relative targets resolve against origin.
func NotificationClickHandler(opener types.WindowOpener, origin, defaultURL string) (types.EventHandler, error) {
	base, err := url.Parse(origin)
	if err != nil {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "origin: %v", err)
	}

	return func(ctx context.Context, event types.Event) error {
		target := defaultURL

		if len(bytes.TrimSpace(event.Data)) > 0 {
			var payload clickPayload
			if err := utils.Unmarshal(event.Data, &payload); err != nil {
				return types.Errorf(types.ErrPushPayloadInvalid, "%v", err)
			}
			if payload.URL != "" {
				target = payload.URL
			}
		}

		ref, err := url.Parse(target)
		if err != nil {
			return types.Errorf(types.ErrPushPayloadInvalid, "url %q: %v", target, err)
		}

		return opener.FocusOrOpen(ctx, base.ResolveReference(ref).String())
	}, nil
}
