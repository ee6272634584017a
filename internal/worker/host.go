package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Host is the runtime the worker lives in. It is the only way a generation
// reaches pages it does not already control.
type Host interface {
	// ClaimClients makes w the controller of every open page.
	ClaimClients(ctx context.Context, w *Worker) error
}

// MessageTypeSkipWaiting asks a waiting generation to activate immediately.
const MessageTypeSkipWaiting = "SKIP_WAITING"

// Message is a message posted by the foreground page.
type Message struct {
	Type string `json:"type"`
}

// ParseMessage decodes a posted message; payloads without a type are rejected.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode worker message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("decode worker message: type missing")
	}
	return msg, nil
}

// Event is a lifecycle or fetch event delivered by the host.
type Event interface {
	eventName() string
}

// InstallEvent starts installation of the generation.
type InstallEvent struct{}

// ActivateEvent hands control to the generation.
type ActivateEvent struct{}

// MessageEvent carries a message from the foreground page.
type MessageEvent struct {
	Message Message
}

// FetchEvent carries an outbound page request.
type FetchEvent struct {
	Request *http.Request
}

func (InstallEvent) eventName() string  { return "install" }
func (ActivateEvent) eventName() string { return "activate" }
func (MessageEvent) eventName() string  { return "message" }
func (FetchEvent) eventName() string    { return "fetch" }

// Dispatch routes a host event to the matching lifecycle operation. For fetch
// events the returned response is nil when the worker does not intercept the
// request and the host should perform a normal network fetch.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (*http.Response, error) {
	switch e := ev.(type) {
	case InstallEvent:
		_, err := w.Install(ctx)
		return nil, err
	case ActivateEvent:
		return nil, w.Activate(ctx)
	case MessageEvent:
		w.HandleMessage(e.Message)
		return nil, nil
	case FetchEvent:
		if e.Request == nil {
			return nil, fmt.Errorf("fetch event without request")
		}
		resp, _ := w.intercept(e.Request.WithContext(ctx))
		return resp, nil
	case nil:
		return nil, fmt.Errorf("nil event")
	default:
		return nil, fmt.Errorf("unsupported event %q", ev.eventName())
	}
}
