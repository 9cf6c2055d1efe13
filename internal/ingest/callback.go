package ingest

import (
	"fmt"
	"strings"
)

// CallbackKind is the closed set of media server events the gateway acts on.
type CallbackKind string

const (
	CallbackPublish   CallbackKind = "publish"
	CallbackUnpublish CallbackKind = "unpublish"
	CallbackPlay      CallbackKind = "play"
	CallbackStop      CallbackKind = "stop"
)

// Callback is a validated media server event.
type Callback struct {
	Kind      CallbackKind
	StreamKey string
	ClientID  string
}

// hookPayload is the raw SRS http_hooks body. Only the fields the gateway
// reads are declared; the rest are ignored.
type hookPayload struct {
	Action   string `json:"action"`
	ClientID string `json:"client_id"`
	App      string `json:"app"`
	Stream   string `json:"stream"`
	Param    string `json:"param"`
}

// ParseAction maps an SRS action name, with or without its on_ prefix, to a
// CallbackKind.
func ParseAction(action string) (CallbackKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(action))
	normalized = strings.TrimPrefix(normalized, "on_")
	switch kind := CallbackKind(normalized); kind {
	case CallbackPublish, CallbackUnpublish, CallbackPlay, CallbackStop:
		return kind, nil
	case "":
		return "", fmt.Errorf("action is required")
	default:
		return "", fmt.Errorf("unknown action %s", strings.TrimSpace(action))
	}
}

// normalizeStreamKey strips any query string an encoder appended to the
// stream name.
func normalizeStreamKey(stream string) string {
	key := strings.TrimSpace(stream)
	if idx := strings.IndexByte(key, '?'); idx >= 0 {
		key = key[:idx]
	}
	return strings.TrimSpace(key)
}

func (p hookPayload) callback(kind CallbackKind) (Callback, error) {
	key := normalizeStreamKey(p.Stream)
	if key == "" {
		return Callback{}, fmt.Errorf("stream is required")
	}
	return Callback{Kind: kind, StreamKey: key, ClientID: strings.TrimSpace(p.ClientID)}, nil
}
