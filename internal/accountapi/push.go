package accountapi

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// PushChannel is an optional low-priority notification stream the account
// API may offer over a websocket: a "rundata-changed" message lets the
// agent invalidate its OriginLookup cache ahead of the next poll tick.
// Polling remains authoritative; PushChannel is pure enrichment and is
// allowed to disconnect or never connect without affecting correctness.
type PushChannel struct {
	url string
}

// NewPushChannel returns a PushChannel pointed at wsURL (typically the
// account API's base URL with the scheme swapped to ws/wss and path set to
// the push endpoint).
func NewPushChannel(wsURL string) *PushChannel {
	return &PushChannel{url: wsURL}
}

type pushMessage struct {
	Type string `json:"type"`
}

// Run connects and forwards "rundata-changed" notifications to invalidate
// by calling it. It reconnects with backoff on disconnect and returns only
// when ctx is cancelled.
func (p *PushChannel) Run(ctx context.Context, invalidate func()) {
	backoff := time.Second
	for ctx.Err() == nil {
		if err := p.runOnce(ctx, invalidate); err != nil {
			log.Printf("[accountapi] push channel disconnected, retrying in %s: %v", backoff, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (p *PushChannel) runOnce(ctx context.Context, invalidate func()) error {
	conn, _, err := websocket.Dial(ctx, p.url, nil)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg pushMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if strings.EqualFold(msg.Type, "rundata-changed") {
			invalidate()
		}
	}
}
