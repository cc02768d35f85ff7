package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"filmdesk/internal/bus"
	"filmdesk/internal/config"
	"filmdesk/internal/engine"
)

const defaultWebhookTimeout = 5 * time.Second

// webhookNotifier forwards domain events to the webhooks configured for the
// shop. It runs on the in-process event bus, so delivery shares the bus's
// at-most-once semantics; a failed POST is logged and dropped.
type webhookNotifier struct {
	shopID   string
	webhooks []config.WebhookConfig
	client   *http.Client
}

func startNotifier(e engine.Engine) {
	if e.Bus == nil || e.Config == nil || len(e.Config.Notifications.Webhooks) == 0 {
		return
	}
	e.Bus.Subscribe(&webhookNotifier{
		shopID:   e.Config.Shop.ID,
		webhooks: e.Config.Notifications.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
	})
}

func (n *webhookNotifier) ID() string { return "webhook-notifier" }

func (n *webhookNotifier) Handles() []bus.EventType {
	return []bus.EventType{bus.EventInterventionFinalized}
}

func (n *webhookNotifier) Handle(ctx context.Context, event *bus.Event) error {
	payload, err := json.Marshal(map[string]any{
		"shop_id": n.shopID,
		"type":    event.Type,
		"event":   event,
	})
	if err != nil {
		return err
	}
	for _, hook := range n.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !hookWants(hook, event.Type) {
			continue
		}
		if err := n.post(ctx, hook.URL, payload); err != nil {
			log.Printf("webhook: deliver %s to %s failed: %v", event.Type, hook.URL, err)
		}
	}
	return nil
}

func hookWants(hook config.WebhookConfig, eventType bus.EventType) bool {
	if len(hook.Events) == 0 {
		return true
	}
	for _, e := range hook.Events {
		if e == string(eventType) {
			return true
		}
	}
	return false
}

func (n *webhookNotifier) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
