package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type webhookCreateReq struct {
	Webhook struct {
		Address string `json:"address"`
		Topic   string `json:"topic"`
		Format  string `json:"format"`
	} `json:"webhook"`
}

// CreateOrderWebhook registers one webhook subscription whose address is
// the app's own webhook receiver URL.
func CreateOrderWebhook(ctx context.Context, shopDomain, apiVersion, accessToken, topic, address string) error {
	url := fmt.Sprintf("https://%s/admin/api/%s/webhooks.json", shopDomain, apiVersion)

	var payload webhookCreateReq
	payload.Webhook.Address = address
	payload.Webhook.Topic = topic
	payload.Webhook.Format = "json"

	b, _ := json.Marshal(payload)

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Access-Token", accessToken)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("create webhook failed: http %d: %s", res.StatusCode, string(raw))
	}
	return nil
}

// SubscribeOrderTopics registers the order topics the sync pipeline cares
// about. Failures are collected, not fatal; the shop is connected either
// way and a manual sync still works.
func SubscribeOrderTopics(ctx context.Context, shopDomain, apiVersion, accessToken, address string) (created []string, failed []map[string]string) {
	topics := []string{
		"orders/create",
		"orders/updated",
	}

	for _, t := range topics {
		if err := CreateOrderWebhook(ctx, shopDomain, apiVersion, accessToken, t, address); err != nil {
			failed = append(failed, map[string]string{"topic": t, "error": err.Error()})
			continue
		}
		created = append(created, t)
	}
	return created, failed
}
