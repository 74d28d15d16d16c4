package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Vector/vector-commerce-sync/connector"
	"github.com/Vector/vector-commerce-sync/pkg/encryption"
)

const (
	hmacHeader  = "X-Shopify-Hmac-Sha256"
	topicHeader = "X-Shopify-Topic"
	shopHeader  = "X-Shopify-Shop-Domain"

	topicAppUninstalled = "app/uninstalled"
)

// HandleWebhook verifies the HMAC with the app secret, soft disconnects on
// app/uninstalled and upserts the pushed object for order, product and
// customer topics.
func (c *Connector) HandleWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	if !encryption.VerifySignature(payload, headers.Get(hmacHeader), c.env.Credentials.ClientSecret) {
		return connector.ErrInvalidSignature
	}

	integration := c.binding.Integration
	if integration == nil {
		return connector.ErrNotConnected
	}

	if shop := strings.ToLower(headers.Get(shopHeader)); shop != "" && shop != c.shop {
		return fmt.Errorf("%w: webhook for %s sent to %s", connector.ErrInvalidSignature, shop, c.shop)
	}

	topic := headers.Get(topicHeader)
	logger := c.session.Logger().With(zap.String("topic", topic))

	if topic == topicAppUninstalled {
		if err := c.env.Integrations.SoftDelete(ctx, integration.ID, time.Now().UTC()); err != nil {
			return err
		}

		logger.Info("app uninstalled, integration disconnected")

		return nil
	}

	resource, action, _ := strings.Cut(topic, "/")

	switch resource {
	case DataTypeOrders, DataTypeProducts, DataTypeCustomers:
	default:
		logger.Debug("ignoring webhook topic")
		return nil
	}

	switch action {
	case "delete", "redact", "data_request":
		logger.Info("webhook acknowledged without storing")
		return nil
	}

	records := toRecords([]json.RawMessage{payload})
	if len(records) == 0 {
		return fmt.Errorf("webhook %s payload has no id", topic)
	}

	return c.session.StoreRecords(ctx, resource, records)
}
