package shopify

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Vector/vector-commerce-sync/connector"
	"github.com/Vector/vector-commerce-sync/models"
)

const (
	// RateLimitDelay keeps a store at two requests per second, the REST
	// Admin API leaky bucket rate.
	RateLimitDelay = 500 * time.Millisecond
	PageSize       = 250
)

// Data types synced for every store.
const (
	DataTypeOrders    = "orders"
	DataTypeProducts  = "products"
	DataTypeCustomers = "customers"
)

func (c *Connector) Sync(ctx context.Context) []connector.SyncResult {
	return c.session.RunSync(ctx, []connector.DataType{
		c.resource(DataTypeOrders, url.Values{"status": {"any"}}),
		c.resource(DataTypeProducts, nil),
		c.resource(DataTypeCustomers, nil),
	})
}

// resource pages through a REST collection endpoint (orders.json, ...)
// following Link rel="next" cursors.
func (c *Connector) resource(name string, extra url.Values) connector.DataType {
	return connector.DataType{
		Name: name,
		Run: func(ctx context.Context, since *time.Time) (int, error) {
			q := url.Values{"limit": {strconv.Itoa(PageSize)}}

			for k, vs := range extra {
				q[k] = vs
			}

			if since != nil {
				q.Set("updated_at_min", since.UTC().Format(time.RFC3339))
			}

			total := 0

			_, err := c.session.Paginate(ctx, c.apiURL(name+".json")+"?"+q.Encode(), func(ctx context.Context, pageURL string) (string, error) {
				var page map[string][]json.RawMessage

				header, err := c.session.GetJSON(ctx, pageURL, nil, &page)
				if err != nil {
					return "", err
				}

				records := toRecords(page[name])
				if err := c.session.StoreRecords(ctx, name, records); err != nil {
					return "", err
				}

				total += len(records)

				return nextLink(header.Get("Link")), nil
			})

			return total, err
		},
	}
}

type recordHead struct {
	ID        json.RawMessage `json:"id"`
	UpdatedAt *time.Time      `json:"updated_at"`
}

func toRecords(items []json.RawMessage) []models.Record {
	records := make([]models.Record, 0, len(items))

	for _, item := range items {
		var head recordHead
		if err := json.Unmarshal(item, &head); err != nil {
			continue
		}

		id := strings.Trim(string(head.ID), `"`)
		if id == "" || id == "null" {
			continue
		}

		records = append(records, models.Record{
			ExternalID:      id,
			Payload:         item,
			SourceUpdatedAt: head.UpdatedAt,
		})
	}

	return records
}

// nextLink extracts the rel="next" URL from a Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}

		target := strings.Trim(strings.TrimSpace(segments[0]), "<>")

		for _, param := range segments[1:] {
			if strings.ReplaceAll(strings.TrimSpace(param), " ", "") == `rel="next"` {
				return target
			}
		}
	}

	return ""
}
