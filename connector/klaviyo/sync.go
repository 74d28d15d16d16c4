package klaviyo

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

// Data types synced for every account.
const (
	DataTypeCampaigns = "campaigns"
	DataTypeFlows     = "flows"
	DataTypeMetrics   = "metrics"
	DataTypeEvents    = "events"
)

// endpoint describes a collection endpoint. watermarkField is the
// attribute the greater-than filter applies to ("" when the endpoint has no
// such filter); pageSize is 0 when the endpoint has a fixed page size.
type endpoint struct {
	name           string
	path           string
	baseFilter     string
	watermarkField string
	updatedField   string
	pageSize       int
	extra          url.Values
}

var resources = []endpoint{
	{
		name:           DataTypeCampaigns,
		path:           "/campaigns/",
		baseFilter:     "equals(messages.channel,'email')",
		watermarkField: "updated_at",
		updatedField:   "updated_at",
	},
	{
		name:           DataTypeFlows,
		path:           "/flows/",
		watermarkField: "updated",
		updatedField:   "updated",
		pageSize:       50,
	},
	{
		name:         DataTypeMetrics,
		path:         "/metrics/",
		updatedField: "updated",
	},
	{
		name:           DataTypeEvents,
		path:           "/events/",
		watermarkField: "datetime",
		updatedField:   "datetime",
		pageSize:       200,
		extra:          url.Values{"sort": {"datetime"}},
	},
}

func (c *Connector) Sync(ctx context.Context) []connector.SyncResult {
	dataTypes := make([]connector.DataType, 0, len(resources))

	for _, ep := range resources {
		dataTypes = append(dataTypes, c.resource(ep))
	}

	return c.session.RunSync(ctx, dataTypes)
}

// filterFor combines the endpoint filter with the watermark condition.
// Comma separated filters are ANDed by the API.
func filterFor(ep endpoint, since *time.Time) string {
	var conditions []string

	if ep.baseFilter != "" {
		conditions = append(conditions, ep.baseFilter)
	}

	if since != nil && ep.watermarkField != "" {
		conditions = append(conditions, "greater-than("+ep.watermarkField+","+since.UTC().Format("2006-01-02T15:04:05Z")+")")
	}

	return strings.Join(conditions, ",")
}

type resourcePage struct {
	Data  []json.RawMessage `json:"data"`
	Links struct {
		Next *string `json:"next"`
	} `json:"links"`
}

func (c *Connector) resource(ep endpoint) connector.DataType {
	return connector.DataType{
		Name: ep.name,
		Run: func(ctx context.Context, since *time.Time) (int, error) {
			q := url.Values{}

			for k, vs := range ep.extra {
				q[k] = vs
			}

			if filter := filterFor(ep, since); filter != "" {
				q.Set("filter", filter)
			}

			if ep.pageSize > 0 {
				q.Set("page[size]", strconv.Itoa(ep.pageSize))
			}

			first := c.opts.apiBaseURL + ep.path
			if len(q) > 0 {
				first += "?" + q.Encode()
			}

			total := 0

			_, err := c.session.Paginate(ctx, first, func(ctx context.Context, pageURL string) (string, error) {
				var page resourcePage

				if _, err := c.session.GetJSON(ctx, pageURL, nil, &page); err != nil {
					return "", err
				}

				records := toRecords(page.Data, ep.updatedField)
				if err := c.session.StoreRecords(ctx, ep.name, records); err != nil {
					return "", err
				}

				total += len(records)

				if page.Links.Next == nil {
					return "", nil
				}

				return *page.Links.Next, nil
			})

			return total, err
		},
	}
}

func toRecords(items []json.RawMessage, updatedField string) []models.Record {
	records := make([]models.Record, 0, len(items))

	for _, item := range items {
		var head struct {
			ID         string                     `json:"id"`
			Attributes map[string]json.RawMessage `json:"attributes"`
		}

		if err := json.Unmarshal(item, &head); err != nil || head.ID == "" {
			continue
		}

		rec := models.Record{ExternalID: head.ID, Payload: item}

		if raw, ok := head.Attributes[updatedField]; ok {
			var ts time.Time
			if err := json.Unmarshal(raw, &ts); err == nil {
				rec.SourceUpdatedAt = &ts
			}
		}

		records = append(records, rec)
	}

	return records
}
