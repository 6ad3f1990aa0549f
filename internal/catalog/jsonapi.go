package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/TobiSchelling/finpilot/internal/database"
)

// JSONClient fetches offers from a partner endpoint that answers with
// {"offers": [...]} in the product offer shape.
type JSONClient struct {
	apiKey string
	client *http.Client
}

// NewJSONClient creates a client. The API key, if any, is read from apiKeyEnv.
func NewJSONClient(apiKeyEnv string, client *http.Client) *JSONClient {
	if client == nil {
		client = http.DefaultClient
	}
	c := &JSONClient{client: client}
	if apiKeyEnv != "" {
		c.apiKey = os.Getenv(apiKeyEnv)
	}
	return c
}

// Fetch downloads the offer list. Entries without an id or name are skipped.
func (c *JSONClient) Fetch(ctx context.Context, endpoint, provider string) (offers []database.ProductOffer, skipped []string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("fetching %s: HTTP %d", endpoint, resp.StatusCode)
	}

	var result struct {
		Offers []struct {
			database.ProductOffer
			// Pointers distinguish an absent field from an explicit zero.
			MaxCreditUtilization *float64 `json:"max_credit_utilization"`
			Active               *bool    `json:"active"`
		} `json:"offers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, nil, fmt.Errorf("decoding offers from %s: %w", endpoint, err)
	}

	for _, raw := range result.Offers {
		o := raw.ProductOffer
		o.OfferID = strings.TrimSpace(o.OfferID)
		o.Name = strings.TrimSpace(o.Name)
		if o.OfferID == "" || o.Name == "" {
			skipped = append(skipped, fmt.Sprintf("offer %q missing id or name", o.OfferID+o.Name))
			continue
		}
		if o.MinIncome < 0 {
			skipped = append(skipped, fmt.Sprintf("offer %s: negative min_income", o.OfferID))
			continue
		}
		o.MaxCreditUtilization = 1.0
		if raw.MaxCreditUtilization != nil {
			o.MaxCreditUtilization = *raw.MaxCreditUtilization
		}
		o.Active = raw.Active == nil || *raw.Active
		if o.Provider == "" {
			o.Provider = provider
		}
		o.Description = stripHTML(o.Description)
		offers = append(offers, o)
	}
	return offers, skipped, nil
}
