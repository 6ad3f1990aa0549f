package catalog

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"github.com/TobiSchelling/finpilot/internal/database"
)

// offerNamespace is the extension prefix partner feeds use for offer terms:
//
//	<rss xmlns:offer="https://finpilot.dev/ns/offer">
//	  <item>
//	    <title>Balance Transfer Card</title>
//	    <offer:id>bt-01</offer:id>
//	    <offer:persona>high_utilization</offer:persona>
//	    <offer:max_credit_utilization>0.9</offer:max_credit_utilization>
//	  </item>
//	</rss>
const offerNamespace = "offer"

const maxPerFeed = 100

var textPolicy = bluemonday.StrictPolicy()

// FeedParser reads partner offers from RSS/Atom feeds.
type FeedParser struct {
	parser *gofeed.Parser
}

// NewFeedParser creates a FeedParser. client may be nil.
func NewFeedParser(client *http.Client) *FeedParser {
	p := gofeed.NewParser()
	p.UserAgent = "finpilot-catalog/1.0"
	p.Client = client
	return &FeedParser{parser: p}
}

// Fetch downloads and parses one feed. Items that do not describe a valid
// offer are reported in skipped, not returned as errors.
func (fp *FeedParser) Fetch(ctx context.Context, feedURL, provider string) (offers []database.ProductOffer, skipped []string, err error) {
	feed, err := fp.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing feed %s: %w", feedURL, err)
	}
	if provider == "" {
		provider = strings.TrimSpace(feed.Title)
	}
	if provider == "" {
		provider = extractSourceName(feedURL)
	}

	for _, item := range feed.Items {
		if len(offers) >= maxPerFeed {
			break
		}
		o, err := parseItem(item, provider)
		if err != nil {
			skipped = append(skipped, err.Error())
			continue
		}
		offers = append(offers, *o)
	}
	return offers, skipped, nil
}

func parseItem(item *gofeed.Item, provider string) (*database.ProductOffer, error) {
	fields := item.Extensions[offerNamespace]

	id := firstNonEmpty(extValue(fields, "id"), item.GUID, item.Link)
	if id == "" {
		return nil, fmt.Errorf("item %q has no offer id", item.Title)
	}
	title := strings.TrimSpace(item.Title)
	if title == "" {
		return nil, fmt.Errorf("offer %s has no title", id)
	}

	description := item.Description
	if description == "" {
		description = item.Content
	}

	o := &database.ProductOffer{
		OfferID:              id,
		Name:                 title,
		Provider:             firstNonEmpty(extValue(fields, "provider"), provider),
		Category:             extValue(fields, "category"),
		Description:          stripHTML(description),
		TargetPersonas:       extValues(fields, "persona"),
		MaxCreditUtilization: 1.0,
		Active:               true,
	}
	if o.Category == "" && len(item.Categories) > 0 {
		o.Category = strings.TrimSpace(item.Categories[0])
	}

	var err error
	if o.MinIncome, err = floatField(fields, "min_income", 0); err != nil {
		return nil, fmt.Errorf("offer %s: %w", id, err)
	}
	if o.MaxCreditUtilization, err = floatField(fields, "max_credit_utilization", 1.0); err != nil {
		return nil, fmt.Errorf("offer %s: %w", id, err)
	}
	if o.RequiresNoExistingSavings, err = boolField(fields, "requires_no_existing_savings", false); err != nil {
		return nil, fmt.Errorf("offer %s: %w", id, err)
	}
	if o.RequiresNoExistingInvestment, err = boolField(fields, "requires_no_existing_investment", false); err != nil {
		return nil, fmt.Errorf("offer %s: %w", id, err)
	}
	if o.Active, err = boolField(fields, "active", true); err != nil {
		return nil, fmt.Errorf("offer %s: %w", id, err)
	}
	return o, nil
}

func extValue(fields map[string][]ext.Extension, name string) string {
	if v := fields[name]; len(v) > 0 {
		return strings.TrimSpace(v[0].Value)
	}
	return ""
}

func extValues(fields map[string][]ext.Extension, name string) []string {
	var out []string
	for _, e := range fields[name] {
		if v := strings.TrimSpace(e.Value); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func floatField(fields map[string][]ext.Extension, name string, def float64) (float64, error) {
	raw := extValue(fields, name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

func boolField(fields map[string][]ext.Extension, name string, def bool) (bool, error) {
	raw := extValue(fields, name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// stripHTML reduces feed markup to plain text with normalized whitespace.
func stripHTML(text string) string {
	s := html.UnescapeString(textPolicy.Sanitize(text))
	return strings.Join(strings.Fields(s), " ")
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())

	for _, prefix := range []string{"www.", "api.", "partners.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	name := host
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
