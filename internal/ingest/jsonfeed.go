package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/propwatch/listing-harvester/internal/harvest"
)

// feedWrapperKeys are tried in order when a feed payload is a JSON object
// rather than a bare array.
var feedWrapperKeys = []string{"listings", "results", "items", "data"}

// JSONFeedExtractor parses listing feeds delivered as JSON: either an API
// response (bare array or object wrapping an array) or a rendered page
// that embeds the feed in a <script type="application/json"> island.
// Vendor-specific HTML scraping belongs in a separate Extractor.
type JSONFeedExtractor struct{}

// NewJSONFeedExtractor returns the shared feed extractor.
func NewJSONFeedExtractor() *JSONFeedExtractor {
	return &JSONFeedExtractor{}
}

// feedListing is the wire shape of one feed entry.
type feedListing struct {
	ID           string   `json:"id"`
	ExternalID   string   `json:"external_id"`
	URL          string   `json:"url"`
	Address      string   `json:"address"`
	City         string   `json:"city"`
	Region       string   `json:"region"`
	PostalCode   string   `json:"postal_code"`
	Price        float64  `json:"price"`
	Beds         int      `json:"beds"`
	Baths        float64  `json:"baths"`
	SquareFeet   int      `json:"square_feet"`
	PropertyType string   `json:"property_type"`
	Description  string   `json:"description"`
	Photos       []string `json:"photos"`
	AgentName    string   `json:"agent_name"`
	AgentPhone   string   `json:"agent_phone"`
	Brokerage    string   `json:"brokerage"`
}

// Extract decodes the payload into listings for the named source.
func (e *JSONFeedExtractor) Extract(source string, payload []byte) ([]harvest.Listing, error) {
	raw := bytes.TrimSpace(payload)
	if len(raw) == 0 {
		return nil, errors.New("empty payload")
	}

	var (
		entries []feedListing
		err     error
	)
	if raw[0] == '<' {
		entries, err = decodeEmbeddedFeed(raw)
	} else {
		entries, err = decodeFeed(raw)
	}
	if err != nil {
		return nil, err
	}

	listings := make([]harvest.Listing, 0, len(entries))
	for _, entry := range entries {
		externalID := entry.ExternalID
		if externalID == "" {
			externalID = entry.ID
		}
		listings = append(listings, harvest.Listing{
			SourceName:   source,
			ExternalID:   externalID,
			URL:          entry.URL,
			Address:      entry.Address,
			City:         entry.City,
			Region:       entry.Region,
			PostalCode:   entry.PostalCode,
			Price:        int64(math.Round(entry.Price)),
			Beds:         entry.Beds,
			Baths:        entry.Baths,
			SquareFeet:   entry.SquareFeet,
			PropertyType: entry.PropertyType,
			Description:  entry.Description,
			PhotoURLs:    entry.Photos,
			AgentName:    entry.AgentName,
			AgentPhone:   entry.AgentPhone,
			Brokerage:    entry.Brokerage,
		})
	}
	return listings, nil
}

func decodeFeed(raw []byte) ([]feedListing, error) {
	switch raw[0] {
	case '[':
		var entries []feedListing
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("decode feed array: %w", err)
		}
		return entries, nil
	case '{':
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return nil, fmt.Errorf("decode feed object: %w", err)
		}
		for _, key := range feedWrapperKeys {
			child, ok := wrapper[key]
			if !ok {
				continue
			}
			var entries []feedListing
			if err := json.Unmarshal(child, &entries); err != nil {
				return nil, fmt.Errorf("decode feed field %q: %w", key, err)
			}
			return entries, nil
		}
		return nil, fmt.Errorf("feed object carries none of %v", feedWrapperKeys)
	default:
		return nil, errors.New("payload is neither JSON nor HTML")
	}
}

// decodeEmbeddedFeed scans a rendered page for JSON script islands and
// returns the first one that decodes as a listing feed.
func decodeEmbeddedFeed(page []byte) ([]feedListing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse rendered page: %w", err)
	}

	var (
		entries []feedListing
		found   bool
	)
	doc.Find(`script[type="application/json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := strings.TrimSpace(sel.Text())
		if text == "" {
			return true
		}
		decoded, err := decodeFeed([]byte(text))
		if err != nil {
			return true
		}
		entries = decoded
		found = true
		return false
	})
	if !found {
		return nil, errors.New("rendered page embeds no JSON listing feed")
	}
	return entries, nil
}
