// Package ingest executes the per-unit fetch/extract/store pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/propwatch/listing-harvester/internal/fetcher/headless"
	"github.com/propwatch/listing-harvester/internal/fetcher/static"
	"github.com/propwatch/listing-harvester/internal/harvest"
	"github.com/propwatch/listing-harvester/internal/metrics"
)

// PageFetcher retrieves a static page.
type PageFetcher interface {
	Fetch(ctx context.Context, pageURL string, headers http.Header) (static.Page, error)
}

// PageRenderer renders a JavaScript-driven page in the shared browser.
type PageRenderer interface {
	Render(ctx context.Context, pageURL string, headers http.Header) (headless.RenderedPage, error)
}

// RenderDetector spots static responses that are client-rendered shells and
// should be refetched through the renderer.
type RenderDetector interface {
	ShouldPromote(statusCode int, body []byte) bool
}

// Extractor parses a raw unit payload into listings.
type Extractor interface {
	Extract(source string, payload []byte) ([]harvest.Listing, error)
}

// Pacer bounds the outbound request rate per host.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// IDGenerator mints listing IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Config controls Pipeline behavior.
type Config struct {
	Topic       string
	ContentType string
	BlobPrefix  string
	Headers     map[string]string
}

// Pipeline implements the unit fetch capability consumed by the driver:
// build the unit URL, pace, fetch (static or rendered), extract, upsert,
// snapshot, and publish newly created listings.
type Pipeline struct {
	static    PageFetcher
	renderer  PageRenderer
	detector  RenderDetector
	extractor Extractor
	listings  harvest.ListingStore
	snapshots harvest.BlobStore
	publisher harvest.Publisher
	pacer     Pacer
	hasher    harvest.Hasher
	ids       IDGenerator
	clock     harvest.Clock
	cfg       Config
	headers   http.Header
	logger    *zap.Logger
}

// New constructs a Pipeline.
func New(
	staticFetcher PageFetcher,
	renderer PageRenderer,
	detector RenderDetector,
	extractor Extractor,
	listings harvest.ListingStore,
	snapshots harvest.BlobStore,
	publisher harvest.Publisher,
	pacer Pacer,
	hasher harvest.Hasher,
	ids IDGenerator,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Pipeline, error) {
	if staticFetcher == nil {
		return nil, fmt.Errorf("static fetcher is required")
	}
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if listings == nil {
		return nil, fmt.Errorf("listing store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	headers := http.Header{}
	for key, value := range cfg.Headers {
		headers.Set(key, value)
	}

	return &Pipeline{
		static:    staticFetcher,
		renderer:  renderer,
		detector:  detector,
		extractor: extractor,
		listings:  listings,
		snapshots: snapshots,
		publisher: publisher,
		pacer:     pacer,
		hasher:    hasher,
		ids:       ids,
		clock:     clock,
		cfg:       cfg,
		headers:   headers,
		logger:    logger.Named("ingest"),
	}, nil
}

// FetchUnit processes one sub-region unit end to end. Errors surface to the
// driver, which logs them and skips the unit; storage stays consistent
// because upserts are idempotent and the unit is retried next cycle.
func (p *Pipeline) FetchUnit(ctx context.Context, req harvest.UnitRequest) (harvest.UnitResult, error) {
	start := time.Now()
	pageURL := buildUnitURL(req.Source.URLTemplate, req.RegionName, req.SubRegionName)

	if p.pacer != nil {
		if err := p.pacer.Wait(ctx, pageURL); err != nil {
			return harvest.UnitResult{}, fmt.Errorf("pace %s: %w", req.UnitKey, err)
		}
	}

	payload, status, err := p.fetchPage(ctx, req.Source, pageURL)
	if err != nil {
		return harvest.UnitResult{}, err
	}
	if status >= http.StatusBadRequest {
		return harvest.UnitResult{}, fmt.Errorf("fetch %s: source returned status %d", pageURL, status)
	}

	extracted, err := p.extractor.Extract(req.Source.Name, payload)
	if err != nil {
		return harvest.UnitResult{}, fmt.Errorf("extract unit %s: %w", req.UnitKey, err)
	}

	result := harvest.UnitResult{
		ListingsFound: len(extracted),
		SnapshotURI:   p.snapshot(ctx, req, payload),
	}

	for _, listing := range extracted {
		if listing.ExternalID == "" {
			p.logger.Warn("listing without external id dropped",
				zap.String("source", req.Source.Name),
				zap.String("unit", req.UnitKey),
				zap.String("url", listing.URL),
			)
			continue
		}
		created, err := p.storeListing(ctx, req, listing)
		if err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("store listing %s/%s: %w", req.Source.Name, listing.ExternalID, err)
		}
		if created {
			result.ListingsNew++
		} else {
			result.ListingsUpdated++
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

func (p *Pipeline) fetchPage(ctx context.Context, source harvest.Source, pageURL string) ([]byte, int, error) {
	if source.Render {
		if p.renderer == nil {
			return nil, 0, fmt.Errorf("source %s requires rendering but no renderer is configured", source.Name)
		}
		page, err := p.renderer.Render(ctx, pageURL, p.headers)
		if err != nil {
			return nil, 0, err
		}
		metrics.ObserveFetch(source.Name, metrics.ModeRendered, page.StatusCode, page.Duration)
		return page.HTML, page.StatusCode, nil
	}

	page, err := p.static.Fetch(ctx, pageURL, p.headers)
	if err != nil {
		return nil, 0, err
	}
	metrics.ObserveFetch(source.Name, metrics.ModeStatic, page.StatusCode, page.Duration)

	if rendered, ok := p.maybePromote(ctx, source, pageURL, page); ok {
		return rendered.HTML, rendered.StatusCode, nil
	}
	return page.Body, page.StatusCode, nil
}

// maybePromote redoes the fetch through the shared browser when the static
// body looks like an unrendered client-side shell. A failed promotion falls
// back to the static body rather than failing the unit.
func (p *Pipeline) maybePromote(ctx context.Context, source harvest.Source, pageURL string, page static.Page) (headless.RenderedPage, bool) {
	if p.detector == nil || p.renderer == nil {
		return headless.RenderedPage{}, false
	}
	if !p.detector.ShouldPromote(page.StatusCode, page.Body) {
		return headless.RenderedPage{}, false
	}

	rendered, err := p.renderer.Render(ctx, pageURL, p.headers)
	if err != nil {
		p.logger.Warn("render promotion failed, keeping static body",
			zap.String("source", source.Name),
			zap.String("url", pageURL),
			zap.Error(err),
		)
		return headless.RenderedPage{}, false
	}
	metrics.ObserveFetch(source.Name, metrics.ModeRendered, rendered.StatusCode, rendered.Duration)
	metrics.ObserveRenderPromotion(source.Name)
	p.logger.Info("static fetch promoted to browser render",
		zap.String("source", source.Name),
		zap.String("url", pageURL),
	)
	return rendered, true
}

func (p *Pipeline) storeListing(ctx context.Context, req harvest.UnitRequest, listing harvest.Listing) (bool, error) {
	listing.SourceName = req.Source.Name
	hash, err := p.hashListing(listing)
	if err != nil {
		return false, fmt.Errorf("hash listing: %w", err)
	}
	listing.ContentHash = hash

	if listing.ID == "" {
		id, err := p.ids.NewID()
		if err != nil {
			return false, fmt.Errorf("mint listing id: %w", err)
		}
		listing.ID = id
	}

	created, err := p.listings.Upsert(ctx, listing)
	if err != nil {
		return false, err
	}
	if created {
		p.publishCreated(ctx, listing)
	}
	return created, nil
}

// snapshot archives the raw payload. Archiving is best-effort: extraction
// already succeeded, so a blob failure must not fail the unit.
func (p *Pipeline) snapshot(ctx context.Context, req harvest.UnitRequest, payload []byte) string {
	if p.snapshots == nil {
		return ""
	}
	uri, err := p.snapshots.PutObject(ctx, p.buildBlobPath(req), p.cfg.ContentType, payload)
	if err != nil {
		p.logger.Warn("snapshot write failed",
			zap.String("source", req.Source.Name),
			zap.String("unit", req.UnitKey),
			zap.Error(err),
		)
		return ""
	}
	return uri
}

func (p *Pipeline) buildBlobPath(req harvest.UnitRequest) string {
	path := fmt.Sprintf("%s/cycle-%05d/%s.html", req.Source.Name, req.Cycle, req.UnitKey)
	prefix := strings.Trim(p.cfg.BlobPrefix, "/")
	if prefix == "" {
		return path
	}
	return prefix + "/" + path
}

// publishCreated emits the new-listing event. The store is authoritative;
// a publish failure is logged, not retried.
func (p *Pipeline) publishCreated(ctx context.Context, listing harvest.Listing) {
	if p.publisher == nil || p.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"listing_id":  listing.ID,
		"source":      listing.SourceName,
		"external_id": listing.ExternalID,
		"url":         listing.URL,
		"price":       listing.Price,
		"hash":        listing.ContentHash,
		"timestamp":   p.clock.Now().Format(time.RFC3339),
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.Topic, payload); err != nil {
		p.logger.Warn("listing event publish failed",
			zap.String("source", listing.SourceName),
			zap.String("external_id", listing.ExternalID),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("listing event published",
		zap.String("source", listing.SourceName),
		zap.String("external_id", listing.ExternalID),
	)
}

// listingDigest is the hashed subset of listing fields. Identity and
// bookkeeping fields are excluded so the hash changes only when the
// advertised content does.
type listingDigest struct {
	URL          string   `json:"url"`
	Address      string   `json:"address"`
	City         string   `json:"city"`
	Region       string   `json:"region"`
	PostalCode   string   `json:"postal_code"`
	Price        int64    `json:"price"`
	Beds         int      `json:"beds"`
	Baths        float64  `json:"baths"`
	SquareFeet   int      `json:"square_feet"`
	PropertyType string   `json:"property_type"`
	Description  string   `json:"description"`
	PhotoURLs    []string `json:"photo_urls"`
	AgentName    string   `json:"agent_name"`
	AgentPhone   string   `json:"agent_phone"`
	Brokerage    string   `json:"brokerage"`
}

func (p *Pipeline) hashListing(listing harvest.Listing) (string, error) {
	digest := listingDigest{
		URL:          listing.URL,
		Address:      listing.Address,
		City:         listing.City,
		Region:       listing.Region,
		PostalCode:   listing.PostalCode,
		Price:        listing.Price,
		Beds:         listing.Beds,
		Baths:        listing.Baths,
		SquareFeet:   listing.SquareFeet,
		PropertyType: listing.PropertyType,
		Description:  listing.Description,
		PhotoURLs:    listing.PhotoURLs,
		AgentName:    listing.AgentName,
		AgentPhone:   listing.AgentPhone,
		Brokerage:    listing.Brokerage,
	}
	data, err := json.Marshal(digest)
	if err != nil {
		return "", err
	}
	return p.hasher.Hash(data)
}

func buildUnitURL(template, region, subRegion string) string {
	replacer := strings.NewReplacer(
		"{region}", url.PathEscape(region),
		"{subregion}", url.PathEscape(subRegion),
	)
	return replacer.Replace(template)
}
