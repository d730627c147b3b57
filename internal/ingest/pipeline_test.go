package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/propwatch/listing-harvester/internal/fetcher/headless"
	"github.com/propwatch/listing-harvester/internal/fetcher/static"
	"github.com/propwatch/listing-harvester/internal/harvest"
	"github.com/propwatch/listing-harvester/internal/headless/detector"
	"github.com/propwatch/listing-harvester/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

const staticFeed = `[
	{"id": "NOR-100", "url": "https://norstad.example/l/100", "address": "Kirkegata 12", "city": "Trondheim", "region": "midt", "price": 4500000, "beds": 3, "baths": 1.5, "square_feet": 1180},
	{"id": "NOR-101", "url": "https://norstad.example/l/101", "address": "Olav Tryggvasons gate 8", "city": "Trondheim", "region": "midt", "price": 6200000, "beds": 4, "baths": 2, "square_feet": 1540}
]`

func staticUnitRequest() harvest.UnitRequest {
	return harvest.UnitRequest{
		Source: harvest.Source{
			Name:        "norstad",
			URLTemplate: "https://norstad.example/listings/{region}/{subregion}",
		},
		RegionIndex:    0,
		SubRegionIndex: 1,
		RegionName:     "midt",
		SubRegionName:  "trondheim",
		UnitKey:        "0-1",
		Cycle:          3,
	}
}

func TestPipelineFetchUnitStaticFlow(t *testing.T) {
	t.Parallel()

	req := staticUnitRequest()
	pageURL := "https://norstad.example/listings/midt/trondheim"

	fetcher := &fakeStaticFetcher{
		pages: map[string]static.Page{
			pageURL: {
				URL:        pageURL,
				StatusCode: http.StatusOK,
				Body:       []byte(staticFeed),
				Duration:   12 * time.Millisecond,
			},
		},
	}
	listings := &fakeListingStore{existing: map[string]bool{"NOR-101": true}}
	blobs := newFakeBlobStore()
	publisher := newFakePublisher()
	pacer := &fakePacer{}
	ids := &fakeIDs{}

	p, err := New(
		fetcher,
		nil,
		nil,
		NewJSONFeedExtractor(),
		listings,
		blobs,
		publisher,
		pacer,
		&fakeHasher{hash: "h1"},
		ids,
		&fakeClock{now: time.Unix(1700000000, 0).UTC()},
		Config{Topic: "new-listings", BlobPrefix: "snapshots"},
		zap.NewNop(),
	)
	require.NoError(t, err)

	result, err := p.FetchUnit(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, 2, result.ListingsFound)
	require.Equal(t, 1, result.ListingsNew)
	require.Equal(t, 1, result.ListingsUpdated)
	require.Equal(t, "memory://snapshots/norstad/cycle-00003/0-1.html", result.SnapshotURI)

	require.Equal(t, []string{pageURL}, pacer.waits)
	require.Equal(t, "snapshots/norstad/cycle-00003/0-1.html", blobs.lastPath)

	require.Len(t, listings.upserts, 2)
	for _, stored := range listings.upserts {
		require.Equal(t, "norstad", stored.SourceName)
		require.Equal(t, "h1", stored.ContentHash)
		require.NotEmpty(t, stored.ID)
	}

	require.Len(t, publisher.messages, 1)
	require.Equal(t, "NOR-100", publisher.messages[0]["external_id"])
	require.Equal(t, "norstad", publisher.messages[0]["source"])
}

func TestPipelineFetchUnitRenderedFlow(t *testing.T) {
	t.Parallel()

	req := harvest.UnitRequest{
		Source: harvest.Source{
			Name:        "vistahome",
			URLTemplate: "https://app.vistahome.example/map/{region}/{subregion}",
			Render:      true,
		},
		RegionName:    "vest",
		SubRegionName: "bergen",
		UnitKey:       "1-0",
		Cycle:         1,
	}
	pageURL := "https://app.vistahome.example/map/vest/bergen"
	renderedPage := `<html><head><script type="application/json">{"listings": [{"id": "VH-200", "url": "https://app.vistahome.example/l/200", "city": "Bergen", "price": 3900000}]}</script></head><body>app shell</body></html>`

	fetcher := &fakeStaticFetcher{}
	renderer := &fakeRenderer{
		pages: map[string]headless.RenderedPage{
			pageURL: {
				URL:        pageURL,
				StatusCode: http.StatusOK,
				HTML:       []byte(renderedPage),
				Duration:   80 * time.Millisecond,
			},
		},
	}
	listings := &fakeListingStore{}
	publisher := newFakePublisher()

	p, err := New(
		fetcher,
		renderer,
		nil,
		NewJSONFeedExtractor(),
		listings,
		newFakeBlobStore(),
		publisher,
		&fakePacer{},
		&fakeHasher{hash: "h2"},
		&fakeIDs{},
		&fakeClock{now: time.Unix(1700000000, 0).UTC()},
		Config{Topic: "new-listings"},
		zap.NewNop(),
	)
	require.NoError(t, err)

	result, err := p.FetchUnit(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, 1, result.ListingsFound)
	require.Equal(t, 1, result.ListingsNew)
	require.Empty(t, fetcher.calls, "rendered source must not use the static fetcher")
	require.Len(t, publisher.messages, 1)
	require.Equal(t, "VH-200", publisher.messages[0]["external_id"])
}

func TestPipelineFetchUnitPromotesShellToRender(t *testing.T) {
	t.Parallel()

	req := staticUnitRequest()
	pageURL := "https://norstad.example/listings/midt/trondheim"

	fetcher := &fakeStaticFetcher{
		pages: map[string]static.Page{
			pageURL: {
				URL:        pageURL,
				StatusCode: http.StatusOK,
				Body:       []byte(`<html><body><div id="__next"></div><script src="/bundle.js"></script></body></html>`),
			},
		},
	}
	renderer := &fakeRenderer{
		pages: map[string]headless.RenderedPage{
			pageURL: {
				URL:        pageURL,
				StatusCode: http.StatusOK,
				HTML:       []byte(`<html><head><script type="application/json">` + staticFeed + `</script></head><body>rendered</body></html>`),
				Duration:   60 * time.Millisecond,
			},
		},
	}
	listings := &fakeListingStore{}

	p, err := New(
		fetcher,
		renderer,
		detector.NewHeuristic(2048),
		NewJSONFeedExtractor(),
		listings,
		nil,
		nil,
		&fakePacer{},
		&fakeHasher{hash: "h7"},
		&fakeIDs{},
		&fakeClock{now: time.Now()},
		Config{},
		zap.NewNop(),
	)
	require.NoError(t, err)

	result, err := p.FetchUnit(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, 2, result.ListingsFound, "listings must come from the rendered body")
	require.Equal(t, []string{pageURL}, fetcher.calls, "promotion still probes statically first")
	require.Equal(t, []string{pageURL}, renderer.calls)
}

func TestPipelineFetchUnitPromotionFailureKeepsStaticBody(t *testing.T) {
	t.Parallel()

	req := staticUnitRequest()
	pageURL := "https://norstad.example/listings/midt/trondheim"

	fetcher := &fakeStaticFetcher{
		pages: map[string]static.Page{
			pageURL: {
				URL:        pageURL,
				StatusCode: http.StatusOK,
				Body:       []byte(`<html><body><script type="application/json">` + staticFeed + `</script></body></html>`),
			},
		},
	}
	renderer := &fakeRenderer{err: errors.New("browser went away")}

	p, err := New(
		fetcher,
		renderer,
		promoteAlways{},
		NewJSONFeedExtractor(),
		&fakeListingStore{},
		nil,
		nil,
		&fakePacer{},
		&fakeHasher{hash: "h8"},
		&fakeIDs{},
		&fakeClock{now: time.Now()},
		Config{},
		zap.NewNop(),
	)
	require.NoError(t, err)

	result, err := p.FetchUnit(context.Background(), req)
	require.NoError(t, err, "a failed promotion must not fail the unit")
	require.Equal(t, 2, result.ListingsFound)
	require.Len(t, renderer.calls, 1)
}

func TestPipelineFetchUnitRenderRequiresRenderer(t *testing.T) {
	t.Parallel()

	req := staticUnitRequest()
	req.Source.Render = true

	p, err := New(
		&fakeStaticFetcher{},
		nil,
		nil,
		NewJSONFeedExtractor(),
		&fakeListingStore{},
		nil,
		nil,
		nil,
		&fakeHasher{},
		&fakeIDs{},
		&fakeClock{now: time.Now()},
		Config{},
		zap.NewNop(),
	)
	require.NoError(t, err)

	_, err = p.FetchUnit(context.Background(), req)
	require.ErrorContains(t, err, "no renderer is configured")
}

func TestPipelineFetchUnitErrorStatusFailsUnit(t *testing.T) {
	t.Parallel()

	req := staticUnitRequest()
	pageURL := "https://norstad.example/listings/midt/trondheim"
	fetcher := &fakeStaticFetcher{
		pages: map[string]static.Page{
			pageURL: {URL: pageURL, StatusCode: http.StatusServiceUnavailable, Body: []byte("maintenance")},
		},
	}

	p, err := New(
		fetcher,
		nil,
		nil,
		NewJSONFeedExtractor(),
		&fakeListingStore{},
		nil,
		nil,
		nil,
		&fakeHasher{},
		&fakeIDs{},
		&fakeClock{now: time.Now()},
		Config{},
		zap.NewNop(),
	)
	require.NoError(t, err)

	_, err = p.FetchUnit(context.Background(), req)
	require.ErrorContains(t, err, "status 503")
}

func TestPipelineFetchUnitExtractErrorFailsUnit(t *testing.T) {
	t.Parallel()

	req := staticUnitRequest()
	pageURL := "https://norstad.example/listings/midt/trondheim"
	fetcher := &fakeStaticFetcher{
		pages: map[string]static.Page{
			pageURL: {URL: pageURL, StatusCode: http.StatusOK, Body: []byte("not a feed")},
		},
	}
	listings := &fakeListingStore{}

	p, err := New(
		fetcher,
		nil,
		nil,
		NewJSONFeedExtractor(),
		listings,
		nil,
		nil,
		nil,
		&fakeHasher{},
		&fakeIDs{},
		&fakeClock{now: time.Now()},
		Config{},
		zap.NewNop(),
	)
	require.NoError(t, err)

	_, err = p.FetchUnit(context.Background(), req)
	require.ErrorContains(t, err, "extract unit 0-1")
	require.Empty(t, listings.upserts)
}

func TestPipelineFetchUnitSnapshotFailureIsSoft(t *testing.T) {
	t.Parallel()

	req := staticUnitRequest()
	pageURL := "https://norstad.example/listings/midt/trondheim"
	fetcher := &fakeStaticFetcher{
		pages: map[string]static.Page{
			pageURL: {URL: pageURL, StatusCode: http.StatusOK, Body: []byte(staticFeed)},
		},
	}
	blobs := newFakeBlobStore()
	blobs.err = errors.New("bucket offline")

	p, err := New(
		fetcher,
		nil,
		nil,
		NewJSONFeedExtractor(),
		&fakeListingStore{},
		blobs,
		nil,
		nil,
		&fakeHasher{hash: "h3"},
		&fakeIDs{},
		&fakeClock{now: time.Now()},
		Config{BlobPrefix: "snapshots"},
		zap.NewNop(),
	)
	require.NoError(t, err)

	result, err := p.FetchUnit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 2, result.ListingsFound)
	require.Empty(t, result.SnapshotURI)
}

func TestPipelineFetchUnitPublishFailureIsSoft(t *testing.T) {
	t.Parallel()

	req := staticUnitRequest()
	pageURL := "https://norstad.example/listings/midt/trondheim"
	fetcher := &fakeStaticFetcher{
		pages: map[string]static.Page{
			pageURL: {URL: pageURL, StatusCode: http.StatusOK, Body: []byte(staticFeed)},
		},
	}
	publisher := newFakePublisher()
	publisher.err = errors.New("pubsub unavailable")
	listings := &fakeListingStore{}

	p, err := New(
		fetcher,
		nil,
		nil,
		NewJSONFeedExtractor(),
		listings,
		nil,
		publisher,
		nil,
		&fakeHasher{hash: "h4"},
		&fakeIDs{},
		&fakeClock{now: time.Now()},
		Config{Topic: "new-listings"},
		zap.NewNop(),
	)
	require.NoError(t, err)

	result, err := p.FetchUnit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 2, result.ListingsNew)
	require.Len(t, listings.upserts, 2)
	require.Empty(t, publisher.messages)
}

func TestPipelineFetchUnitUpsertErrorFailsUnit(t *testing.T) {
	t.Parallel()

	req := staticUnitRequest()
	pageURL := "https://norstad.example/listings/midt/trondheim"
	fetcher := &fakeStaticFetcher{
		pages: map[string]static.Page{
			pageURL: {URL: pageURL, StatusCode: http.StatusOK, Body: []byte(staticFeed)},
		},
	}
	listings := &fakeListingStore{err: errors.New("connection reset")}

	p, err := New(
		fetcher,
		nil,
		nil,
		NewJSONFeedExtractor(),
		listings,
		nil,
		nil,
		nil,
		&fakeHasher{hash: "h5"},
		&fakeIDs{},
		&fakeClock{now: time.Now()},
		Config{},
		zap.NewNop(),
	)
	require.NoError(t, err)

	_, err = p.FetchUnit(context.Background(), req)
	require.ErrorContains(t, err, "store listing norstad/NOR-100")
}

func TestPipelineFetchUnitDropsListingWithoutExternalID(t *testing.T) {
	t.Parallel()

	req := staticUnitRequest()
	pageURL := "https://norstad.example/listings/midt/trondheim"
	fetcher := &fakeStaticFetcher{
		pages: map[string]static.Page{
			pageURL: {
				URL:        pageURL,
				StatusCode: http.StatusOK,
				Body:       []byte(`[{"url": "https://norstad.example/l/anon", "price": 100}, {"id": "NOR-300", "price": 200}]`),
			},
		},
	}
	listings := &fakeListingStore{}

	p, err := New(
		fetcher,
		nil,
		nil,
		NewJSONFeedExtractor(),
		listings,
		nil,
		nil,
		nil,
		&fakeHasher{hash: "h6"},
		&fakeIDs{},
		&fakeClock{now: time.Now()},
		Config{},
		zap.NewNop(),
	)
	require.NoError(t, err)

	result, err := p.FetchUnit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 2, result.ListingsFound)
	require.Equal(t, 1, result.ListingsNew)
	require.Len(t, listings.upserts, 1)
	require.Equal(t, "NOR-300", listings.upserts[0].ExternalID)
}

func TestBuildUnitURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		template  string
		region    string
		subRegion string
		want      string
	}{
		{
			name:      "plain",
			template:  "https://norstad.example/listings/{region}/{subregion}",
			region:    "midt",
			subRegion: "trondheim",
			want:      "https://norstad.example/listings/midt/trondheim",
		},
		{
			name:      "escapes non-ascii",
			template:  "https://norstad.example/listings/{region}/{subregion}",
			region:    "Trøndelag",
			subRegion: "Stjørdal",
			want:      "https://norstad.example/listings/Tr%C3%B8ndelag/Stj%C3%B8rdal",
		},
		{
			name:      "escapes spaces",
			template:  "https://vistahome.example/q?area={subregion}&parent={region}",
			region:    "bay area",
			subRegion: "san jose",
			want:      "https://vistahome.example/q?area=san%20jose&parent=bay%20area",
		},
		{
			name:      "placeholder reuse",
			template:  "https://feed.example/{region}/{region}/{subregion}",
			region:    "a",
			subRegion: "b",
			want:      "https://feed.example/a/a/b",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := buildUnitURL(tc.template, tc.region, tc.subRegion)
			require.Equal(t, tc.want, got)
		})
	}
}

// --- fakes ---

type promoteAlways struct{}

func (promoteAlways) ShouldPromote(int, []byte) bool { return true }

type fakeStaticFetcher struct {
	mu    sync.Mutex
	calls []string
	pages map[string]static.Page
	err   error
}

func (f *fakeStaticFetcher) Fetch(_ context.Context, pageURL string, _ http.Header) (static.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, pageURL)
	f.mu.Unlock()
	if f.err != nil {
		return static.Page{}, f.err
	}
	page, ok := f.pages[pageURL]
	if !ok {
		return static.Page{}, fmt.Errorf("no fake page for %s", pageURL)
	}
	return page, nil
}

type fakeRenderer struct {
	mu    sync.Mutex
	calls []string
	pages map[string]headless.RenderedPage
	err   error
}

func (f *fakeRenderer) Render(_ context.Context, pageURL string, _ http.Header) (headless.RenderedPage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, pageURL)
	f.mu.Unlock()
	if f.err != nil {
		return headless.RenderedPage{}, f.err
	}
	page, ok := f.pages[pageURL]
	if !ok {
		return headless.RenderedPage{}, fmt.Errorf("no fake render for %s", pageURL)
	}
	return page, nil
}

type fakeListingStore struct {
	mu       sync.Mutex
	upserts  []harvest.Listing
	existing map[string]bool
	err      error
	pending  int64
}

func (s *fakeListingStore) Upsert(_ context.Context, listing harvest.Listing) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, listing)
	return !s.existing[listing.ExternalID], nil
}

func (s *fakeListingStore) PendingCount(context.Context) (int64, error) {
	return s.pending, nil
}

type fakeBlobStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	lastPath string
	err      error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (b *fakeBlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = append([]byte(nil), data...)
	b.lastPath = path
	return "memory://" + path, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []map[string]any
	err      error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{}
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := payload.(map[string]any); ok {
		p.messages = append(p.messages, m)
	}
	return "msgid", nil
}

type fakePacer struct {
	mu    sync.Mutex
	waits []string
	err   error
}

func (p *fakePacer) Wait(_ context.Context, rawURL string) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits = append(p.waits, rawURL)
	return nil
}

type fakeHasher struct {
	hash string
	err  error
}

func (h *fakeHasher) Hash(data []byte) (string, error) {
	if h.err != nil {
		return "", h.err
	}
	if h.hash != "" {
		return h.hash, nil
	}
	return string(data), nil
}

type fakeIDs struct {
	mu   sync.Mutex
	next int
	err  error
}

func (g *fakeIDs) NewID() (string, error) {
	if g.err != nil {
		return "", g.err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("lid-%04d", g.next), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}
