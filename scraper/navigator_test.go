package scraper

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"inspire-scraper/config"
	"inspire-scraper/fetcher"
	"inspire-scraper/models"
	"inspire-scraper/scraper/scrapertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const entryPage = `<html><body><form method="post">
<input type="hidden" name="__VIEWSTATE" value="/wEPDwUKMTY3" />
<input type="hidden" name="__VIEWSTATEGENERATOR" value="CA0B0334" />
<input type="hidden" name="__EVENTVALIDATION" value="/wEdAAe" />
</form></body></html>`

// stubFetcher answers every call with the same body and counts calls
type stubFetcher struct {
	mu    sync.Mutex
	body  string
	err   error
	calls int
}

func (f *stubFetcher) Send(ctx context.Context, method, rawURL string, form url.Values) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.body), nil
}

func (f *stubFetcher) Close() error { return nil }

func (f *stubFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingObserver struct {
	NopObserver
	mu     sync.Mutex
	errors []StepError
}

func (o *recordingObserver) OnError(e StepError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, e)
}

func (o *recordingObserver) Errors() []StepError {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]StepError(nil), o.errors...)
}

func testSite() scrapertest.Site {
	return scrapertest.Site{
		Regions: map[string]scrapertest.Region{
			"16": {
				Name: "Kerala",
				Subregions: map[string]scrapertest.Subregion{
					"201": {
						Name: "Idukki",
						Leaves: map[string]scrapertest.Leaf{
							"9001": {Name: "GHS Adimali", Rows: [][5]string{
								{"GHS Adimali", "Anita Joseph", "9446000001", "anita@example.org", "APP-1"},
								{"GHS Adimali", "", "", "", "APP-2"},
							}},
							"9002": {Name: "GVHSS Munnar"},
						},
					},
					"202": {Name: "Kollam"},
				},
			},
			"17": {Name: "Lakshadweep"},
		},
	}
}

func newServerSession(t *testing.T, site scrapertest.Site, opts ...Option) (*Session, *scrapertest.Server) {
	t.Helper()
	srv := scrapertest.NewServer(site)
	t.Cleanup(srv.Close)

	s, err := NewSession(srv.Config(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown() })
	return s, srv
}

func TestSelectRegionBeforeModeDoesNotCallTransport(t *testing.T) {
	stub := &stubFetcher{body: entryPage}
	s, err := NewSession(config.GetDefaultConfig(), WithFetcher(stub))
	require.NoError(t, err)

	_, err = s.SelectRegion(context.Background(), "16")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 0, stub.Calls())

	require.NoError(t, s.Initialize(context.Background()))
	_, err = s.SelectRegion(context.Background(), "16")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, stub.Calls())
	assert.Equal(t, StateInitialized, s.State())

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepSelectRegion, stepErr.Step)
}

func TestInitializeOnlyFromFresh(t *testing.T) {
	stub := &stubFetcher{body: entryPage}
	s, err := NewSession(config.GetDefaultConfig(), WithFetcher(stub))
	require.NoError(t, err)

	require.NoError(t, s.Initialize(context.Background()))
	err = s.Initialize(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, stub.Calls())
}

func TestInitializeIdenticalPagesYieldIdenticalTokens(t *testing.T) {
	var tokens []models.TokenSet
	for i := 0; i < 2; i++ {
		s, err := NewSession(config.GetDefaultConfig(), WithFetcher(&stubFetcher{body: entryPage}))
		require.NoError(t, err)
		require.NoError(t, s.Initialize(context.Background()))
		tokens = append(tokens, s.Tokens())
	}

	assert.Equal(t, tokens[0], tokens[1])
	assert.Equal(t, models.TokenSet{
		ViewState:          "/wEPDwUKMTY3",
		EventValidation:    "/wEdAAe",
		ViewStateGenerator: "CA0B0334",
	}, tokens[0])
}

func TestInitializeMalformedPage(t *testing.T) {
	stub := &stubFetcher{body: "<html><body>Runtime Error</body></html>"}
	s, err := NewSession(config.GetDefaultConfig(), WithFetcher(stub))
	require.NoError(t, err)

	err = s.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize failed")
	assert.Equal(t, StateFresh, s.State())
}

func TestWalkToContacts(t *testing.T) {
	s, srv := newServerSession(t, testSite())
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx))

	regions, err := s.SelectMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.OptionMap{"16": "Kerala", "17": "Lakshadweep"}, regions)

	subregions, err := s.SelectRegion(ctx, "16")
	require.NoError(t, err)
	assert.Equal(t, models.OptionMap{"201": "Idukki", "202": "Kollam"}, subregions)

	leaves, err := s.SelectSubregion(ctx, "16", "201")
	require.NoError(t, err)
	assert.Equal(t, models.OptionMap{"9001": "GHS Adimali", "9002": "GVHSS Munnar"}, leaves)

	records, err := s.SubmitLeaf(ctx, "16", "201", "9001")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.ContactRecord{
		Region:            "Kerala",
		Subregion:         "Idukki",
		Entity:            "GHS Adimali",
		ContactName:       "Anita Joseph",
		Mobile:            "9446000001",
		Email:             "anita@example.org",
		ApplicationNumber: "APP-1",
	}, records[0])

	// a leaf without a grid is success with no records
	records, err = s.SubmitLeaf(ctx, "16", "201", "9002")
	require.NoError(t, err)
	assert.Empty(t, records)

	assert.Equal(t, StateSubmitted, s.State())
	assert.Equal(t, models.NavigationContext{Mode: "2", RegionID: "16", SubregionID: "201", LeafID: "9002"}, s.Context())

	form := config.DefaultForm()
	posts := srv.Posts()
	require.Len(t, posts, 5)
	last := posts[4]
	assert.Equal(t, form.SubmitTarget, last.Get("__EVENTTARGET"))
	assert.Equal(t, "true", last.Get("__ASYNCPOST"))
	assert.Equal(t, "2", last.Get(form.ModeField))
	assert.Equal(t, "16", last.Get(form.RegionField))
	assert.Equal(t, "201", last.Get(form.SubregionField))
	assert.Equal(t, "9002", last.Get(form.LeafField))
	assert.Empty(t, posts[1].Get(form.SubregionField))
}

func tokensOf(form url.Values) models.TokenSet {
	return models.TokenSet{
		ViewState:          form.Get(models.FieldViewState),
		EventValidation:    form.Get(models.FieldEventValidation),
		ViewStateGenerator: form.Get(models.FieldViewStateGenerator),
	}
}

func TestPostbacksEchoPreviousResponseTokens(t *testing.T) {
	s, srv := newServerSession(t, testSite())
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx))
	_, err := s.SelectMode(ctx)
	require.NoError(t, err)
	_, err = s.SelectRegion(ctx, "16")
	require.NoError(t, err)
	_, err = s.SelectSubregion(ctx, "16", "201")
	require.NoError(t, err)
	_, err = s.SubmitLeaf(ctx, "16", "201", "9001")
	require.NoError(t, err)
	_, err = s.SubmitLeaf(ctx, "16", "201", "9002")
	require.NoError(t, err)

	posts := srv.Posts()
	issued := srv.Issued()
	require.Len(t, posts, 5)
	require.Len(t, issued, 6)

	// post N carries exactly what response N-1 issued, the entry page being response 0
	for i, post := range posts {
		assert.Equal(t, issued[i], tokensOf(post), "post %d", i+1)
	}
	assert.Equal(t, issued[5], s.Tokens())
}

func TestIncompleteResponseTokensAreNotEchoed(t *testing.T) {
	site := testSite()
	site.OmitTokenOnce = map[string]bool{"201": true}
	s, srv := newServerSession(t, site)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx))
	_, err := s.SelectMode(ctx)
	require.NoError(t, err)
	_, err = s.SelectRegion(ctx, "16")
	require.NoError(t, err)
	_, err = s.SelectSubregion(ctx, "16", "201")
	require.True(t, IsIncompleteTokenUpdate(err))
	_, err = s.SelectSubregion(ctx, "16", "201")
	require.NoError(t, err)
	_, err = s.SubmitLeaf(ctx, "16", "201", "9001")
	require.NoError(t, err)

	posts := srv.Posts()
	issued := srv.Issued()
	require.Len(t, posts, 5)
	require.Len(t, issued, 6)
	assert.Empty(t, issued[3].EventValidation)

	// the retry resends the last complete set, not the incomplete one
	assert.Equal(t, issued[2], tokensOf(posts[2]))
	assert.Equal(t, issued[2], tokensOf(posts[3]))
	assert.Equal(t, issued[4], tokensOf(posts[4]))
}

func TestIncompleteTokenUpdateKeepsState(t *testing.T) {
	site := testSite()
	site.OmitTokenOnce = map[string]bool{"201": true}
	s, _ := newServerSession(t, site)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx))
	_, err := s.SelectMode(ctx)
	require.NoError(t, err)
	_, err = s.SelectRegion(ctx, "16")
	require.NoError(t, err)

	before := s.Tokens()
	beforeCtx := s.Context()

	_, err = s.SelectSubregion(ctx, "16", "201")
	require.Error(t, err)
	assert.True(t, IsIncompleteTokenUpdate(err))
	assert.Equal(t, StateRegionSelected, s.State())
	assert.Equal(t, before, s.Tokens())
	assert.Equal(t, beforeCtx, s.Context())

	// the retained tokens are still accepted
	leaves, err := s.SelectSubregion(ctx, "16", "201")
	require.NoError(t, err)
	assert.Len(t, leaves, 2)
	assert.NotEqual(t, before, s.Tokens())
}

func TestTransportFailureKeepsState(t *testing.T) {
	site := testSite()
	site.FailStatus = map[string]int{"9001": 503}
	s, srv := newServerSession(t, site)
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx))
	_, err := s.SelectMode(ctx)
	require.NoError(t, err)
	_, err = s.SelectRegion(ctx, "16")
	require.NoError(t, err)
	_, err = s.SelectSubregion(ctx, "16", "201")
	require.NoError(t, err)

	hits := srv.Hits()
	_, err = s.SubmitLeaf(ctx, "16", "201", "9001")

	var transportErr *fetcher.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, 503, transportErr.StatusCode)
	assert.Equal(t, 3, transportErr.Attempts)
	assert.Equal(t, hits+3, srv.Hits())
	assert.Equal(t, StateSubregionSelected, s.State())

	records, err := s.SubmitLeaf(ctx, "16", "201", "9002")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRemoteErrorRecord(t *testing.T) {
	site := testSite()
	site.ServerError = map[string]string{"16": "Invalid postback or callback argument"}
	obs := &recordingObserver{}
	s, _ := newServerSession(t, site, WithObserver(obs))
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx))
	_, err := s.SelectMode(ctx)
	require.NoError(t, err)

	_, err = s.SelectRegion(ctx, "16")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "Invalid postback")
	assert.Equal(t, StateModeSelected, s.State())

	errs := obs.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, StepSelectRegion, errs[0].Step)
	assert.Equal(t, "16", errs[0].Context.RegionID)
}

func TestSelectionChainGuards(t *testing.T) {
	s, srv := newServerSession(t, testSite())
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx))
	_, err := s.SelectMode(ctx)
	require.NoError(t, err)
	_, err = s.SelectRegion(ctx, "16")
	require.NoError(t, err)

	hits := srv.Hits()

	_, err = s.SubmitLeaf(ctx, "16", "201", "9001")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.SelectSubregion(ctx, "17", "201")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.SelectRegion(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.SelectSubregion(ctx, "16", "201")
	require.NoError(t, err)

	_, err = s.SubmitLeaf(ctx, "16", "202", "9001")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, hits+1, srv.Hits())
}

func TestStepEvents(t *testing.T) {
	events := make(chan StepEvent, 8)
	s, _ := newServerSession(t, testSite(), WithEvents(events), WithRunID("run-1"))
	ctx := context.Background()

	require.NoError(t, s.Initialize(ctx))
	_, err := s.SelectMode(ctx)
	require.NoError(t, err)
	_, err = s.SelectRegion(ctx, "16")
	require.NoError(t, err)
	_, err = s.SelectSubregion(ctx, "16", "201")
	require.NoError(t, err)
	_, err = s.SubmitLeaf(ctx, "16", "201", "9001")
	require.NoError(t, err)
	close(events)

	var got []StepEvent
	for e := range events {
		got = append(got, e)
	}
	require.Len(t, got, 5)

	assert.Equal(t, StepInitialize, got[0].Step)
	assert.Equal(t, StateFresh, got[0].From)
	assert.Equal(t, StateInitialized, got[0].To)
	assert.Equal(t, 2, got[1].Options)
	assert.Equal(t, StepSubmitLeaf, got[4].Step)
	assert.Equal(t, 1, got[4].Records)
	assert.Equal(t, "9001", got[4].Context.LeafID)
	for _, e := range got {
		assert.Equal(t, "run-1", e.RunID)
	}
}

func TestUndrainedEventsDoNotBlock(t *testing.T) {
	events := make(chan StepEvent, 1)
	s, _ := newServerSession(t, testSite(), WithEvents(events))

	done := make(chan error, 1)
	go func() {
		ctx := context.Background()
		if err := s.Initialize(ctx); err != nil {
			done <- err
			return
		}
		if _, err := s.SelectMode(ctx); err != nil {
			done <- err
			return
		}
		_, err := s.SelectRegion(ctx, "16")
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session blocked on a full events channel")
	}

	assert.Equal(t, StateRegionSelected, s.State())
	assert.Equal(t, int64(2), s.DroppedEvents())
	assert.Equal(t, StepInitialize, (<-events).Step)
}

func TestCancelledContextSkipsTransport(t *testing.T) {
	stub := &stubFetcher{body: entryPage}
	s, err := NewSession(config.GetDefaultConfig(), WithFetcher(stub))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = s.Initialize(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, stub.Calls())
	assert.Equal(t, StateFresh, s.State())
}

func TestLearnRegionsLabelsRecords(t *testing.T) {
	site := testSite()
	s, _ := newServerSession(t, site)
	ctx := context.Background()

	s.LearnRegions(models.OptionMap{"16": "KERALA (static)"})
	require.NoError(t, s.Initialize(ctx))
	_, err := s.SelectMode(ctx)
	require.NoError(t, err)
	_, err = s.SelectRegion(ctx, "16")
	require.NoError(t, err)
	_, err = s.SelectSubregion(ctx, "16", "201")
	require.NoError(t, err)

	records, err := s.SubmitLeaf(ctx, "16", "201", "9001")
	require.NoError(t, err)
	require.Len(t, records, 1)
	// labels from the live dropdown win over the static list
	assert.Equal(t, "Kerala", records[0].Region)
}
