package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfhub/nf-catalog/cfg"
	"github.com/nfhub/nf-catalog/internal/githubapi"
	"github.com/nfhub/nf-catalog/internal/model"
	"github.com/nfhub/nf-catalog/pkg/log"
)

// ---- fakes ----------------------------------------------------------------

type fakeAPI struct {
	mu         sync.Mutex
	pages      map[string][][]githubapi.SearchItem
	metas      map[int64]*githubapi.RepoMetadata
	metaErrs   map[int64]error
	searchErrs map[string]error
	fetchCalls int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		pages:      map[string][][]githubapi.SearchItem{},
		metas:      map[int64]*githubapi.RepoMetadata{},
		metaErrs:   map[int64]error{},
		searchErrs: map[string]error{},
	}
}

func (f *fakeAPI) Search(ctx context.Context, keyword string, page int) ([]githubapi.SearchItem, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.searchErrs[keyword]; err != nil {
		return nil, false, err
	}
	pages := f.pages[keyword]
	if page > len(pages) {
		return nil, false, nil
	}
	return pages[page-1], page < len(pages), nil
}

func (f *fakeAPI) FetchMetadata(ctx context.Context, id int64) (*githubapi.RepoMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if err := f.metaErrs[id]; err != nil {
		return nil, err
	}
	meta, ok := f.metas[id]
	if !ok {
		return nil, &githubapi.NotFoundError{Resource: "fake"}
	}
	copied := *meta
	return &copied, nil
}

// fakeStore mirrors the documented upsert and missed-run semantics of the
// MySQL-backed model.
type fakeStore struct {
	mu         sync.Mutex
	records    map[int64]*model.CatalogRecord
	upsertErrs map[int64]error
	finishRuns int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:    map[int64]*model.CatalogRecord{},
		upsertErrs: map[int64]error{},
	}
}

func (s *fakeStore) Upsert(ctx context.Context, rec *model.CatalogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.upsertErrs[rec.ID]; err != nil {
		return err
	}
	existing, ok := s.records[rec.ID]
	if !ok {
		fresh := *rec
		fresh.Active = true
		fresh.MissedRuns = 0
		s.records[rec.ID] = &fresh
		return nil
	}
	if existing.LastSeenAt.After(rec.LastSeenAt) {
		return nil
	}
	s.records[rec.ID] = model.MergeRefresh(existing, rec)
	return nil
}

func (s *fakeStore) FinishRun(ctx context.Context, seenIDs []int64, threshold int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishRuns++
	seen := map[int64]bool{}
	for _, id := range seenIDs {
		seen[id] = true
	}
	var deactivated []int64
	for id, rec := range s.records {
		if !rec.Active || seen[id] {
			continue
		}
		rec.MissedRuns++
		if rec.MissedRuns >= threshold {
			rec.Active = false
			deactivated = append(deactivated, id)
		}
	}
	return deactivated, nil
}

func (s *fakeStore) get(id int64) *model.CatalogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

func (s *fakeStore) activeIDs() map[int64]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int64]bool{}
	for id, rec := range s.records {
		if rec.Active {
			out[id] = true
		}
	}
	return out
}

type fakeDeferred struct {
	mu      sync.Mutex
	entries map[int64]model.DeferredCandidate
}

func newFakeDeferred() *fakeDeferred {
	return &fakeDeferred{entries: map[int64]model.DeferredCandidate{}}
}

func (d *fakeDeferred) Record(ctx context.Context, id int64, fullName, lastError string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := d.entries[id]
	entry.ID = id
	entry.FullName = fullName
	entry.LastError = lastError
	entry.Attempts++
	d.entries[id] = entry
	return nil
}

func (d *fakeDeferred) Drain(ctx context.Context) ([]model.DeferredCandidate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []model.DeferredCandidate
	for _, e := range d.entries {
		out = append(out, e)
	}
	d.entries = map[int64]model.DeferredCandidate{}
	return out, nil
}

type fakeIndex struct {
	mu        sync.Mutex
	refreshed [][]int64
	removed   [][]int64
	err       error
}

func (i *fakeIndex) Refresh(ctx context.Context, ids []int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return i.err
	}
	i.refreshed = append(i.refreshed, ids)
	return nil
}

func (i *fakeIndex) Remove(ctx context.Context, ids []int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return i.err
	}
	i.removed = append(i.removed, ids)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []model.CatalogEvent
}

func (p *fakePublisher) Publish(ctx context.Context, key string, value interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, value.(model.CatalogEvent))
	return nil
}

// ---- harness --------------------------------------------------------------

type harness struct {
	api       *fakeAPI
	store     *fakeStore
	deferred  *fakeDeferred
	index     *fakeIndex
	publisher *fakePublisher
	pipeline  *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	loader, err := cfg.NewMockLoader()
	require.NoError(t, err)
	config, err := loader.Load()
	require.NoError(t, err)
	logger, err := log.NewCslLogger()
	require.NoError(t, err)

	h := &harness{
		api:       newFakeAPI(),
		store:     newFakeStore(),
		deferred:  newFakeDeferred(),
		index:     &fakeIndex{},
		publisher: &fakePublisher{},
	}
	h.pipeline, err = NewPipeline(logger, config, h.api, h.store, h.deferred, h.index, h.publisher)
	require.NoError(t, err)
	return h
}

func (h *harness) run(t *testing.T, opts Options) *RunReport {
	t.Helper()
	report, err := h.pipeline.Run(context.Background(), opts)
	require.NoError(t, err)
	return report
}

func defaultOpts() Options {
	return Options{
		Keywords:           []string{"nextflow"},
		MaxPages:           5,
		Parallelism:        2,
		MissedRunThreshold: 3,
		Rules:              []Predicate{TopicAllowList("nextflow")},
	}
}

func searchItem(id int64, fullName string) githubapi.SearchItem {
	return githubapi.SearchItem{ID: id, FullName: fullName}
}

func repoMeta(id int64, fullName string, topics ...string) *githubapi.RepoMetadata {
	return &githubapi.RepoMetadata{
		ID:        id,
		Name:      fullName,
		FullName:  fullName,
		Topics:    topics,
		FetchedAt: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

// ---- tests ----------------------------------------------------------------

func TestRun_EndToEndScenario(t *testing.T) {
	h := newHarness(t)
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{
		{searchItem(1, "a/a"), searchItem(2, "b/b")},
	}
	h.api.metas[1] = repoMeta(1, "a/a", "nextflow")
	h.api.metas[2] = repoMeta(2, "b/b", "unrelated")

	report := h.run(t, defaultOpts())

	assert.Equal(t, 2, report.Discovered)
	assert.Equal(t, 2, report.Collected)
	assert.Equal(t, 1, report.FilteredOut)
	assert.Equal(t, 1, report.Upserted)
	assert.Empty(t, report.Errors)

	active := h.store.activeIDs()
	assert.Equal(t, map[int64]bool{1: true}, active)
	require.Len(t, h.index.refreshed, 1)
	assert.Equal(t, []int64{1}, h.index.refreshed[0])
}

func TestRun_DedupAcrossKeywords(t *testing.T) {
	h := newHarness(t)
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{{searchItem(1, "a/a")}}
	h.api.pages["workflow"] = [][]githubapi.SearchItem{{searchItem(1, "a/a")}}
	h.api.metas[1] = repoMeta(1, "a/a", "nextflow")

	opts := defaultOpts()
	opts.Keywords = []string{"nextflow", "workflow"}
	report := h.run(t, opts)

	assert.Equal(t, 1, report.Discovered, "the same id from two keywords is one candidate")
	assert.Equal(t, 1, h.api.fetchCalls, "deduplicated candidates are fetched once")
}

func TestRun_PagesUntilNoMore(t *testing.T) {
	h := newHarness(t)
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{
		{searchItem(1, "a/a")},
		{searchItem(2, "b/b")},
	}
	h.api.metas[1] = repoMeta(1, "a/a", "nextflow")
	h.api.metas[2] = repoMeta(2, "b/b", "nextflow")

	report := h.run(t, defaultOpts())
	assert.Equal(t, 2, report.Discovered)
}

func TestRun_PageCapRespected(t *testing.T) {
	h := newHarness(t)
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{
		{searchItem(1, "a/a")},
		{searchItem(2, "b/b")},
		{searchItem(3, "c/c")},
	}
	for id, name := range map[int64]string{1: "a/a", 2: "b/b", 3: "c/c"} {
		h.api.metas[id] = repoMeta(id, name, "nextflow")
	}

	opts := defaultOpts()
	opts.MaxPages = 2
	report := h.run(t, opts)

	assert.Equal(t, 2, report.Discovered, "discovery stops at the page cap")
}

func TestRun_NotFoundCandidateIsDroppedSilently(t *testing.T) {
	h := newHarness(t)
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{
		{searchItem(1, "a/a"), searchItem(2, "gone/gone")},
	}
	h.api.metas[1] = repoMeta(1, "a/a", "nextflow")
	h.api.metaErrs[2] = &githubapi.NotFoundError{Resource: "gone/gone"}

	report := h.run(t, defaultOpts())

	assert.Equal(t, 2, report.Discovered)
	assert.Equal(t, 1, report.Collected)
	assert.Equal(t, 1, report.Upserted)
	assert.Empty(t, report.Errors, "a vanished candidate is not a pipeline failure")
	assert.Zero(t, report.Deferred)
}

func TestRun_TransientFailureDefersCandidate(t *testing.T) {
	h := newHarness(t)
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{
		{searchItem(1, "a/a"), searchItem(2, "flaky/flaky")},
	}
	h.api.metas[1] = repoMeta(1, "a/a", "nextflow")
	h.api.metaErrs[2] = &githubapi.TransientFetchError{Resource: "flaky/flaky", Attempts: 3, Err: errors.New("boom")}

	report := h.run(t, defaultOpts())

	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, 1, report.Upserted)
	assert.Nil(t, h.store.get(2), "a deferred candidate is not written")

	// The deferral is drained into the next run's working set.
	h.api.metaErrs = map[int64]error{}
	h.api.metas[2] = repoMeta(2, "flaky/flaky", "nextflow")
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{{searchItem(1, "a/a")}}

	report = h.run(t, defaultOpts())
	assert.Equal(t, 2, report.Discovered, "deferred candidate joins the next run")
	assert.NotNil(t, h.store.get(2))
}

func TestRun_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{
		{searchItem(1, "a/a"), searchItem(2, "b/b")},
	}
	h.api.metas[1] = repoMeta(1, "a/a", "nextflow")
	h.api.metas[2] = repoMeta(2, "b/b", "nextflow")

	first := h.run(t, defaultOpts())
	afterFirst := h.store.activeIDs()

	second := h.run(t, defaultOpts())
	afterSecond := h.store.activeIDs()

	assert.Equal(t, afterFirst, afterSecond, "re-running over unchanged data must not change the active set")
	assert.Equal(t, first.Upserted, second.Upserted)
	assert.Zero(t, h.store.get(1).MissedRuns, "a seen record accrues no missed runs")
	assert.Zero(t, second.Deactivated)
}

func TestRun_CuratedFieldsSurviveRefresh(t *testing.T) {
	h := newHarness(t)
	h.store.records[1] = &model.CatalogRecord{
		ID:            1,
		FullName:      "a/a",
		Title:         "Hand-picked name",
		CuratedFields: `{"title":"Hand-picked name"}`,
		Active:        true,
	}
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{{searchItem(1, "a/a")}}
	h.api.metas[1] = repoMeta(1, "a/a", "nextflow")

	h.run(t, defaultOpts())

	rec := h.store.get(1)
	require.NotNil(t, rec)
	assert.Equal(t, "Hand-picked name", rec.Title)
	assert.Equal(t, `["nextflow"]`, rec.Topics, "non-curated fields refresh normally")
}

func TestRun_DeactivationOnNthMissedRun(t *testing.T) {
	h := newHarness(t)
	h.store.records[99] = &model.CatalogRecord{ID: 99, FullName: "old/old", Active: true}
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{}

	for run := 1; run <= 2; run++ {
		report := h.run(t, defaultOpts())
		assert.Zero(t, report.Deactivated, "run %d is before the threshold", run)
		assert.True(t, h.store.get(99).Active)
		assert.Equal(t, run, h.store.get(99).MissedRuns)
	}

	report := h.run(t, defaultOpts())
	assert.Equal(t, 1, report.Deactivated, "the third consecutive miss deactivates")
	assert.False(t, h.store.get(99).Active)

	require.Len(t, h.index.removed, 1)
	assert.Equal(t, []int64{99}, h.index.removed[0], "deactivated records leave the index")
}

func TestRun_FilteredOutRecordAccruesMissedRuns(t *testing.T) {
	h := newHarness(t)
	h.store.records[5] = &model.CatalogRecord{
		ID: 5, FullName: "owner/drifted", Active: true, CuratedFields: "{}",
	}
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{{searchItem(5, "owner/drifted")}}
	h.api.metas[5] = repoMeta(5, "owner/drifted", "unrelated")

	for run := 1; run <= 2; run++ {
		report := h.run(t, defaultOpts())
		assert.Equal(t, 1, report.FilteredOut)
		assert.True(t, h.store.get(5).Active)
		assert.Equal(t, run, h.store.get(5).MissedRuns,
			"a discoverable record that turned ineligible counts as missed")
	}

	report := h.run(t, defaultOpts())
	assert.Equal(t, 1, report.Deactivated, "ineligible records deactivate at the threshold")
	assert.False(t, h.store.get(5).Active)
}

func TestRun_VanishedRecordAccruesMissedRuns(t *testing.T) {
	h := newHarness(t)
	h.store.records[6] = &model.CatalogRecord{
		ID: 6, FullName: "owner/gone", Active: true, CuratedFields: "{}",
	}
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{{searchItem(6, "owner/gone")}}
	h.api.metaErrs[6] = &githubapi.NotFoundError{Resource: "owner/gone"}

	h.run(t, defaultOpts())

	assert.Equal(t, 1, h.store.get(6).MissedRuns,
		"a search hit whose repository 404s on fetch counts as missed")
}

func TestRun_ConcurrentRunsWithIndependentOptions(t *testing.T) {
	h := newHarness(t)
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{{searchItem(1, "a/a")}}
	h.api.pages["genomics"] = [][]githubapi.SearchItem{{searchItem(2, "b/b")}}
	h.api.metas[1] = repoMeta(1, "a/a", "nextflow")
	h.api.metas[2] = repoMeta(2, "b/b", "nextflow")

	var wg sync.WaitGroup
	reports := make([]*RunReport, 2)
	errs := make([]error, 2)
	for i, keyword := range []string{"nextflow", "genomics"} {
		wg.Add(1)
		go func(i int, keyword string) {
			defer wg.Done()
			opts := defaultOpts()
			opts.Keywords = []string{keyword}
			opts.Parallelism = i + 1
			reports[i], errs[i] = h.pipeline.Run(context.Background(), opts)
		}(i, keyword)
	}
	wg.Wait()

	for i := range reports {
		require.NoError(t, errs[i])
		assert.Equal(t, 1, reports[i].Discovered, "each run sees only its own keyword's candidate")
		assert.Equal(t, 1, reports[i].Upserted)
	}
	assert.Equal(t, map[int64]bool{1: true, 2: true}, h.store.activeIDs())
}

func TestRun_Reactivation(t *testing.T) {
	h := newHarness(t)
	h.store.records[99] = &model.CatalogRecord{
		ID: 99, FullName: "back/back", Active: false, MissedRuns: 4, CuratedFields: "{}",
	}
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{{searchItem(99, "back/back")}}
	h.api.metas[99] = repoMeta(99, "back/back", "nextflow")

	h.run(t, defaultOpts())

	rec := h.store.get(99)
	assert.True(t, rec.Active, "a rediscovered record reactivates")
	assert.Zero(t, rec.MissedRuns)
}

func TestRun_DiscoveryFailureIsFatalButProgressIsKept(t *testing.T) {
	h := newHarness(t)
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{{searchItem(1, "a/a")}}
	h.api.metas[1] = repoMeta(1, "a/a", "nextflow")
	h.api.searchErrs["broken"] = &githubapi.TransientFetchError{Resource: "search", Attempts: 3, Err: errors.New("down")}

	opts := defaultOpts()
	opts.Keywords = []string{"nextflow", "broken"}
	report, err := h.pipeline.Run(context.Background(), opts)

	require.Error(t, err)
	var derr *DiscoveryError
	assert.ErrorAs(t, err, &derr)
	assert.NotEmpty(t, report.Errors)
	assert.Equal(t, 1, report.Upserted, "records collected before the failure are still written")
	assert.Zero(t, h.store.finishRuns, "missed-run accounting must not run over a partial discovery pass")
}

func TestRun_StoreErrorSkipsRecordAndContinues(t *testing.T) {
	h := newHarness(t)
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{
		{searchItem(1, "a/a"), searchItem(2, "b/b")},
	}
	h.api.metas[1] = repoMeta(1, "a/a", "nextflow")
	h.api.metas[2] = repoMeta(2, "b/b", "nextflow")
	h.store.upsertErrs[1] = errors.New("disk full")

	report := h.run(t, defaultOpts())

	assert.Equal(t, 1, report.Upserted)
	assert.Len(t, report.Errors, 1)
	assert.Nil(t, h.store.get(1))
	assert.NotNil(t, h.store.get(2))
}

func TestRun_IndexFailureDoesNotFailRun(t *testing.T) {
	h := newHarness(t)
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{{searchItem(1, "a/a")}}
	h.api.metas[1] = repoMeta(1, "a/a", "nextflow")
	h.index.err = errors.New("index down")

	report, err := h.pipeline.Run(context.Background(), defaultOpts())

	require.NoError(t, err, "index write failures never block the store-facing run")
	assert.Equal(t, 1, report.Upserted)
	assert.NotEmpty(t, report.Errors)
}

func TestRun_PublishesCatalogEvents(t *testing.T) {
	h := newHarness(t)
	h.store.records[99] = &model.CatalogRecord{ID: 99, FullName: "old/old", Active: true, MissedRuns: 2}
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{{searchItem(1, "a/a")}}
	h.api.metas[1] = repoMeta(1, "a/a", "nextflow")

	h.run(t, defaultOpts())

	require.Len(t, h.publisher.events, 2)
	actions := map[string][]int64{}
	for _, e := range h.publisher.events {
		actions[e.Action] = e.IDs
	}
	assert.Equal(t, []int64{1}, actions[model.EventUpserted])
	assert.Equal(t, []int64{99}, actions[model.EventDeactivated])
}

func TestRun_CancelledBeforeStartMakesNoChanges(t *testing.T) {
	h := newHarness(t)
	h.api.pages["nextflow"] = [][]githubapi.SearchItem{{searchItem(1, "a/a")}}
	h.api.metas[1] = repoMeta(1, "a/a", "nextflow")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.pipeline.Run(ctx, defaultOpts())
	require.NoError(t, err)
	assert.Zero(t, report.Upserted)
	assert.Zero(t, h.store.finishRuns, "a cancelled run must not count missed runs")
}
