package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/derekwayne/facebook-to-db/apiclients/facebook"
	"github.com/derekwayne/facebook-to-db/db"
	"github.com/derekwayne/facebook-to-db/pipeline"
	"github.com/derekwayne/facebook-to-db/tables"
	"github.com/google/go-cmp/cmp"
)

// fakeFetcher serves canned records and can be set up to fail particular
// calls a number of times.
type fakeFetcher struct {
	mu sync.Mutex

	account   facebook.AccountRecord
	campaigns []facebook.CampaignRecord
	adSets    []facebook.AdSetRecord
	insights  []facebook.InsightRecord

	accountCalls  int
	insightParams []facebook.ReportParams

	accountErr        error
	campaignsFailures int // remaining retryable failures
	regionFailures    int // remaining retryable region report failures
}

func (f *fakeFetcher) GetAccount(ctx context.Context, accountID string, fields []string) (facebook.AccountRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountCalls++
	if f.accountErr != nil {
		return facebook.AccountRecord{}, f.accountErr
	}
	return f.account, nil
}

func (f *fakeFetcher) GetCampaigns(ctx context.Context, accountID string, fields []string) ([]facebook.CampaignRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.campaignsFailures > 0 {
		f.campaignsFailures--
		return nil, &facebook.RetryableError{Op: "get campaigns", Err: errors.New("throttled")}
	}
	return f.campaigns, nil
}

func (f *fakeFetcher) GetAdSets(ctx context.Context, accountID string, fields []string) ([]facebook.AdSetRecord, error) {
	return f.adSets, nil
}

func (f *fakeFetcher) GetInsights(ctx context.Context, accountID string, params facebook.ReportParams) ([]facebook.InsightRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insightParams = append(f.insightParams, params)
	if f.regionFailures > 0 && strings.Contains(strings.Join(params.Breakdowns, ","), "region") {
		f.regionFailures--
		return nil, &facebook.RetryableError{Op: "report run", Err: errors.New("job failed")}
	}
	return f.insights, nil
}

// upsertCall records one store write.
type upsertCall struct {
	table string
	rows  []tables.Row
}

// fakeStore records upserts and derives parent keys from the campaign and ad
// set rows written so far.
type fakeStore struct {
	mu      sync.Mutex
	upserts []upsertCall
}

func (st *fakeStore) Upsert(ctx context.Context, spec tables.Spec, accountID string, rows []tables.Row) (db.UpsertResult, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.upserts = append(st.upserts, upsertCall{table: spec.Name, rows: rows})
	return db.UpsertResult{Inserted: rows}, nil
}

func (st *fakeStore) ParentKeys(ctx context.Context, accountID string) (pipeline.ParentKeys, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	parents := pipeline.ParentKeys{
		Campaigns: map[string]struct{}{},
		AdSets:    map[string]struct{}{},
	}
	for _, call := range st.upserts {
		for _, row := range call.rows {
			switch call.table {
			case "campaigns":
				parents.Campaigns[row["campaign_id"].(string)] = struct{}{}
			case "adsets":
				parents.AdSets[row["adset_id"].(string)] = struct{}{}
			}
		}
	}
	return parents, nil
}

func (st *fakeStore) tableOrder() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	var order []string
	for _, call := range st.upserts {
		order = append(order, call.table)
	}
	return order
}

func (st *fakeStore) rowsFor(table string) []tables.Row {
	st.mu.Lock()
	defer st.mu.Unlock()
	var rows []tables.Row
	for _, call := range st.upserts {
		if call.table == table {
			rows = append(rows, call.rows...)
		}
	}
	return rows
}

// fakeStager records dumps by name.
type fakeStager struct {
	mu    sync.Mutex
	dumps map[string][]tables.Row
}

func (fs *fakeStager) Dump(name string, columns []string, rows []tables.Row) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.dumps == nil {
		fs.dumps = map[string][]tables.Row{}
	}
	fs.dumps[name] = rows
	return nil
}

// sleepRecorder replaces the syncer's sleep with an instant recording stub.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (sr *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.sleeps = append(sr.sleeps, d)
	return ctx.Err()
}

func insightRec(adID, campaignID, adSetID, region string) facebook.InsightRecord {
	return facebook.InsightRecord{
		AdID:        adID,
		AccountID:   "act1",
		CampaignID:  campaignID,
		AdsetID:     adSetID,
		DateStart:   "2019-09-17",
		DateStop:    "2019-09-17",
		Age:         "25-34",
		Gender:      "female",
		Region:      region,
		Impressions: "100",
		Spend:       "1.5",
	}
}

// setup builds a syncer over full happy-path fakes.
func setup(t *testing.T, opts Options) (*Syncer, *fakeFetcher, *fakeStore, *fakeStager, *sleepRecorder) {
	t.Helper()

	fetcher := &fakeFetcher{
		account: facebook.AccountRecord{
			AccountID: "act1", Name: "test account", AccountStatus: 1,
			Currency: "EUR", AmountSpent: "100.5",
		},
		campaigns: []facebook.CampaignRecord{
			{ID: "c1", Name: "spring sale", AccountID: "act1"},
		},
		adSets: []facebook.AdSetRecord{
			{ID: "s1", Name: "lookalike", AccountID: "act1", CampaignID: "c1"},
		},
		insights: []facebook.InsightRecord{
			insightRec("a1", "c1", "s1", "Hessen"),
		},
	}
	store := &fakeStore{}
	stager := &fakeStager{}
	recorder := &sleepRecorder{}

	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	s := New(fetcher, store, stager, opts, logger)
	s.sleep = recorder.sleep
	return s, fetcher, store, stager, recorder
}

// testWriter routes log output through the test log.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func TestRunStageOrder(t *testing.T) {

	s, _, store, _, recorder := setup(t, Options{})

	report, err := s.Run(context.Background(), []string{"act1"})
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if diff := cmp.Diff([]string{"act1"}, report.Synced); diff != "" {
		t.Errorf("synced accounts mismatch (-want +got):\n%s", diff)
	}
	if len(report.Failed) != 0 {
		t.Errorf("unexpected failures: %v", report.Failed)
	}

	want := []string{
		"accounts", "campaigns", "adsets",
		"ads_insights", "ads_insights_age_and_gender", "ads_insights_region",
	}
	if diff := cmp.Diff(want, store.tableOrder()); diff != "" {
		t.Errorf("stage order mismatch (-want +got):\n%s", diff)
	}

	// the age/gender and region stages are paced
	var paced int
	for _, d := range recorder.sleeps {
		if d == s.opts.PaceInterval {
			paced++
		}
	}
	if got, want := paced, 2; got != want {
		t.Errorf("paced sleeps got %d want %d", got, want)
	}
}

func TestRetryRestartsFromFirstStage(t *testing.T) {

	s, fetcher, _, _, recorder := setup(t, Options{
		Retry: RetryPolicy{MaxAttempts: 3, Backoff: 42 * time.Second},
	})
	fetcher.campaignsFailures = 2

	report, err := s.Run(context.Background(), []string{"act1"})
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if diff := cmp.Diff([]string{"act1"}, report.Synced); diff != "" {
		t.Errorf("synced accounts mismatch (-want +got):\n%s", diff)
	}

	// each attempt restarts from the first stage
	if got, want := fetcher.accountCalls, 3; got != want {
		t.Errorf("account fetches got %d want %d", got, want)
	}
	var backoffs int
	for _, d := range recorder.sleeps {
		if d == 42*time.Second {
			backoffs++
		}
	}
	if got, want := backoffs, 2; got != want {
		t.Errorf("backoff sleeps got %d want %d", got, want)
	}
}

func TestFatalErrorNotRetried(t *testing.T) {

	s, fetcher, _, _, _ := setup(t, Options{})
	fetcher.accountErr = &facebook.FatalError{Op: "get account", Err: errors.New("token expired")}

	report, err := s.Run(context.Background(), []string{"act1"})
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if len(report.Synced) != 0 {
		t.Errorf("unexpected synced accounts: %v", report.Synced)
	}
	if _, found := report.Failed["act1"]; !found {
		t.Fatal("expected act1 in failed accounts")
	}
	if got, want := fetcher.accountCalls, 1; got != want {
		t.Errorf("account fetches got %d want %d: fatal errors must not retry", got, want)
	}
}

func TestRegionBatchCooldownRetry(t *testing.T) {

	s, fetcher, _, _, recorder := setup(t, Options{BatchCooldown: 99 * time.Second})
	fetcher.regionFailures = 1

	report, err := s.Run(context.Background(), []string{"act1"})
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if diff := cmp.Diff([]string{"act1"}, report.Synced); diff != "" {
		t.Errorf("synced accounts mismatch (-want +got):\n%s", diff)
	}

	// the failed batch is retried in place, not by restarting the account
	if got, want := fetcher.accountCalls, 1; got != want {
		t.Errorf("account fetches got %d want %d", got, want)
	}
	var cooldowns int
	for _, d := range recorder.sleeps {
		if d == 99*time.Second {
			cooldowns++
		}
	}
	if got, want := cooldowns, 1; got != want {
		t.Errorf("cooldown sleeps got %d want %d", got, want)
	}
}

func TestReferentialFilterAndDedup(t *testing.T) {

	s, fetcher, store, stager, _ := setup(t, Options{})
	fetcher.insights = []facebook.InsightRecord{
		insightRec("a1", "c1", "s1", "Hessen"),
		insightRec("a1", "c1", "s1", "Hessen"), // duplicate key
		insightRec("a2", "c9", "s1", "Bayern"), // unknown campaign
	}

	report, err := s.Run(context.Background(), []string{"act1"})
	if err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	if diff := cmp.Diff([]string{"act1"}, report.Synced); diff != "" {
		t.Errorf("synced accounts mismatch (-want +got):\n%s", diff)
	}

	rows := store.rowsFor("ads_insights_region")
	if got, want := len(rows), 1; got != want {
		t.Fatalf("region rows upserted got %d want %d", got, want)
	}
	if got, want := rows[0]["region"].(string), "Hessen"; got != want {
		t.Errorf("surviving row region got %q want %q", got, want)
	}

	if got := stager.dumps["act1_ads_insights_region_removed"]; len(got) != 1 {
		t.Errorf("removed dump rows got %d want 1", len(got))
	}
	if got := stager.dumps["act1_ads_insights_region_duplicates"]; len(got) != 1 {
		t.Errorf("duplicates dump rows got %d want 1", len(got))
	}
}

func TestDateBatches(t *testing.T) {

	s, fetcher, _, _, _ := setup(t, Options{
		Since:       time.Date(2019, 9, 17, 0, 0, 0, 0, time.UTC),
		Until:       time.Date(2019, 10, 1, 0, 0, 0, 0, time.UTC),
		DateBatches: 3,
	})

	if _, err := s.Run(context.Background(), []string{"act1"}); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}

	// three insight kinds, three batches each
	if got, want := len(fetcher.insightParams), 9; got != want {
		t.Fatalf("report requests got %d want %d", got, want)
	}
	first := fetcher.insightParams[0]
	if got, want := first.Since, s.opts.Since; !got.Equal(want) {
		t.Errorf("first batch since got %v want %v", got, want)
	}
	last := fetcher.insightParams[2]
	if got, want := last.Until, s.opts.Until; !got.Equal(want) {
		t.Errorf("last batch until got %v want %v", got, want)
	}
}

func TestPrefixedAccountIDRoundTrip(t *testing.T) {

	// configuration and the CLI take the act_-prefixed account id, while
	// feed records carry the bare form; a second full sync against a real
	// store must update in place rather than collide on primary keys, and
	// the referential filter must see the stored parents
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := db.NewConnection(dsn, logger)
	if err != nil {
		t.Fatalf("in-memory test database opening error: %v", err)
	}
	defer store.Close()
	sqlFS, err := fs.Sub(db.SQLEmbeddedFS, "sql")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.InitSchema(sqlFS, "schema.sql"); err != nil {
		t.Fatalf("schema initialization error: %v", err)
	}

	fetcher := &fakeFetcher{
		account: facebook.AccountRecord{
			AccountID: "22612640", Name: "test account", AccountStatus: 1,
			Currency: "EUR", AmountSpent: "100.5",
		},
		campaigns: []facebook.CampaignRecord{
			{ID: "c1", Name: "spring sale", AccountID: "22612640"},
		},
		adSets: []facebook.AdSetRecord{
			{ID: "s1", Name: "lookalike", AccountID: "22612640", CampaignID: "c1"},
		},
		insights: []facebook.InsightRecord{{
			AdID: "a1", AccountID: "22612640", CampaignID: "c1", AdsetID: "s1",
			DateStart: "2019-09-17", DateStop: "2019-09-17",
			Age: "25-34", Gender: "female", Region: "Hessen",
			Impressions: "100", Spend: "1.5",
		}},
	}
	recorder := &sleepRecorder{}
	s := New(fetcher, store, &fakeStager{}, Options{}, logger)
	s.sleep = recorder.sleep

	ctx := context.Background()
	for pass := 1; pass <= 2; pass++ {
		report, err := s.Run(ctx, []string{"act_22612640"})
		if err != nil {
			t.Fatalf("pass %d: unexpected run error: %v", pass, err)
		}
		if diff := cmp.Diff([]string{"act_22612640"}, report.Synced); diff != "" {
			t.Fatalf("pass %d: synced accounts mismatch (-want +got):\n%s", pass, diff)
		}
	}

	// a succeeding pass never sleeps the retry backoff
	for _, d := range recorder.sleeps {
		if d == s.opts.Retry.Backoff {
			t.Fatal("unexpected retry backoff sleep")
		}
	}

	// the insight row passed the referential filter and was stored once
	for _, table := range []string{"accounts", "campaigns", "adsets", "ads_insights_region"} {
		n, err := store.CountRows(ctx, table)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := n, 1; got != want {
			t.Errorf("%s rows got %d want %d", table, got, want)
		}
	}
}

func TestRunCancelled(t *testing.T) {

	s, _, _, _, _ := setup(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Run(ctx, []string{"act1"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
