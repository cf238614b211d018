// Package syncer orchestrates a full sync run: for each configured ad
// account, the six table kinds are fetched, flattened, filtered and upserted
// in dependency order so that parent entities are always stored before the
// insight rows referencing them. A failed account is retried as a whole from
// the first stage; partially applied stages are safe to repeat because every
// write is an idempotent upsert.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/derekwayne/facebook-to-db/apiclients/facebook"
	"github.com/derekwayne/facebook-to-db/daterange"
	"github.com/derekwayne/facebook-to-db/db"
	"github.com/derekwayne/facebook-to-db/flatten"
	"github.com/derekwayne/facebook-to-db/pipeline"
	"github.com/derekwayne/facebook-to-db/tables"
)

// Fetcher is the slice of the API client used by the syncer.
type Fetcher interface {
	GetAccount(ctx context.Context, accountID string, fields []string) (facebook.AccountRecord, error)
	GetCampaigns(ctx context.Context, accountID string, fields []string) ([]facebook.CampaignRecord, error)
	GetAdSets(ctx context.Context, accountID string, fields []string) ([]facebook.AdSetRecord, error)
	GetInsights(ctx context.Context, accountID string, params facebook.ReportParams) ([]facebook.InsightRecord, error)
}

// Store is the slice of the database layer used by the syncer.
type Store interface {
	Upsert(ctx context.Context, spec tables.Spec, accountID string, rows []tables.Row) (db.UpsertResult, error)
	ParentKeys(ctx context.Context, accountID string) (pipeline.ParentKeys, error)
}

// Stager receives diagnostic row dumps. A nil *staging.Dir satisfies it and
// discards everything.
type Stager interface {
	Dump(name string, columns []string, rows []tables.Row) error
}

// RetryPolicy governs whole-account retries. Only retryable failures
// (throttling, transient transport or transaction errors) are re-attempted;
// a fatal failure such as an expired access token fails the account at once.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Options configure a sync run.
type Options struct {
	// PaceInterval is slept before each paced table stage to stay under
	// the provider's rate limits.
	PaceInterval time.Duration

	// BatchCooldown is slept before re-requesting a failed date batch of
	// a kind marked for inner retries.
	BatchCooldown time.Duration

	// DateBatches splits the explicit date range into this many report
	// requests. Ignored when using a date preset.
	DateBatches int

	// Since and Until bound the reporting period. When zero, DatePreset
	// is used instead.
	Since      time.Time
	Until      time.Time
	DatePreset string

	// Concurrency is the number of accounts synced at once.
	Concurrency int

	Retry RetryPolicy
}

// withDefaults fills in unset option values.
func (o Options) withDefaults() Options {
	if o.PaceInterval == 0 {
		o.PaceInterval = 10 * time.Minute
	}
	if o.BatchCooldown == 0 {
		o.BatchCooldown = 30 * time.Minute
	}
	if o.DateBatches <= 0 {
		o.DateBatches = 1
	}
	if o.DatePreset == "" && o.Since.IsZero() {
		o.DatePreset = "last_30d"
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = 3
	}
	if o.Retry.Backoff == 0 {
		o.Retry.Backoff = time.Minute
	}
	return o
}

// Report summarises a sync run.
type Report struct {
	Synced []string
	Failed map[string]error
}

// Syncer runs sync passes over a set of ad accounts.
type Syncer struct {
	fetcher Fetcher
	store   Store
	stage   Stager
	opts    Options
	log     *slog.Logger

	// sleep is replaceable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Syncer with defaults applied to the provided options.
func New(fetcher Fetcher, store Store, stage Stager, opts Options, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		fetcher: fetcher,
		store:   store,
		stage:   stage,
		opts:    opts.withDefaults(),
		log:     logger.With("component", "syncer"),
		sleep:   sleepCtx,
	}
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryable reports whether the error is worth retrying: a transient API
// failure or a rolled-back write transaction.
func retryable(err error) bool {
	if facebook.IsRetryable(err) {
		return true
	}
	var txErr *db.TxError
	return errors.As(err, &txErr)
}

// Run syncs the given accounts and reports the outcome per account. One
// failing account does not stop the others; the returned error is non-nil
// only when the run as a whole is cancelled.
func (s *Syncer) Run(ctx context.Context, accountIDs []string) (Report, error) {

	report := Report{Failed: map[string]error{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for _, accountID := range accountIDs {
		accountID := accountID
		g.Go(func() error {
			err := s.syncAccountWithRetry(gctx, accountID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				s.log.Error("account sync failed", "account", accountID, "error", err)
				report.Failed[accountID] = err
				return nil
			}
			report.Synced = append(report.Synced, accountID)
			return nil
		})
	}
	err := g.Wait()
	return report, err
}

// syncAccountWithRetry runs the account sync under the retry policy,
// restarting from the first stage on retryable failures.
func (s *Syncer) syncAccountWithRetry(ctx context.Context, accountID string) error {
	var err error
	for attempt := 1; attempt <= s.opts.Retry.MaxAttempts; attempt++ {
		err = s.syncAccount(ctx, accountID)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt == s.opts.Retry.MaxAttempts {
			break
		}
		s.log.Warn(
			"account sync attempt failed, backing off",
			"account", accountID,
			"attempt", attempt,
			"backoff", s.opts.Retry.Backoff,
			"error", err,
		)
		if serr := s.sleep(ctx, s.opts.Retry.Backoff); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("after %d attempts: %w", s.opts.Retry.MaxAttempts, err)
}

// syncAccount runs the six table stages for one account in dependency order.
func (s *Syncer) syncAccount(ctx context.Context, accountID string) error {

	s.log.Info("account sync starting", "account", accountID)

	if err := s.syncAccountListing(ctx, accountID); err != nil {
		return fmt.Errorf("accounts stage: %w", err)
	}
	if err := s.syncCampaigns(ctx, accountID); err != nil {
		return fmt.Errorf("campaigns stage: %w", err)
	}
	if err := s.syncAdSets(ctx, accountID); err != nil {
		return fmt.Errorf("adsets stage: %w", err)
	}
	for _, spec := range tables.InsightKinds() {
		if spec.Paced {
			s.log.Info("pacing before stage", "table", spec.Name, "interval", s.opts.PaceInterval)
			if err := s.sleep(ctx, s.opts.PaceInterval); err != nil {
				return err
			}
		}
		if err := s.syncInsights(ctx, accountID, spec); err != nil {
			return fmt.Errorf("%s stage: %w", spec.Name, err)
		}
	}

	s.log.Info("account sync complete", "account", accountID)
	return nil
}

func (s *Syncer) syncAccountListing(ctx context.Context, accountID string) error {
	spec := tables.For(tables.Accounts)
	rec, err := s.fetcher.GetAccount(ctx, accountID, spec.Fields)
	if err != nil {
		return err
	}
	_, err = s.store.Upsert(ctx, spec, accountID, []tables.Row{flatten.Account(rec)})
	return err
}

func (s *Syncer) syncCampaigns(ctx context.Context, accountID string) error {
	spec := tables.For(tables.Campaigns)
	recs, err := s.fetcher.GetCampaigns(ctx, accountID, spec.Fields)
	if err != nil {
		return err
	}
	_, err = s.store.Upsert(ctx, spec, accountID, flatten.Campaigns(recs))
	return err
}

func (s *Syncer) syncAdSets(ctx context.Context, accountID string) error {
	spec := tables.For(tables.AdSets)
	recs, err := s.fetcher.GetAdSets(ctx, accountID, spec.Fields)
	if err != nil {
		return err
	}
	_, err = s.store.Upsert(ctx, spec, accountID, flatten.AdSets(recs))
	return err
}

// syncInsights fetches, flattens, filters, deduplicates and upserts one
// insight table kind for the account.
func (s *Syncer) syncInsights(ctx context.Context, accountID string, spec tables.Spec) error {

	recs, err := s.fetchInsights(ctx, accountID, spec)
	if err != nil {
		return err
	}
	rows := flatten.Insights(recs, spec)

	// Parent keys are read after the campaign and ad set stages have
	// committed, so the filter sees the freshest possible parent set.
	parents, err := s.store.ParentKeys(ctx, accountID)
	if err != nil {
		return err
	}
	rows, removed := pipeline.Referential(rows, parents)
	if len(removed) > 0 {
		s.log.Warn("rows removed by referential filter", "table", spec.Name, "count", len(removed))
		if err := s.stage.Dump(dumpName(accountID, spec, "removed"), spec.Columns, removed); err != nil {
			return err
		}
	}

	rows, duplicates := pipeline.Deduplicate(rows, spec.KeyColumns)
	if len(duplicates) > 0 {
		s.log.Warn("duplicate rows dropped", "table", spec.Name, "count", len(duplicates))
		if err := s.stage.Dump(dumpName(accountID, spec, "duplicates"), spec.Columns, duplicates); err != nil {
			return err
		}
	}

	result, err := s.store.Upsert(ctx, spec, accountID, rows)
	if err != nil {
		return err
	}
	if err := s.stage.Dump(dumpName(accountID, spec, "inserted"), spec.Columns, result.Inserted); err != nil {
		return err
	}
	return s.stage.Dump(dumpName(accountID, spec, "updated"), spec.Columns, result.Updated)
}

// fetchInsights requests the report for each date batch in turn, retrying an
// individual batch once after a cool-down for kinds marked for inner
// retries.
func (s *Syncer) fetchInsights(ctx context.Context, accountID string, spec tables.Spec) ([]facebook.InsightRecord, error) {

	ranges, err := s.reportRanges()
	if err != nil {
		return nil, err
	}

	var recs []facebook.InsightRecord
	for _, r := range ranges {
		params := facebook.ReportParams{
			Level:         spec.Level,
			Fields:        spec.Fields,
			Breakdowns:    spec.Breakdowns,
			TimeIncrement: 1,
			DatePreset:    s.opts.DatePreset,
			Since:         r.Since,
			Until:         r.Until,
		}
		batch, err := s.fetcher.GetInsights(ctx, accountID, params)
		if err != nil && spec.InnerRetry && retryable(err) {
			s.log.Warn(
				"insights batch failed, cooling down",
				"table", spec.Name,
				"cooldown", s.opts.BatchCooldown,
				"error", err,
			)
			if serr := s.sleep(ctx, s.opts.BatchCooldown); serr != nil {
				return nil, serr
			}
			batch, err = s.fetcher.GetInsights(ctx, accountID, params)
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, batch...)
	}
	return recs, nil
}

// reportRanges splits the configured date range into batches, or returns a
// single zero range when a date preset is in use.
func (s *Syncer) reportRanges() ([]daterange.Range, error) {
	if s.opts.Since.IsZero() {
		return []daterange.Range{{}}, nil
	}
	return daterange.Split(s.opts.Since, s.opts.Until, s.opts.DateBatches)
}

// dumpName builds the staging file name for one account, table and category.
func dumpName(accountID string, spec tables.Spec, category string) string {
	return fmt.Sprintf("%s_%s_%s", accountID, spec.Name, category)
}
