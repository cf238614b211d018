package facebook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/go-querystring/query"
	"golang.org/x/oauth2"
)

const (
	defaultBaseURL      = "https://graph.facebook.com"
	defaultVersion      = "v19.0"
	defaultPollInterval = time.Second
	defaultResultLimit  = 1000
)

// Client is a wrapper for making authenticated calls to the Marketing API.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	version      string
	pollInterval time.Duration
	resultLimit  int
	log          *slog.Logger
}

// NewClient creates a new Marketing API client authenticated with the given
// access token. If no logger is provided a default text logger is used.
func NewClient(ctx context.Context, accessToken string, logger *slog.Logger) *Client {

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(
			os.Stdout,
			&slog.HandlerOptions{Level: slog.LevelDebug},
		))
	}

	return &Client{
		httpClient:   oauth2.NewClient(ctx, ts),
		baseURL:      defaultBaseURL,
		version:      defaultVersion,
		pollInterval: defaultPollInterval,
		resultLimit:  defaultResultLimit,
		log:          logger,
	}
}

// SetVersion overrides the default API version, for example "v20.0".
func (c *Client) SetVersion(version string) {
	if version != "" {
		c.version = version
	}
}

// actPrefix normalizes an account identifier to the act_<ID> form expected
// by account-scoped endpoints.
func actPrefix(accountID string) string {
	if strings.HasPrefix(accountID, "act_") {
		return accountID
	}
	return "act_" + accountID
}

// url joins the base URL, API version and path.
func (c *Client) url(path string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, c.version, strings.TrimPrefix(path, "/"))
}

// listingParams are the query parameters of a synchronous listing call.
type listingParams struct {
	Fields string `url:"fields"`
	Limit  int    `url:"limit,omitempty"`
}

// ReportParams describe one report request: the reporting level, field
// list, optional breakdowns and either an explicit date range or a named
// date preset.
type ReportParams struct {
	Level         string
	Fields        []string
	Breakdowns    []string
	TimeIncrement int
	DatePreset    string
	Since         time.Time
	Until         time.Time
}

// reportQuery is the wire encoding of ReportParams.
type reportQuery struct {
	Level         string `url:"level"`
	Fields        string `url:"fields"`
	TimeIncrement int    `url:"time_increment,omitempty"`
	Breakdowns    string `url:"breakdowns,omitempty"`
	DatePreset    string `url:"date_preset,omitempty"`
	TimeRange     string `url:"time_range,omitempty"`
}

// encode converts ReportParams to url query values. An explicit date range
// takes precedence over a date preset.
func (p ReportParams) encode() (string, error) {
	rq := reportQuery{
		Level:         p.Level,
		Fields:        strings.Join(p.Fields, ","),
		TimeIncrement: p.TimeIncrement,
		Breakdowns:    strings.Join(p.Breakdowns, ","),
	}
	if !p.Since.IsZero() && !p.Until.IsZero() {
		rq.TimeRange = fmt.Sprintf(`{"since":"%s","until":"%s"}`,
			p.Since.Format("2006-01-02"), p.Until.Format("2006-01-02"))
	} else {
		rq.DatePreset = p.DatePreset
	}
	v, err := query.Values(rq)
	if err != nil {
		return "", fmt.Errorf("could not encode report params: %w", err)
	}
	return v.Encode(), nil
}

// GetAccount fetches the listing record for a single ad account.
func (c *Client) GetAccount(ctx context.Context, accountID string, fields []string) (AccountRecord, error) {

	var account AccountRecord

	v, err := query.Values(listingParams{Fields: strings.Join(fields, ",")})
	if err != nil {
		return account, fmt.Errorf("could not encode account params: %w", err)
	}
	requestURL := fmt.Sprintf("%s?%s", c.url(actPrefix(accountID)), v.Encode())

	if err := c.get(ctx, "GetAccount", requestURL, &account); err != nil {
		return account, err
	}
	c.log.Info(fmt.Sprintf("GetAccount: retrieved account %s", account.AccountID))
	return account, nil
}

// GetCampaigns fetches all campaign listing records for an account,
// following paging cursors.
func (c *Client) GetCampaigns(ctx context.Context, accountID string, fields []string) ([]CampaignRecord, error) {

	v, err := query.Values(listingParams{Fields: strings.Join(fields, ","), Limit: c.resultLimit})
	if err != nil {
		return nil, fmt.Errorf("could not encode campaign params: %w", err)
	}
	requestURL := fmt.Sprintf("%s?%s", c.url(actPrefix(accountID)+"/campaigns"), v.Encode())

	var all []CampaignRecord
	for requestURL != "" {
		var response campaignsResponse
		if err := c.get(ctx, "GetCampaigns", requestURL, &response); err != nil {
			return nil, err
		}
		if len(response.Data) == 0 {
			break
		}
		all = append(all, response.Data...)
		requestURL = response.Paging.Next
	}
	c.log.Info(fmt.Sprintf("GetCampaigns: retrieved %d campaigns", len(all)))
	return all, nil
}

// GetAdSets fetches all ad set listing records for an account, following
// paging cursors.
func (c *Client) GetAdSets(ctx context.Context, accountID string, fields []string) ([]AdSetRecord, error) {

	v, err := query.Values(listingParams{Fields: strings.Join(fields, ","), Limit: c.resultLimit})
	if err != nil {
		return nil, fmt.Errorf("could not encode ad set params: %w", err)
	}
	requestURL := fmt.Sprintf("%s?%s", c.url(actPrefix(accountID)+"/adsets"), v.Encode())

	var all []AdSetRecord
	for requestURL != "" {
		var response adSetsResponse
		if err := c.get(ctx, "GetAdSets", requestURL, &response); err != nil {
			return nil, err
		}
		if len(response.Data) == 0 {
			break
		}
		all = append(all, response.Data...)
		requestURL = response.Paging.Next
	}
	c.log.Info(fmt.Sprintf("GetAdSets: retrieved %d ad sets", len(all)))
	return all, nil
}

// GetInsights submits an asynchronous report run for an account, polls the
// job-status handle until the run completes, then retrieves the paginated
// result records.
func (c *Client) GetInsights(ctx context.Context, accountID string, params ReportParams) ([]InsightRecord, error) {

	encoded, err := params.encode()
	if err != nil {
		return nil, err
	}
	submitURL := fmt.Sprintf("%s?%s", c.url(actPrefix(accountID)+"/insights"), encoded)

	// Submit the report run.
	var run reportRunResponse
	if err := c.post(ctx, "GetInsights", submitURL, &run); err != nil {
		return nil, err
	}
	if run.ReportRunID == "" {
		return nil, &FatalError{Op: "GetInsights", Err: fmt.Errorf("no report run id returned")}
	}
	c.log.Debug(fmt.Sprintf("GetInsights: report run %s submitted", run.ReportRunID))

	// Poll the job-status handle until a terminal status is observed.
	if err := c.awaitReportRun(ctx, run.ReportRunID); err != nil {
		return nil, err
	}

	// Retrieve the paginated results.
	v, err := query.Values(listingParams{Limit: c.resultLimit})
	if err != nil {
		return nil, fmt.Errorf("could not encode result params: %w", err)
	}
	requestURL := fmt.Sprintf("%s?%s", c.url(run.ReportRunID+"/insights"), v.Encode())

	var all []InsightRecord
	for requestURL != "" {
		var response insightsResponse
		if err := c.get(ctx, "GetInsights", requestURL, &response); err != nil {
			return nil, err
		}
		if len(response.Data) == 0 {
			break
		}
		all = append(all, response.Data...)
		requestURL = response.Paging.Next
	}
	c.log.Info(fmt.Sprintf("GetInsights: retrieved %d records for run %s", len(all), run.ReportRunID))
	return all, nil
}

// awaitReportRun polls the report run until it reaches a terminal status,
// sleeping pollInterval between polls. The context cancels the wait.
func (c *Client) awaitReportRun(ctx context.Context, runID string) error {
	statusURL := c.url(runID)

	for {
		var status reportStatusResponse
		if err := c.get(ctx, "GetInsights", statusURL, &status); err != nil {
			return err
		}

		switch status.AsyncStatus {
		case statusCompleted:
			return nil
		case statusFailed:
			// Report runs are observed to fail under load; worth a
			// fresh submission.
			return &RetryableError{Op: "GetInsights", Err: fmt.Errorf("report run %s failed", runID)}
		case statusSkipped:
			return &FatalError{Op: "GetInsights", Err: fmt.Errorf("report run %s was skipped", runID)}
		}
		c.log.Debug(fmt.Sprintf("GetInsights: run %s %d%% complete", runID, status.PercentCompletion))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// get executes a GET request, decoding the JSON response into v.
func (c *Client) get(ctx context.Context, op, rawURL string, v any) error {
	return c.do(ctx, op, http.MethodGet, rawURL, v)
}

// post executes a POST request, decoding the JSON response into v.
func (c *Client) post(ctx context.Context, op, rawURL string, v any) error {
	return c.do(ctx, op, http.MethodPost, rawURL, v)
}

// do executes an HTTP request and decodes the JSON response, classifying
// failures as retryable or fatal.
func (c *Client) do(ctx context.Context, op, method, rawURL string, v any) error {

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return &FatalError{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope struct {
			Error *GraphError `json:"error"`
		}
		body, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
			envelope.Error = nil
		}
		classified := classifyHTTP(op, resp.StatusCode, envelope.Error)
		c.log.Error(fmt.Sprintf("%s: request failed (status %d): %v", op, resp.StatusCode, classified))
		return classified
	}

	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return &FatalError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
	}
	return nil
}
