package facebook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// graphTimeLayout is the timestamp format used by the Graph API, for example
// "2019-10-01T12:00:00+0000".
const graphTimeLayout = "2006-01-02T15:04:05-0700"

// GraphTime is a custom date type for Graph API timestamps.
type GraphTime struct {
	time.Time
}

// UnmarshalJSON implements the json.Unmarshaler interface, parsing the Graph
// timestamp format with a fallback to a plain date.
func (gt *GraphTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		return nil
	}
	t, err := time.Parse(graphTimeLayout, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return fmt.Errorf("could not parse graph time %q: %w", s, err)
		}
	}
	gt.Time = t
	return nil
}

// ActionEntry is one entry of a nested action list: an action type plus its
// value per attribution window. The feed renders every value as a string and
// omits windows with no attributed conversions.
type ActionEntry struct {
	ActionType string
	Values     map[string]string
}

// UnmarshalJSON implements the json.Unmarshaler interface for an ActionEntry,
// splitting the action_type key out of the flat feed object and keeping the
// remaining keys (attribution windows and the plain "value" total) as a map.
func (a *ActionEntry) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Values = make(map[string]string, len(raw))
	for k, v := range raw {
		if k == "action_type" {
			a.ActionType = v
			continue
		}
		a.Values[k] = v
	}
	return nil
}

// Window returns the value for the given attribution window key, or "" if
// the window is absent from the entry.
func (a ActionEntry) Window(key string) string {
	return a.Values[key]
}

// AccountRecord is the ad account listing record.
type AccountRecord struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	Name          string `json:"name"`
	AccountStatus int    `json:"account_status"`
	Currency      string `json:"currency"`
	AmountSpent   string `json:"amount_spent"`
}

// CampaignRecord is one campaign listing record.
type CampaignRecord struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	AccountID       string    `json:"account_id"`
	EffectiveStatus string    `json:"effective_status"`
	Objective       string    `json:"objective"`
	DailyBudget     string    `json:"daily_budget"`
	UpdatedTime     GraphTime `json:"updated_time"`
}

// AdSetRecord is one ad set listing record.
type AdSetRecord struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	AccountID        string    `json:"account_id"`
	CampaignID       string    `json:"campaign_id"`
	Status           string    `json:"status"`
	OptimizationGoal string    `json:"optimization_goal"`
	DailyBudget      string    `json:"daily_budget"`
	CreatedTime      GraphTime `json:"created_time"`
	UpdatedTime      GraphTime `json:"updated_time"`
}

// InsightRecord is one nested report result record. Numeric fields arrive as
// strings and are coerced downstream; the Actions and ActionValues lists are
// variable-shape and flattened downstream.
type InsightRecord struct {
	AdID         string        `json:"ad_id"`
	AdName       string        `json:"ad_name"`
	AdsetID      string        `json:"adset_id"`
	AdsetName    string        `json:"adset_name"`
	CampaignID   string        `json:"campaign_id"`
	CampaignName string        `json:"campaign_name"`
	AccountID    string        `json:"account_id"`
	DateStart    string        `json:"date_start"`
	DateStop     string        `json:"date_stop"`
	Age          string        `json:"age"`
	Gender       string        `json:"gender"`
	Region       string        `json:"region"`
	Frequency    string        `json:"frequency"`
	Reach        string        `json:"reach"`
	CPC          string        `json:"cpc"`
	CPM          string        `json:"cpm"`
	Spend        string        `json:"spend"`
	Impressions  string        `json:"impressions"`
	CTR          string        `json:"ctr"`
	Actions      []ActionEntry `json:"actions"`
	ActionValues []ActionEntry `json:"action_values"`
}

// paging is the cursor block returned with every listing response.
type paging struct {
	Cursors struct {
		Before string `json:"before"`
		After  string `json:"after"`
	} `json:"cursors"`
	Next string `json:"next"`
}

// campaignsResponse is the top-level structure of the campaign listing
// response.
type campaignsResponse struct {
	Data   []CampaignRecord `json:"data"`
	Paging paging           `json:"paging"`
}

// adSetsResponse is the top-level structure of the ad set listing response.
type adSetsResponse struct {
	Data   []AdSetRecord `json:"data"`
	Paging paging        `json:"paging"`
}

// insightsResponse is the top-level structure of a report result page.
type insightsResponse struct {
	Data   []InsightRecord `json:"data"`
	Paging paging          `json:"paging"`
}

// reportRunResponse is returned when submitting an asynchronous report run.
type reportRunResponse struct {
	ReportRunID string `json:"report_run_id"`
}

// reportStatusResponse is the polled job-status handle of a report run.
type reportStatusResponse struct {
	ID                string `json:"id"`
	AsyncStatus       string `json:"async_status"`
	PercentCompletion int    `json:"async_percent_completion"`
}

// Terminal and in-flight report run statuses.
const (
	statusCompleted = "Job Completed"
	statusFailed    = "Job Failed"
	statusSkipped   = "Job Skipped"
)
