// Package tables describes the six Marketing API table kinds synced by this
// program as data: the request field list and parameters for each kind, the
// target table name and column set, and the composite primary key used for
// upserts. Components dispatch on a Spec rather than comparing table-name
// strings.
package tables

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind enumerates the supported table kinds.
type Kind int

const (
	Accounts Kind = iota
	Campaigns
	AdSets
	Insights
	InsightsAgeGender
	InsightsRegion
)

// String returns the kind's table name.
func (k Kind) String() string {
	return For(k).Name
}

// TimeLayout is the canonical storage format for all temporal values. Feed
// timestamps are normalized to this single representation before both the
// upsert existence check and the write, so that freshly parsed values compare
// equal to previously stored ones.
const TimeLayout = "2006-01-02 15:04:05"

// Row is one flat tabular record keyed by column name. Rows are produced by
// the flatten package and consumed by the pipeline and db packages.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Spec describes one table kind.
type Spec struct {
	Kind Kind

	// Name is the target table name.
	Name string

	// Level is the reporting level of the API request.
	Level string

	// Breakdowns multiply each metric row into one row per dimension
	// value, for example age and gender.
	Breakdowns []string

	// Fields is the field list sent with the API request.
	Fields []string

	// Columns is the full target column set in schema order.
	Columns []string

	// KeyColumns is the composite primary key of the target table.
	KeyColumns []string

	// Renames maps generic feed field names to entity-qualified column
	// names, for example "id" to "campaign_id" for the campaign kind.
	Renames map[string]string

	// Async marks kinds fetched through an asynchronous report run
	// rather than a synchronous listing call.
	Async bool

	// TimeWindowed marks kinds whose requests carry an explicit date
	// range and are fetched in date batches.
	TimeWindowed bool

	// Paced marks kinds preceded by a pacing sleep to stay under the
	// API rate limits.
	Paced bool

	// InnerRetry marks kinds whose individual date batches are retried
	// once after a cool-down before the whole account sync is retried.
	InnerRetry bool
}

// ConversionEvent maps one feed action type to a base column name. Each
// event expands into one column per attribution window.
type ConversionEvent struct {
	// ActionType is the feed's action_type key.
	ActionType string

	// Column is the base column name, for example "purchase".
	Column string

	// FromValues selects the action_values list (monetary values)
	// instead of the actions list (counts).
	FromValues bool
}

// AttributionWindows are the window keys expanded for every conversion
// event: a lookback duration crossed with an interaction type.
var AttributionWindows = []string{
	"1d_view", "7d_view", "28d_view",
	"1d_click", "7d_click", "28d_click",
}

// ConversionEvents is the fixed mapping of feed action types to column
// bases. The offsite_conversion entries are custom conversion events
// configured in the ad account.
var ConversionEvents = []ConversionEvent{
	{ActionType: "landing_page_view", Column: "landing_page_view"},
	{ActionType: "link_click", Column: "link_click"},
	{ActionType: "post", Column: "post"},
	{ActionType: "page_engagement", Column: "page_engagement"},
	{ActionType: "post_engagement", Column: "post_engagement"},
	{ActionType: "omni_add_to_cart", Column: "add_to_cart"},
	{ActionType: "omni_initiated_checkout", Column: "checkout"},
	{ActionType: "omni_activate_app", Column: "app_starts"},
	{ActionType: "omni_complete_registration", Column: "complete_registrations"},
	{ActionType: "omni_app_install", Column: "app_install"},
	{ActionType: "omni_purchase", Column: "purchase"},
	{ActionType: "offsite_conversion.custom.264800584268286", Column: "renter_complete_registration"},
	{ActionType: "offsite_conversion.custom.155619705306328", Column: "renter_booking_sent"},
	{ActionType: "offsite_conversion.custom.2038839149667048", Column: "owner_listed"},
	{ActionType: "offsite_conversion.custom.1816163992024268", Column: "owner_complete_registration"},
	{ActionType: "omni_purchase", Column: "purchase_value", FromValues: true},
}

// MetricColumns returns the expanded (event, window) column names in
// declaration order.
func MetricColumns() []string {
	cols := make([]string, 0, len(ConversionEvents)*len(AttributionWindows))
	for _, ev := range ConversionEvents {
		for _, win := range AttributionWindows {
			cols = append(cols, ev.Column+"_"+win)
		}
	}
	return cols
}

// insightsBaseColumns returns the non-metric columns shared by the insight
// kinds, with the breakdown columns inserted after date_start.
func insightsBaseColumns(withNames bool, breakdowns ...string) []string {
	cols := []string{"ad_id", "account_id", "campaign_id", "adset_id", "date_start"}
	cols = append(cols, breakdowns...)
	if withNames {
		cols = append(cols, "date_stop", "ad_name", "campaign_name", "adset_name")
	}
	cols = append(cols, "frequency", "reach", "cpc", "cpm", "spend", "impressions", "ctr", "clicks")
	return cols
}

// insightsFields returns the request field list for the insight kinds.
func insightsFields(withNames bool) []string {
	fields := []string{"ad_id", "adset_id", "campaign_id", "account_id", "date_start"}
	if withNames {
		fields = append(fields, "date_stop", "ad_name", "campaign_name", "adset_name")
	}
	fields = append(fields,
		"frequency", "reach", "cpc", "cpm", "spend", "impressions", "ctr",
		"actions", "action_values",
	)
	return fields
}

// specs holds the closed set of table kind definitions, indexed by Kind.
var specs = []Spec{
	{
		Kind:       Accounts,
		Name:       "accounts",
		Level:      "account",
		Fields:     []string{"account_id", "name", "account_status", "currency", "amount_spent"},
		Columns:    []string{"account_id", "account_name", "account_status", "currency", "amount_spent"},
		KeyColumns: []string{"account_id"},
		Renames:    map[string]string{"name": "account_name"},
	},
	{
		Kind:  Campaigns,
		Name:  "campaigns",
		Level: "campaign",
		Fields: []string{
			"id", "name", "account_id", "effective_status", "objective",
			"daily_budget", "updated_time",
		},
		Columns: []string{
			"campaign_id", "account_id", "campaign_name", "effective_status",
			"objective", "daily_budget", "updated_time",
		},
		KeyColumns: []string{"campaign_id", "account_id"},
		Renames:    map[string]string{"id": "campaign_id", "name": "campaign_name"},
	},
	{
		Kind:  AdSets,
		Name:  "adsets",
		Level: "adset",
		Fields: []string{
			"id", "name", "account_id", "campaign_id", "status",
			"optimization_goal", "daily_budget", "created_time", "updated_time",
		},
		Columns: []string{
			"adset_id", "account_id", "campaign_id", "adset_name", "status",
			"optimization_goal", "daily_budget", "created_time", "updated_time",
		},
		KeyColumns: []string{"adset_id", "account_id", "campaign_id"},
		Renames:    map[string]string{"id": "adset_id", "name": "adset_name"},
	},
	{
		Kind:         Insights,
		Name:         "ads_insights",
		Level:        "ad",
		Fields:       insightsFields(true),
		Columns:      append(insightsBaseColumns(true), MetricColumns()...),
		KeyColumns:   []string{"ad_id", "account_id", "campaign_id", "adset_id", "date_start"},
		Async:        true,
		TimeWindowed: true,
	},
	{
		Kind:         InsightsAgeGender,
		Name:         "ads_insights_age_and_gender",
		Level:        "ad",
		Breakdowns:   []string{"age", "gender"},
		Fields:       insightsFields(false),
		Columns:      append(insightsBaseColumns(false, "age", "gender"), MetricColumns()...),
		KeyColumns:   []string{"ad_id", "account_id", "campaign_id", "adset_id", "date_start", "age", "gender"},
		Async:        true,
		TimeWindowed: true,
		Paced:        true,
	},
	{
		Kind:         InsightsRegion,
		Name:         "ads_insights_region",
		Level:        "ad",
		Breakdowns:   []string{"region"},
		Fields:       insightsFields(false),
		Columns:      append(insightsBaseColumns(false, "region"), MetricColumns()...),
		KeyColumns:   []string{"ad_id", "account_id", "campaign_id", "adset_id", "date_start", "region"},
		Async:        true,
		TimeWindowed: true,
		Paced:        true,
		InnerRetry:   true,
	},
}

// For returns the Spec for the given kind.
func For(k Kind) Spec {
	return specs[k]
}

// All returns the specs for every kind in sync stage order.
func All() []Spec {
	out := make([]Spec, len(specs))
	copy(out, specs)
	return out
}

// InsightKinds returns the specs of the insight table kinds in stage order.
func InsightKinds() []Spec {
	return []Spec{For(Insights), For(InsightsAgeGender), For(InsightsRegion)}
}

// Normalize converts a single value to its canonical storage representation:
// times become TimeLayout strings in UTC, NaN and infinite floats become
// explicit nils, everything else passes through.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		if t.IsZero() {
			return nil
		}
		return t.UTC().Format(TimeLayout)
	case *time.Time:
		if t == nil || t.IsZero() {
			return nil
		}
		return t.UTC().Format(TimeLayout)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return t
	default:
		return v
	}
}

// NormalizeRow applies Normalize to every value in the row, in place.
func NormalizeRow(r Row) Row {
	for k, v := range r {
		r[k] = Normalize(v)
	}
	return r
}

// KeyString builds a comparable composite key for a row from the given key
// columns. Values are normalized first so that parsed and stored values
// yield the same key.
func KeyString(r Row, keyColumns []string) string {
	parts := make([]string, len(keyColumns))
	for i, col := range keyColumns {
		parts[i] = fmt.Sprintf("%v", Normalize(r[col]))
	}
	return strings.Join(parts, "\x1f")
}
