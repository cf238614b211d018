// Package flatten converts nested Marketing API records into flat tabular
// rows. Variable-shape action lists are expanded into a fixed set of
// per-attribution-window metric columns, generic feed field names are renamed
// to entity-qualified column names, and every value is normalized to its
// canonical storage representation in one step at this boundary.
package flatten

import (
	"strconv"
	"time"

	"github.com/derekwayne/facebook-to-db/apiclients/facebook"
	"github.com/derekwayne/facebook-to-db/tables"
)

// toNumber coerces a feed value to a number. The feed renders all numerics
// as strings; missing or non-numeric values become 0, never null and never
// an error.
func toNumber(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// parseDay parses a feed date such as "2019-09-17". Unparseable input
// yields the zero time, which normalizes to an explicit null.
func parseDay(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// findAction locates the entry whose action type matches key within a
// nested action list. The second return is false when absent.
func findAction(list []facebook.ActionEntry, key string) (facebook.ActionEntry, bool) {
	for _, entry := range list {
		if entry.ActionType == key {
			return entry, true
		}
	}
	return facebook.ActionEntry{}, false
}

// metricValue extracts the numeric value of one (event, window) pair from
// the record's nested lists: 0 when the event is absent, 0 when the window
// key is absent from the entry.
func metricValue(rec facebook.InsightRecord, ev tables.ConversionEvent, window string) float64 {
	list := rec.Actions
	if ev.FromValues {
		list = rec.ActionValues
	}
	entry, ok := findAction(list, ev.ActionType)
	if !ok {
		return 0
	}
	return toNumber(entry.Window(window))
}

// conform reduces a row to exactly the spec's column set, with absent
// columns as explicit nulls, then normalizes every value.
func conform(row tables.Row, spec tables.Spec) tables.Row {
	out := make(tables.Row, len(spec.Columns))
	for _, col := range spec.Columns {
		v, ok := row[col]
		if !ok {
			v = nil
		}
		out[col] = v
	}
	return tables.NormalizeRow(out)
}

// Account flattens the single ad account listing record.
func Account(rec facebook.AccountRecord) tables.Row {
	spec := tables.For(tables.Accounts)
	return conform(tables.Row{
		"account_id":     rec.AccountID,
		"account_name":   rec.Name,
		"account_status": rec.AccountStatus,
		"currency":       rec.Currency,
		"amount_spent":   toNumber(rec.AmountSpent),
	}, spec)
}

// Campaigns flattens campaign listing records, renaming the generic id and
// name fields to campaign_id and campaign_name.
func Campaigns(recs []facebook.CampaignRecord) []tables.Row {
	spec := tables.For(tables.Campaigns)
	rows := make([]tables.Row, len(recs))
	for i, rec := range recs {
		rows[i] = conform(tables.Row{
			"campaign_id":      rec.ID,
			"account_id":       rec.AccountID,
			"campaign_name":    rec.Name,
			"effective_status": rec.EffectiveStatus,
			"objective":        rec.Objective,
			"daily_budget":     toNumber(rec.DailyBudget),
			"updated_time":     rec.UpdatedTime.Time,
		}, spec)
	}
	return rows
}

// AdSets flattens ad set listing records, renaming the generic id and name
// fields to adset_id and adset_name.
func AdSets(recs []facebook.AdSetRecord) []tables.Row {
	spec := tables.For(tables.AdSets)
	rows := make([]tables.Row, len(recs))
	for i, rec := range recs {
		rows[i] = conform(tables.Row{
			"adset_id":          rec.ID,
			"account_id":        rec.AccountID,
			"campaign_id":       rec.CampaignID,
			"adset_name":        rec.Name,
			"status":            rec.Status,
			"optimization_goal": rec.OptimizationGoal,
			"daily_budget":      toNumber(rec.DailyBudget),
			"created_time":      rec.CreatedTime.Time,
			"updated_time":      rec.UpdatedTime.Time,
		}, spec)
	}
	return rows
}

// Insights flattens nested report records into rows for the given insight
// table kind: scalar fields are copied through, each configured
// (conversion-event, attribution-window) pair becomes one numeric column,
// and the nested action lists are dropped.
func Insights(recs []facebook.InsightRecord, spec tables.Spec) []tables.Row {
	rows := make([]tables.Row, len(recs))
	for i, rec := range recs {
		row := tables.Row{
			"ad_id":         rec.AdID,
			"account_id":    rec.AccountID,
			"campaign_id":   rec.CampaignID,
			"adset_id":      rec.AdsetID,
			"date_start":    parseDay(rec.DateStart),
			"date_stop":     parseDay(rec.DateStop),
			"ad_name":       rec.AdName,
			"campaign_name": rec.CampaignName,
			"adset_name":    rec.AdsetName,
			"age":           rec.Age,
			"gender":        rec.Gender,
			"region":        rec.Region,
			"frequency":     toNumber(rec.Frequency),
			"reach":         toNumber(rec.Reach),
			"cpc":           toNumber(rec.CPC),
			"cpm":           toNumber(rec.CPM),
			"spend":         toNumber(rec.Spend),
			"impressions":   toNumber(rec.Impressions),
			"ctr":           toNumber(rec.CTR),
		}

		// Total link clicks from the plain "value" key.
		row["clicks"] = 0.0
		if entry, ok := findAction(rec.Actions, "link_click"); ok {
			row["clicks"] = toNumber(entry.Window("value"))
		}

		for _, ev := range tables.ConversionEvents {
			for _, win := range tables.AttributionWindows {
				row[ev.Column+"_"+win] = metricValue(rec, ev, win)
			}
		}

		rows[i] = conform(row, spec)
	}
	return rows
}
