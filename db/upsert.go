package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/derekwayne/facebook-to-db/pipeline"
	"github.com/derekwayne/facebook-to-db/tables"
)

// UpsertResult reports what a completed upsert batch did, partitioned into
// the rows that were inserted and the rows that updated existing records.
// The partitions are kept as rows, not counts, so callers can stage them for
// audit.
type UpsertResult struct {
	Inserted []tables.Row
	Updated  []tables.Row
}

// bareAccountID strips the act_ prefix endpoints accept in requests. Stored
// rows carry the account_id as reported by the listing feed, which has no
// prefix, so scoped queries must match that form whichever way the account
// was configured.
func bareAccountID(accountID string) string {
	return strings.TrimPrefix(accountID, "act_")
}

// ExistingKeys returns the set of composite key strings currently stored for
// the account in the spec's table. The stored values are normalized through
// the same key builder as freshly flattened rows, so membership in the
// returned set is the update-or-insert decision.
func (db *DB) ExistingKeys(ctx context.Context, spec tables.Spec, accountID string) (map[string]struct{}, error) {

	q := fmt.Sprintf(
		"SELECT %s FROM %s WHERE account_id = ?",
		strings.Join(spec.KeyColumns, ", "),
		spec.Name,
	)
	rows, err := db.QueryxContext(ctx, q, bareAccountID(accountID))
	if err != nil {
		return nil, fmt.Errorf("could not select keys from %s: %w", spec.Name, err)
	}
	defer rows.Close()

	keys := map[string]struct{}{}
	for rows.Next() {
		m := map[string]any{}
		if err := rows.MapScan(m); err != nil {
			return nil, fmt.Errorf("could not scan key row from %s: %w", spec.Name, err)
		}
		keys[tables.KeyString(tables.Row(m), spec.KeyColumns)] = struct{}{}
	}
	return keys, rows.Err()
}

// ParentKeys returns the campaign and ad set ids currently stored for the
// account, for referential filtering of insight rows.
func (db *DB) ParentKeys(ctx context.Context, accountID string) (pipeline.ParentKeys, error) {

	parents := pipeline.ParentKeys{
		Campaigns: map[string]struct{}{},
		AdSets:    map[string]struct{}{},
	}

	var campaignIDs []string
	err := db.SelectContext(ctx, &campaignIDs, "SELECT campaign_id FROM campaigns WHERE account_id = ?", bareAccountID(accountID))
	if err != nil {
		return parents, fmt.Errorf("could not select campaign ids: %w", err)
	}
	for _, id := range campaignIDs {
		parents.Campaigns[id] = struct{}{}
	}

	var adSetIDs []string
	err = db.SelectContext(ctx, &adSetIDs, "SELECT adset_id FROM adsets WHERE account_id = ?", bareAccountID(accountID))
	if err != nil {
		return parents, fmt.Errorf("could not select ad set ids: %w", err)
	}
	for _, id := range adSetIDs {
		parents.AdSets[id] = struct{}{}
	}
	return parents, nil
}

// insertSQL builds the named insert statement for the spec's table.
func insertSQL(spec tables.Spec) string {
	params := make([]string, len(spec.Columns))
	for i, col := range spec.Columns {
		params[i] = ":" + col
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		spec.Name,
		strings.Join(spec.Columns, ", "),
		strings.Join(params, ", "),
	)
}

// updateSQL builds the named update statement for the spec's table, setting
// every non-key column and matching on the full composite key.
func updateSQL(spec tables.Spec) string {
	isKey := map[string]bool{}
	for _, col := range spec.KeyColumns {
		isKey[col] = true
	}
	var sets []string
	for _, col := range spec.Columns {
		if !isKey[col] {
			sets = append(sets, col+" = :"+col)
		}
	}
	wheres := make([]string, len(spec.KeyColumns))
	for i, col := range spec.KeyColumns {
		wheres[i] = col + " = :" + col
	}
	return fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s",
		spec.Name,
		strings.Join(sets, ", "),
		strings.Join(wheres, " AND "),
	)
}

// Upsert writes a batch of rows for one account into the spec's table,
// updating rows whose composite key already exists and inserting the rest.
// The whole batch runs in a single transaction: on any failure nothing is
// written and the returned error is a retryable *TxError. Rows are assumed
// deduplicated; a key colliding within the batch would otherwise insert
// twice.
func (db *DB) Upsert(ctx context.Context, spec tables.Spec, accountID string, rows []tables.Row) (UpsertResult, error) {

	var result UpsertResult
	if len(rows) == 0 {
		return result, nil
	}

	existing, err := db.ExistingKeys(ctx, spec, accountID)
	if err != nil {
		return result, err
	}

	for _, row := range rows {
		row = tables.NormalizeRow(row)
		if _, found := existing[tables.KeyString(row, spec.KeyColumns)]; found {
			result.Updated = append(result.Updated, row)
			continue
		}
		result.Inserted = append(result.Inserted, row)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return UpsertResult{}, &TxError{Op: "upsert " + spec.Name, Err: err}
	}
	defer tx.Rollback() // Rollback is a no-op if Commit succeeds

	if len(result.Inserted) > 0 {
		stmt, err := tx.PrepareNamedContext(ctx, insertSQL(spec))
		if err != nil {
			return UpsertResult{}, &TxError{Op: "prepare insert " + spec.Name, Err: err}
		}
		defer stmt.Close()
		for _, row := range result.Inserted {
			if _, err := stmt.ExecContext(ctx, map[string]any(row)); err != nil {
				return UpsertResult{}, &TxError{Op: "insert " + spec.Name, Err: err}
			}
		}
	}

	if len(result.Updated) > 0 {
		stmt, err := tx.PrepareNamedContext(ctx, updateSQL(spec))
		if err != nil {
			return UpsertResult{}, &TxError{Op: "prepare update " + spec.Name, Err: err}
		}
		defer stmt.Close()
		for _, row := range result.Updated {
			if _, err := stmt.ExecContext(ctx, map[string]any(row)); err != nil {
				return UpsertResult{}, &TxError{Op: "update " + spec.Name, Err: err}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, &TxError{Op: "commit " + spec.Name, Err: err}
	}

	db.log.Info(
		"upsert complete",
		"table", spec.Name,
		"account", accountID,
		"inserted", len(result.Inserted),
		"updated", len(result.Updated),
	)
	return result, nil
}
