package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// The tsvectors are computed inline; the searchable columns are short enough
// that a stored fts column is not worth the migration.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across spreadsheets, sheets, and cells
// using plainto_tsquery and ts_rank, with ts_headline for cell snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.SpreadsheetIDs) == 0 {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.SpreadsheetIDs}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultSpreadsheet {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'spreadsheet'::text AS type, ss.id, ss.title,
				''::text AS snippet,
				ss.id AS spreadsheet_id, ''::text AS sheet_id,
				0 AS row_index, 0 AS col_index,
				ts_rank(to_tsvector('english', ss.title), %s) AS rank
			FROM spreadsheets ss
			WHERE to_tsvector('english', ss.title) @@ %s
				AND ss.id = ANY($2)`, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultSheet {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'sheet'::text AS type, sh.id, sh.name AS title,
				''::text AS snippet,
				sh.spreadsheet_id, sh.id AS sheet_id,
				0 AS row_index, 0 AS col_index,
				ts_rank(to_tsvector('english', sh.name), %s) AS rank
			FROM sheets sh
			WHERE to_tsvector('english', sh.name) @@ %s
				AND sh.spreadsheet_id = ANY($2)`, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultCell {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'cell'::text AS type,
				c.sheet_id || '-r' || c.row_index || '-c' || c.col_index AS id,
				''::text AS title,
				ts_headline('english', c.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				sh.spreadsheet_id, c.sheet_id,
				c.row_index, c.col_index,
				ts_rank(to_tsvector('english', c.content), %s) AS rank
			FROM cells c
			JOIN sheets sh ON sh.id = c.sheet_id
			WHERE to_tsvector('english', c.content) @@ %s
				AND sh.spreadsheet_id = ANY($2)`, tsQuery, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, spreadsheet_id, sheet_id, row_index, col_index
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.SpreadsheetID, &r.SheetID, &r.Row, &r.Column); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SpreadsheetRecord, []SheetRecord, []CellRecord, error) {
	ssRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, owner_id
		FROM spreadsheets
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load spreadsheets: %w", err)
	}
	defer ssRows.Close()

	spreadsheets := make([]SpreadsheetRecord, 0)
	for ssRows.Next() {
		var rec SpreadsheetRecord
		if err := ssRows.Scan(&rec.ID, &rec.Title, &rec.OwnerID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan spreadsheet: %w", err)
		}
		spreadsheets = append(spreadsheets, rec)
	}
	if err := ssRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate spreadsheets: %w", err)
	}

	sheetRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, spreadsheet_id
		FROM sheets
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load sheets: %w", err)
	}
	defer sheetRows.Close()

	sheets := make([]SheetRecord, 0)
	for sheetRows.Next() {
		var rec SheetRecord
		if err := sheetRows.Scan(&rec.ID, &rec.Name, &rec.SpreadsheetID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan sheet: %w", err)
		}
		sheets = append(sheets, rec)
	}
	if err := sheetRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate sheets: %w", err)
	}

	cellRows, err := p.db.QueryContext(ctx, `
		SELECT c.sheet_id, sh.spreadsheet_id, c.row_index, c.col_index, c.content
		FROM cells c
		JOIN sheets sh ON sh.id = c.sheet_id
		WHERE c.content <> ''
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load cells: %w", err)
	}
	defer cellRows.Close()

	cells := make([]CellRecord, 0)
	for cellRows.Next() {
		var rec CellRecord
		if err := cellRows.Scan(&rec.SheetID, &rec.SpreadsheetID, &rec.Row, &rec.Column, &rec.Content); err != nil {
			return nil, nil, nil, fmt.Errorf("scan cell: %w", err)
		}
		rec.ID = CellRecordID(rec.SheetID, rec.Row, rec.Column)
		cells = append(cells, rec)
	}
	if err := cellRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate cells: %w", err)
	}

	return spreadsheets, sheets, cells, nil
}
