package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxSpreadsheets = "gridline_spreadsheets"
	idxSheets       = "gridline_sheets"
	idxCells        = "gridline_cells"
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. The client
// keeps probing in the background, so an instance that is down at boot is
// picked up once it recovers.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxSpreadsheets,
			filterable: []string{"ownerId"},
			searchable: []string{"title"},
		},
		{
			uid:        idxSheets,
			filterable: []string{"spreadsheetId"},
			searchable: []string{"name"},
		},
		{
			uid:        idxCells,
			filterable: []string{"spreadsheetId", "sheetId"},
			searchable: []string{"content"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// CellRecordID builds the index id for one cell. Meilisearch ids allow
// only alphanumerics, dashes, and underscores, so no separator beyond '-'.
func CellRecordID(sheetID string, row, col int) string {
	return fmt.Sprintf("%s-r%d-c%d", sheetID, row, col)
}

// Search queries all three indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	if len(q.SpreadsheetIDs) == 0 {
		return nil, 0, nil
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	scope := scopeFilter(q.SpreadsheetIDs)

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid     string
		rtyp    ResultType
		idField string
	}{
		{idxSpreadsheets, ResultSpreadsheet, "id"},
		{idxSheets, ResultSheet, "spreadsheetId"},
		{idxCells, ResultCell, "spreadsheetId"},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              ti.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			Filter:                []string{fmt.Sprintf("%s IN %s", ti.idField, scope)},
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		})
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func scopeFilter(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxSpreadsheets:
		return ResultSpreadsheet
	case idxSheets:
		return ResultSheet
	case idxCells:
		return ResultCell
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.SpreadsheetID = decodeString(hit, "spreadsheetId")
	r.SheetID = decodeString(hit, "sheetId")

	switch rtyp {
	case ResultSpreadsheet:
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		r.SpreadsheetID = r.ID
	case ResultSheet:
		r.Title = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))
	case ResultCell:
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "content"), decodeString(hit, "content"))
		r.Row = decodeInt(hit, "row")
		r.Column = decodeInt(hit, "column")
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt(hit meili.Hit, key string) int {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexSpreadsheet adds or updates a spreadsheet in the search index.
func (m *Meili) IndexSpreadsheet(rec SpreadsheetRecord) error {
	_, err := m.client.Index(idxSpreadsheets).AddDocuments([]SpreadsheetRecord{rec}, nil)
	return err
}

// IndexSheet adds or updates a sheet in the search index.
func (m *Meili) IndexSheet(rec SheetRecord) error {
	_, err := m.client.Index(idxSheets).AddDocuments([]SheetRecord{rec}, nil)
	return err
}

// IndexCell adds or updates one cell in the search index.
func (m *Meili) IndexCell(rec CellRecord) error {
	_, err := m.client.Index(idxCells).AddDocuments([]CellRecord{rec}, nil)
	return err
}

// DeleteSpreadsheet removes a spreadsheet from the search index.
func (m *Meili) DeleteSpreadsheet(id string) error {
	_, err := m.client.Index(idxSpreadsheets).DeleteDocument(id, nil)
	return err
}

// DeleteSheet removes a sheet from the search index.
func (m *Meili) DeleteSheet(id string) error {
	_, err := m.client.Index(idxSheets).DeleteDocument(id, nil)
	return err
}

// DeleteCell removes one cell from the search index.
func (m *Meili) DeleteCell(id string) error {
	_, err := m.client.Index(idxCells).DeleteDocument(id, nil)
	return err
}

// IndexSpreadsheets bulk-indexes spreadsheets.
func (m *Meili) IndexSpreadsheets(recs []SpreadsheetRecord) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSpreadsheets).AddDocuments(recs, nil)
	return err
}

// IndexSheets bulk-indexes sheets.
func (m *Meili) IndexSheets(recs []SheetRecord) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxSheets).AddDocuments(recs, nil)
	return err
}

// IndexCells bulk-indexes cell records.
func (m *Meili) IndexCells(recs []CellRecord) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxCells).AddDocuments(recs, nil)
	return err
}
