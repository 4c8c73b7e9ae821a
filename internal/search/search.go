package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultSpreadsheet ResultType = "spreadsheet"
	ResultSheet       ResultType = "sheet"
	ResultCell        ResultType = "cell"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type          ResultType `json:"type"`
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Snippet       string     `json:"snippet"`
	SpreadsheetID string     `json:"spreadsheetId"`
	SheetID       string     `json:"sheetId,omitempty"`
	Row           int        `json:"row,omitempty"`
	Column        int        `json:"column,omitempty"`
}

// Query describes a search request. SpreadsheetIDs scopes results to the
// spreadsheets the caller can access; an empty scope matches nothing.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	SpreadsheetIDs []string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// SpreadsheetRecord is the data we index for a spreadsheet.
type SpreadsheetRecord struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	OwnerID string `json:"ownerId"`
}

// SheetRecord is the data we index for a sheet tab.
type SheetRecord struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SpreadsheetID string `json:"spreadsheetId"`
}

// CellRecord is the data we index for one non-empty cell.
type CellRecord struct {
	ID            string `json:"id"`
	Content       string `json:"content"`
	SheetID       string `json:"sheetId"`
	SpreadsheetID string `json:"spreadsheetId"`
	Row           int    `json:"row"`
	Column        int    `json:"column"`
}
