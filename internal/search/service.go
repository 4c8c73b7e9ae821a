package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexSpreadsheet indexes a spreadsheet (fire-and-forget to Meilisearch).
func (s *Service) IndexSpreadsheet(rec SpreadsheetRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexSpreadsheet(rec); err != nil {
			log.Printf("search: index spreadsheet %s: %v", rec.ID, err)
		}
	}()
}

// IndexSheet indexes a sheet (fire-and-forget to Meilisearch).
func (s *Service) IndexSheet(rec SheetRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexSheet(rec); err != nil {
			log.Printf("search: index sheet %s: %v", rec.ID, err)
		}
	}()
}

// IndexCell indexes one cell write, or removes the record when the cell was
// cleared (fire-and-forget to Meilisearch).
func (s *Service) IndexCell(rec CellRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if rec.Content == "" {
			if err := s.meili.DeleteCell(rec.ID); err != nil {
				log.Printf("search: delete cell %s: %v", rec.ID, err)
			}
			return
		}
		if err := s.meili.IndexCell(rec); err != nil {
			log.Printf("search: index cell %s: %v", rec.ID, err)
		}
	}()
}

// DeleteSpreadsheet removes a spreadsheet from the search index (fire-and-forget).
func (s *Service) DeleteSpreadsheet(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteSpreadsheet(id); err != nil {
			log.Printf("search: delete spreadsheet %s: %v", id, err)
		}
	}()
}

// DeleteSheet removes a sheet from the search index (fire-and-forget).
func (s *Service) DeleteSheet(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteSheet(id); err != nil {
			log.Printf("search: delete sheet %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	spreadsheets, sheets, cells, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexSpreadsheets(spreadsheets); err != nil {
		log.Printf("search: reindex spreadsheets: %v", err)
	}
	if err := s.meili.IndexSheets(sheets); err != nil {
		log.Printf("search: reindex sheets: %v", err)
	}
	if err := s.meili.IndexCells(cells); err != nil {
		log.Printf("search: reindex cells: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
