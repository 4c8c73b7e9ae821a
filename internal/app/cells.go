package app

import (
	"context"

	"gridline/api/internal/realtime"
	"gridline/api/internal/search"
	"gridline/api/internal/store"
)

type cellStore interface {
	ListCells(ctx context.Context, sheetID string) ([]store.Cell, error)
	WriteCell(ctx context.Context, cell store.Cell) (store.Cell, error)
	GetSheet(ctx context.Context, sheetID string) (store.Sheet, error)
}

// IndexingCellStore feeds accepted cell writes into the search index on
// their way to Postgres. Index updates never gate the write.
type IndexingCellStore struct {
	store  cellStore
	search *search.Service
}

var _ realtime.CellStore = (*IndexingCellStore)(nil)

func NewIndexingCellStore(st cellStore, searchSvc *search.Service) *IndexingCellStore {
	return &IndexingCellStore{store: st, search: searchSvc}
}

func (s *IndexingCellStore) ListCells(ctx context.Context, sheetID string) ([]store.Cell, error) {
	return s.store.ListCells(ctx, sheetID)
}

func (s *IndexingCellStore) WriteCell(ctx context.Context, cell store.Cell) (store.Cell, error) {
	committed, err := s.store.WriteCell(ctx, cell)
	if err != nil {
		return store.Cell{}, err
	}

	rec := search.CellRecord{
		ID:      search.CellRecordID(committed.SheetID, committed.Row, committed.Col),
		Content: committed.Content,
		SheetID: committed.SheetID,
		Row:     committed.Row,
		Column:  committed.Col,
	}
	if sheet, err := s.store.GetSheet(ctx, committed.SheetID); err == nil {
		rec.SpreadsheetID = sheet.SpreadsheetID
	}
	s.search.IndexCell(rec)

	return committed, nil
}
