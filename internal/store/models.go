package store

import "time"

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type Spreadsheet struct {
	ID        string
	OwnerID   string
	Title     string
	CreatedAt time.Time
}

type Sheet struct {
	ID            string
	SpreadsheetID string
	Name          string
	CreatedAt     time.Time
}

// Collaborator is the join row granting a user edit rights on a spreadsheet.
// The owner never appears here; ownership implies access.
type Collaborator struct {
	SpreadsheetID string
	UserID        string
	Username      string
	AddedAt       time.Time
}

// Cell is one addressed value of a sheet. A missing row means the address
// is empty; all three value fields are written as a unit.
type Cell struct {
	SheetID   string
	Row       int
	Col       int
	Content   string
	Formula   string
	Hyperlink string
	UpdatedAt time.Time
}

// Empty reports whether the cell carries no value in any field.
func (c Cell) Empty() bool {
	return c.Content == "" && c.Formula == "" && c.Hyperlink == ""
}
