package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Username, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, created_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, created_at
		FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, created_at
		FROM users WHERE username=$1
	`, username).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Spreadsheets

func (s *PostgresStore) InsertSpreadsheet(ctx context.Context, item Spreadsheet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spreadsheets (id, owner_id, title)
		VALUES ($1, $2, $3)
	`, item.ID, item.OwnerID, item.Title)
	if err != nil {
		return fmt.Errorf("insert spreadsheet: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSpreadsheet(ctx context.Context, spreadsheetID string) (Spreadsheet, error) {
	var item Spreadsheet
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, created_at
		FROM spreadsheets WHERE id=$1
	`, spreadsheetID).Scan(&item.ID, &item.OwnerID, &item.Title, &item.CreatedAt)
	if err != nil {
		return Spreadsheet{}, err
	}
	return item, nil
}

// ListSpreadsheetsForUser returns spreadsheets the user owns or collaborates on.
func (s *PostgresStore) ListSpreadsheetsForUser(ctx context.Context, userID string) ([]Spreadsheet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ss.id, ss.owner_id, ss.title, ss.created_at
		FROM spreadsheets ss
		LEFT JOIN spreadsheet_collaborators sc ON sc.spreadsheet_id = ss.id
		WHERE ss.owner_id=$1 OR sc.user_id=$1
		ORDER BY ss.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list spreadsheets: %w", err)
	}
	defer rows.Close()

	items := make([]Spreadsheet, 0)
	for rows.Next() {
		var item Spreadsheet
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.Title, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan spreadsheet: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spreadsheets: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteSpreadsheet(ctx context.Context, spreadsheetID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM spreadsheets WHERE id=$1`, spreadsheetID)
	if err != nil {
		return fmt.Errorf("delete spreadsheet: %w", err)
	}
	return nil
}

// Collaborators

func (s *PostgresStore) AddCollaborator(ctx context.Context, spreadsheetID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spreadsheet_collaborators (spreadsheet_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (spreadsheet_id, user_id) DO NOTHING
	`, spreadsheetID, userID)
	if err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveCollaborator(ctx context.Context, spreadsheetID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM spreadsheet_collaborators
		WHERE spreadsheet_id=$1 AND user_id=$2
	`, spreadsheetID, userID)
	if err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCollaborators(ctx context.Context, spreadsheetID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sc.spreadsheet_id, sc.user_id, u.username, sc.added_at
		FROM spreadsheet_collaborators sc
		JOIN users u ON u.id = sc.user_id
		WHERE sc.spreadsheet_id=$1
		ORDER BY sc.added_at ASC
	`, spreadsheetID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		var item Collaborator
		if err := rows.Scan(&item.SpreadsheetID, &item.UserID, &item.Username, &item.AddedAt); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborators: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) IsOwner(ctx context.Context, userID, spreadsheetID string) (bool, error) {
	var owner bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM spreadsheets WHERE id=$1 AND owner_id=$2)
	`, spreadsheetID, userID).Scan(&owner)
	if err != nil {
		return false, fmt.Errorf("check owner: %w", err)
	}
	return owner, nil
}

func (s *PostgresStore) IsCollaborator(ctx context.Context, userID, spreadsheetID string) (bool, error) {
	var collaborator bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM spreadsheet_collaborators WHERE spreadsheet_id=$1 AND user_id=$2)
	`, spreadsheetID, userID).Scan(&collaborator)
	if err != nil {
		return false, fmt.Errorf("check collaborator: %w", err)
	}
	return collaborator, nil
}

// Sheets

func (s *PostgresStore) InsertSheet(ctx context.Context, item Sheet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sheets (id, spreadsheet_id, name)
		VALUES ($1, $2, $3)
	`, item.ID, item.SpreadsheetID, item.Name)
	if err != nil {
		return fmt.Errorf("insert sheet: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSheet(ctx context.Context, sheetID string) (Sheet, error) {
	var item Sheet
	err := s.db.QueryRowContext(ctx, `
		SELECT id, spreadsheet_id, name, created_at
		FROM sheets WHERE id=$1
	`, sheetID).Scan(&item.ID, &item.SpreadsheetID, &item.Name, &item.CreatedAt)
	if err != nil {
		return Sheet{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListSheets(ctx context.Context, spreadsheetID string) ([]Sheet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, spreadsheet_id, name, created_at
		FROM sheets
		WHERE spreadsheet_id=$1
		ORDER BY created_at ASC
	`, spreadsheetID)
	if err != nil {
		return nil, fmt.Errorf("list sheets: %w", err)
	}
	defer rows.Close()

	items := make([]Sheet, 0)
	for rows.Next() {
		var item Sheet
		if err := rows.Scan(&item.ID, &item.SpreadsheetID, &item.Name, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sheet: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sheets: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteSheet(ctx context.Context, sheetID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sheets WHERE id=$1`, sheetID)
	if err != nil {
		return fmt.Errorf("delete sheet: %w", err)
	}
	return nil
}

// Cells

// ReadCell returns the stored state of one address. A missing row is not
// an error; found reports whether the address holds a value.
func (s *PostgresStore) ReadCell(ctx context.Context, sheetID string, row, col int) (Cell, bool, error) {
	var cell Cell
	err := s.db.QueryRowContext(ctx, `
		SELECT sheet_id, row_index, col_index, content, formula, hyperlink, updated_at
		FROM cells
		WHERE sheet_id=$1 AND row_index=$2 AND col_index=$3
	`, sheetID, row, col).Scan(&cell.SheetID, &cell.Row, &cell.Col, &cell.Content, &cell.Formula, &cell.Hyperlink, &cell.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Cell{}, false, nil
	}
	if err != nil {
		return Cell{}, false, fmt.Errorf("read cell: %w", err)
	}
	return cell, true, nil
}

// WriteCell upserts the full field set of one address. Writing all-empty
// fields deletes the row, so a clear and a no-op clear are both idempotent.
func (s *PostgresStore) WriteCell(ctx context.Context, cell Cell) (Cell, error) {
	if cell.Empty() {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM cells WHERE sheet_id=$1 AND row_index=$2 AND col_index=$3
		`, cell.SheetID, cell.Row, cell.Col)
		if err != nil {
			return Cell{}, fmt.Errorf("clear cell: %w", err)
		}
		cell.UpdatedAt = time.Now()
		return cell, nil
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cells (sheet_id, row_index, col_index, content, formula, hyperlink)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sheet_id, row_index, col_index)
		DO UPDATE SET content=EXCLUDED.content, formula=EXCLUDED.formula, hyperlink=EXCLUDED.hyperlink, updated_at=NOW()
		RETURNING sheet_id, row_index, col_index, content, formula, hyperlink, updated_at
	`, cell.SheetID, cell.Row, cell.Col, cell.Content, cell.Formula, cell.Hyperlink).Scan(
		&cell.SheetID, &cell.Row, &cell.Col, &cell.Content, &cell.Formula, &cell.Hyperlink, &cell.UpdatedAt,
	)
	if err != nil {
		return Cell{}, fmt.Errorf("write cell: %w", err)
	}
	return cell, nil
}

// ListCells enumerates every persisted cell of a sheet in address order.
// Used to seed a room's working state and to serve snapshots.
func (s *PostgresStore) ListCells(ctx context.Context, sheetID string) ([]Cell, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sheet_id, row_index, col_index, content, formula, hyperlink, updated_at
		FROM cells
		WHERE sheet_id=$1
		ORDER BY row_index ASC, col_index ASC
	`, sheetID)
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	defer rows.Close()

	items := make([]Cell, 0)
	for rows.Next() {
		var cell Cell
		if err := rows.Scan(&cell.SheetID, &cell.Row, &cell.Col, &cell.Content, &cell.Formula, &cell.Hyperlink, &cell.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		items = append(items, cell)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cells: %w", err)
	}
	return items, nil
}

// Refresh sessions (PostgreSQL fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.email, u.password_hash, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
