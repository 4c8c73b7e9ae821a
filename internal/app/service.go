package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"gridline/api/internal/access"
	"gridline/api/internal/auth"
	"gridline/api/internal/authpw"
	"gridline/api/internal/config"
	"gridline/api/internal/search"
	"gridline/api/internal/store"
	"gridline/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)

	InsertSpreadsheet(ctx context.Context, item store.Spreadsheet) error
	GetSpreadsheet(ctx context.Context, spreadsheetID string) (store.Spreadsheet, error)
	ListSpreadsheetsForUser(ctx context.Context, userID string) ([]store.Spreadsheet, error)
	DeleteSpreadsheet(ctx context.Context, spreadsheetID string) error

	AddCollaborator(ctx context.Context, spreadsheetID, userID string) error
	RemoveCollaborator(ctx context.Context, spreadsheetID, userID string) error
	ListCollaborators(ctx context.Context, spreadsheetID string) ([]store.Collaborator, error)
	IsOwner(ctx context.Context, userID, spreadsheetID string) (bool, error)
	IsCollaborator(ctx context.Context, userID, spreadsheetID string) (bool, error)

	InsertSheet(ctx context.Context, item store.Sheet) error
	GetSheet(ctx context.Context, sheetID string) (store.Sheet, error)
	ListSheets(ctx context.Context, spreadsheetID string) ([]store.Sheet, error)
	DeleteSheet(ctx context.Context, sheetID string) error

	ListCells(ctx context.Context, sheetID string) ([]store.Cell, error)

	Ping(ctx context.Context) error
}

// refreshStore holds refresh tokens. Backed by Redis when configured, by
// the refresh_sessions table otherwise.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// roomCounter is the slice of the realtime registry the REST surface reads.
type roomCounter interface {
	RoomCount() int
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshStore
	gate     *access.Gate
	authpw   *authpw.Service
	search   *search.Service
	rooms    roomCounter
}

func New(cfg config.Config, dataStore dataStore, sessions refreshStore, gate *access.Gate, authSvc *authpw.Service, searchSvc *search.Service, rooms roomCounter) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		gate:     gate,
		authpw:   authSvc,
		search:   searchSvc,
		rooms:    rooms,
	}
}

// Auth

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.authpw.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.authpw.SignIn(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The refresh store may hold only the user id; rehydrate for the claims.
	if user.Username == "" {
		user, err = s.store.GetUserByID(ctx, user.ID)
		if err != nil {
			return Session{}, err
		}
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Username,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Spreadsheets

func (s *Service) CreateSpreadsheet(ctx context.Context, session Session, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, validationError("title is required")
	}

	item := store.Spreadsheet{
		ID:      util.NewID("ss"),
		OwnerID: session.UserID,
		Title:   title,
	}
	if err := s.store.InsertSpreadsheet(ctx, item); err != nil {
		return nil, err
	}

	// Every spreadsheet starts with one sheet.
	sheet := store.Sheet{
		ID:            util.NewID("sht"),
		SpreadsheetID: item.ID,
		Name:          "Sheet1",
	}
	if err := s.store.InsertSheet(ctx, sheet); err != nil {
		return nil, err
	}

	s.search.IndexSpreadsheet(search.SpreadsheetRecord{ID: item.ID, Title: item.Title, OwnerID: item.OwnerID})
	s.search.IndexSheet(search.SheetRecord{ID: sheet.ID, Name: sheet.Name, SpreadsheetID: item.ID})

	return map[string]any{
		"spreadsheet": spreadsheetPayload(item),
		"sheets":      []map[string]any{sheetPayload(sheet)},
	}, nil
}

func (s *Service) ListSpreadsheets(ctx context.Context, session Session) (map[string]any, error) {
	items, err := s.store.ListSpreadsheetsForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, spreadsheetPayload(item))
	}
	return map[string]any{"spreadsheets": payload}, nil
}

func (s *Service) GetSpreadsheet(ctx context.Context, session Session, spreadsheetID string) (map[string]any, error) {
	if _, err := s.requireAccess(ctx, session, spreadsheetID, false); err != nil {
		return nil, err
	}

	item, err := s.store.GetSpreadsheet(ctx, spreadsheetID)
	if err != nil {
		return nil, err
	}
	sheets, err := s.store.ListSheets(ctx, spreadsheetID)
	if err != nil {
		return nil, err
	}
	collaborators, err := s.store.ListCollaborators(ctx, spreadsheetID)
	if err != nil {
		return nil, err
	}

	sheetItems := make([]map[string]any, 0, len(sheets))
	for _, sheet := range sheets {
		sheetItems = append(sheetItems, sheetPayload(sheet))
	}
	collabItems := make([]map[string]any, 0, len(collaborators))
	for _, collab := range collaborators {
		collabItems = append(collabItems, map[string]any{
			"userId":   collab.UserID,
			"username": collab.Username,
			"addedAt":  collab.AddedAt.Unix(),
		})
	}

	return map[string]any{
		"spreadsheet":   spreadsheetPayload(item),
		"sheets":        sheetItems,
		"collaborators": collabItems,
	}, nil
}

func (s *Service) DeleteSpreadsheet(ctx context.Context, session Session, spreadsheetID string) error {
	if _, err := s.requireAccess(ctx, session, spreadsheetID, true); err != nil {
		return err
	}
	sheets, err := s.store.ListSheets(ctx, spreadsheetID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSpreadsheet(ctx, spreadsheetID); err != nil {
		return err
	}
	s.search.DeleteSpreadsheet(spreadsheetID)
	for _, sheet := range sheets {
		s.search.DeleteSheet(sheet.ID)
	}
	return nil
}

// Collaborators

func (s *Service) AddCollaborator(ctx context.Context, session Session, spreadsheetID, username string) (map[string]any, error) {
	item, err := s.requireAccess(ctx, session, spreadsheetID, true)
	if err != nil {
		return nil, err
	}

	username = strings.TrimSpace(username)
	if username == "" {
		return nil, validationError("username is required")
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No such user", nil)
		}
		return nil, err
	}
	if user.ID == item.OwnerID {
		return nil, domainError(http.StatusConflict, "ALREADY_OWNER", "User already owns this spreadsheet", nil)
	}

	if err := s.store.AddCollaborator(ctx, spreadsheetID, user.ID); err != nil {
		return nil, err
	}
	return map[string]any{
		"userId":   user.ID,
		"username": user.Username,
	}, nil
}

func (s *Service) RemoveCollaborator(ctx context.Context, session Session, spreadsheetID, userID string) error {
	if _, err := s.requireAccess(ctx, session, spreadsheetID, true); err != nil {
		return err
	}
	return s.store.RemoveCollaborator(ctx, spreadsheetID, userID)
}

// Sheets

func (s *Service) CreateSheet(ctx context.Context, session Session, spreadsheetID, name string) (map[string]any, error) {
	if _, err := s.requireAccess(ctx, session, spreadsheetID, true); err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError("name is required")
	}

	existing, err := s.store.ListSheets(ctx, spreadsheetID)
	if err != nil {
		return nil, err
	}
	for _, other := range existing {
		if other.Name == name {
			return nil, domainError(http.StatusConflict, "SHEET_EXISTS", "A sheet with that name already exists", nil)
		}
	}

	sheet := store.Sheet{
		ID:            util.NewID("sht"),
		SpreadsheetID: spreadsheetID,
		Name:          name,
	}
	if err := s.store.InsertSheet(ctx, sheet); err != nil {
		return nil, err
	}
	s.search.IndexSheet(search.SheetRecord{ID: sheet.ID, Name: sheet.Name, SpreadsheetID: spreadsheetID})
	return sheetPayload(sheet), nil
}

func (s *Service) ListSheets(ctx context.Context, session Session, spreadsheetID string) (map[string]any, error) {
	if _, err := s.requireAccess(ctx, session, spreadsheetID, false); err != nil {
		return nil, err
	}
	sheets, err := s.store.ListSheets(ctx, spreadsheetID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(sheets))
	for _, sheet := range sheets {
		items = append(items, sheetPayload(sheet))
	}
	return map[string]any{"sheets": items}, nil
}

func (s *Service) GetSheet(ctx context.Context, session Session, sheetID string) (map[string]any, error) {
	sheet, err := s.resolveSheet(ctx, session, sheetID, false)
	if err != nil {
		return nil, err
	}
	return sheetPayload(sheet), nil
}

func (s *Service) DeleteSheet(ctx context.Context, session Session, sheetID string) error {
	sheet, err := s.resolveSheet(ctx, session, sheetID, true)
	if err != nil {
		return err
	}
	sheets, err := s.store.ListSheets(ctx, sheet.SpreadsheetID)
	if err != nil {
		return err
	}
	if len(sheets) <= 1 {
		return domainError(http.StatusConflict, "LAST_SHEET", "A spreadsheet must keep at least one sheet", nil)
	}
	if err := s.store.DeleteSheet(ctx, sheetID); err != nil {
		return err
	}
	s.search.DeleteSheet(sheetID)
	return nil
}

// ListSheetCells serves the persisted cell state over REST, for bulk reads
// that do not need a live subscription.
func (s *Service) ListSheetCells(ctx context.Context, session Session, sheetID string) (map[string]any, error) {
	sheet, err := s.resolveSheet(ctx, session, sheetID, false)
	if err != nil {
		return nil, err
	}
	cells, err := s.store.ListCells(ctx, sheetID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(cells))
	for _, cell := range cells {
		items = append(items, map[string]any{
			"row":       cell.Row,
			"column":    cell.Col,
			"content":   cell.Content,
			"formula":   cell.Formula,
			"hyperlink": cell.Hyperlink,
			"updatedAt": cell.UpdatedAt.Unix(),
		})
	}
	return map[string]any{
		"sheetId": sheet.ID,
		"cells":   items,
	}, nil
}

// Search

func (s *Service) Search(ctx context.Context, session Session, text, filterType string, limit, offset int) (search.Response, error) {
	accessible, err := s.store.ListSpreadsheetsForUser(ctx, session.UserID)
	if err != nil {
		return search.Response{}, err
	}
	ids := make([]string, 0, len(accessible))
	for _, item := range accessible {
		ids = append(ids, item.ID)
	}

	return s.search.Search(search.Query{
		Text:           text,
		FilterType:     search.ResultType(filterType),
		SpreadsheetIDs: ids,
		Limit:          limit,
		Offset:         offset,
	}), nil
}

// Health

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingSessions checks the refresh-token store. The Postgres fallback rides
// on the database connection; Redis answers for itself.
func (s *Service) PingSessions(ctx context.Context) error {
	if pinger, ok := s.sessions.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func (s *Service) RoomCount() int {
	if s.rooms == nil {
		return 0
	}
	return s.rooms.RoomCount()
}

// requireAccess loads the spreadsheet and checks the caller's rights.
// manage requires ownership; otherwise collaborator access suffices.
func (s *Service) requireAccess(ctx context.Context, session Session, spreadsheetID string, manage bool) (store.Spreadsheet, error) {
	item, err := s.store.GetSpreadsheet(ctx, spreadsheetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Spreadsheet{}, domainError(http.StatusNotFound, "NOT_FOUND", "Spreadsheet not found", nil)
		}
		return store.Spreadsheet{}, err
	}

	level, err := s.gate.Check(ctx, session.UserID, spreadsheetID)
	if err != nil {
		return store.Spreadsheet{}, err
	}
	if manage && !level.CanManage() {
		return store.Spreadsheet{}, domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can do that", nil)
	}
	if !level.CanEdit() {
		return store.Spreadsheet{}, domainError(http.StatusForbidden, "FORBIDDEN", "No access to this spreadsheet", nil)
	}
	return item, nil
}

func (s *Service) resolveSheet(ctx context.Context, session Session, sheetID string, manage bool) (store.Sheet, error) {
	sheet, err := s.store.GetSheet(ctx, sheetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Sheet{}, domainError(http.StatusNotFound, "NOT_FOUND", "Sheet not found", nil)
		}
		return store.Sheet{}, err
	}
	if _, err := s.requireAccess(ctx, session, sheet.SpreadsheetID, manage); err != nil {
		return store.Sheet{}, err
	}
	return sheet, nil
}

func spreadsheetPayload(item store.Spreadsheet) map[string]any {
	return map[string]any{
		"id":        item.ID,
		"ownerId":   item.OwnerID,
		"title":     item.Title,
		"createdAt": item.CreatedAt.Unix(),
	}
}

func sheetPayload(item store.Sheet) map[string]any {
	return map[string]any{
		"id":            item.ID,
		"spreadsheetId": item.SpreadsheetID,
		"name":          item.Name,
		"createdAt":     item.CreatedAt.Unix(),
	}
}
