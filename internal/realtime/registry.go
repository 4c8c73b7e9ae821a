// Package realtime is the synchronization engine: it owns room lifecycle,
// per-sheet operation ordering, conflict resolution, and broadcast fan-out
// for connected spreadsheet sessions.
package realtime

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"gridline/api/internal/access"
	"gridline/api/internal/store"
)

// CellStore is the slice of the persistence adapter the engine needs.
type CellStore interface {
	ListCells(ctx context.Context, sheetID string) ([]store.Cell, error)
	WriteCell(ctx context.Context, cell store.Cell) (store.Cell, error)
}

// SheetResolver maps a sheet id to its parent spreadsheet.
type SheetResolver interface {
	GetSheet(ctx context.Context, sheetID string) (store.Sheet, error)
}

// Authorizer re-checks a user's rights on a spreadsheet. Called on every
// subscribe and every write; results are never cached across operations.
type Authorizer interface {
	Check(ctx context.Context, userID, spreadsheetID string) (access.Level, error)
}

// Options tunes the engine. Zero values are replaced with defaults.
type Options struct {
	// EchoToSelf broadcasts accepted edits back to the originator in
	// addition to the dedicated acknowledgment. Off by default: the ack
	// already carries the assigned sequence, so echoing would cost the
	// author a duplicate render.
	EchoToSelf     bool
	HeartbeatEvery time.Duration
	SessionTimeout time.Duration
	OpQueueDepth   int
	OpTimeout      time.Duration
	SendBuffer     int
}

func (o Options) withDefaults() Options {
	if o.HeartbeatEvery <= 0 {
		o.HeartbeatEvery = 20 * time.Second
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 60 * time.Second
	}
	if o.OpQueueDepth <= 0 {
		o.OpQueueDepth = 64
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// Registry maps sheet ids to live rooms. Creation is atomic check-then-act
// under one lock, which is what guarantees at most one room (and so one
// serializing writer) per sheet at any time.
type Registry struct {
	cells  CellStore
	sheets SheetResolver
	gate   Authorizer
	opts   Options

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(cells CellStore, sheets SheetResolver, gate Authorizer, opts Options) *Registry {
	return &Registry{
		cells:  cells,
		sheets: sheets,
		gate:   gate,
		opts:   opts.withDefaults(),
		rooms:  make(map[string]*Room),
	}
}

// Join subscribes a session to a sheet, creating the room on first
// subscriber. The authorization gate runs before any room is touched, and
// joining a new sheet implicitly leaves the previous one.
func (r *Registry) Join(ctx context.Context, sess *Session, sheetID string) error {
	sheet, err := r.sheets.GetSheet(ctx, sheetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return reject(ReasonNotFound, "sheet %s does not exist", sheetID)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return reject(ReasonTimeout, "sheet lookup timed out")
		}
		return reject(ReasonStorage, "sheet lookup failed")
	}

	level, err := r.gate.Check(ctx, sess.userID, sheet.SpreadsheetID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return reject(ReasonTimeout, "authorization check timed out")
		}
		return reject(ReasonStorage, "authorization check failed")
	}
	if !level.CanEdit() {
		return reject(ReasonUnauthorized, "no access to spreadsheet %s", sheet.SpreadsheetID)
	}

	if current := sess.currentRoom(); current != nil {
		current.leave(sess)
	}

	// A room can tear down between lookup and join; retry once against a
	// freshly created room.
	for attempt := 0; attempt < 2; attempt++ {
		room := r.getOrCreate(sheetID, sheet.SpreadsheetID)
		err := room.join(sess)
		if err == nil {
			return nil
		}
		if err == errRoomClosed {
			continue
		}
		return err
	}
	return errRoomClosed
}

// Leave unsubscribes the session from whatever sheet it currently watches.
func (r *Registry) Leave(sess *Session) {
	if room := sess.currentRoom(); room != nil {
		room.leave(sess)
	}
}

func (r *Registry) getOrCreate(sheetID, spreadsheetID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[sheetID]; ok {
		return room
	}
	room := newRoom(r, sheetID, spreadsheetID)
	r.rooms[sheetID] = room
	return room
}

// remove drops the room from the map if it is still the registered entry.
// Called by the room itself during teardown, before done is closed.
func (r *Registry) remove(room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room.sheetID] == room {
		delete(r.rooms, room.sheetID)
	}
}

// RoomCount reports the number of live rooms, for readiness reporting.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
