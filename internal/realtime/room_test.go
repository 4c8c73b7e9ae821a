package realtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"gridline/api/internal/access"
	"gridline/api/internal/store"
)

type fakeCellStore struct {
	mu        sync.Mutex
	cells     map[string]map[cellAddr]store.Cell
	writes    int
	failNext  error
	panicNext bool
	listErr   error
}

func newFakeCellStore() *fakeCellStore {
	return &fakeCellStore{cells: make(map[string]map[cellAddr]store.Cell)}
}

func (f *fakeCellStore) seed(sheetID string, cell store.Cell) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cells[sheetID] == nil {
		f.cells[sheetID] = make(map[cellAddr]store.Cell)
	}
	f.cells[sheetID][cellAddr{row: cell.Row, col: cell.Col}] = cell
}

func (f *fakeCellStore) ListCells(_ context.Context, sheetID string) ([]store.Cell, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []store.Cell
	for _, cell := range f.cells[sheetID] {
		out = append(out, cell)
	}
	return out, nil
}

func (f *fakeCellStore) WriteCell(_ context.Context, cell store.Cell) (store.Cell, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return store.Cell{}, err
	}
	if f.panicNext {
		f.panicNext = false
		panic("storage invariant violated")
	}
	f.writes++
	addr := cellAddr{row: cell.Row, col: cell.Col}
	if f.cells[cell.SheetID] == nil {
		f.cells[cell.SheetID] = make(map[cellAddr]store.Cell)
	}
	if cell.Empty() {
		delete(f.cells[cell.SheetID], addr)
	} else {
		f.cells[cell.SheetID][addr] = cell
	}
	return cell, nil
}

func (f *fakeCellStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

type fakeSheets struct {
	sheets map[string]store.Sheet
}

func (f *fakeSheets) GetSheet(_ context.Context, sheetID string) (store.Sheet, error) {
	sheet, ok := f.sheets[sheetID]
	if !ok {
		return store.Sheet{}, sql.ErrNoRows
	}
	return sheet, nil
}

type fakeGate struct {
	mu     sync.Mutex
	levels map[string]access.Level // userID -> level
	err    error
}

func (f *fakeGate) Check(_ context.Context, userID, _ string) (access.Level, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return access.LevelNone, f.err
	}
	return f.levels[userID], nil
}

func (f *fakeGate) set(userID string, level access.Level) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels[userID] = level
}

type testEnv struct {
	cells *fakeCellStore
	gate  *fakeGate
	reg   *Registry
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	cells := newFakeCellStore()
	sheets := &fakeSheets{sheets: map[string]store.Sheet{
		"sh_1": {ID: "sh_1", SpreadsheetID: "ss_1", Name: "Sheet1"},
		"sh_2": {ID: "sh_2", SpreadsheetID: "ss_1", Name: "Sheet2"},
	}}
	gate := &fakeGate{levels: map[string]access.Level{
		"usr_owner":  access.LevelOwner,
		"usr_collab": access.LevelCollaborator,
	}}
	return &testEnv{
		cells: cells,
		gate:  gate,
		reg:   NewRegistry(cells, sheets, gate, opts),
	}
}

func (e *testEnv) session(t *testing.T, userID string) *Session {
	t.Helper()
	sess := NewSession(e.reg, nil, userID, userID)
	t.Cleanup(func() { e.reg.Leave(sess) })
	return sess
}

func (e *testEnv) join(t *testing.T, sess *Session, sheetID string) {
	t.Helper()
	if err := e.reg.Join(context.Background(), sess, sheetID); err != nil {
		t.Fatalf("Join(%s) failed: %v", sheetID, err)
	}
}

// recvFrame reads the next outbound frame from a session without a write
// pump attached.
func recvFrame(t *testing.T, sess *Session) serverFrame {
	t.Helper()
	select {
	case data := <-sess.send:
		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return serverFrame{}
	}
}

func submitEdit(t *testing.T, sess *Session, op EditOp) {
	t.Helper()
	room := sess.currentRoom()
	if room == nil {
		t.Fatal("session is not in a room")
	}
	if err := room.submit(sess, op); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
}

func TestJoinDeliversSnapshot(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.cells.seed("sh_1", store.Cell{SheetID: "sh_1", Row: 2, Col: 0, Content: "b"})
	env.cells.seed("sh_1", store.Cell{SheetID: "sh_1", Row: 0, Col: 1, Content: "a"})

	sess := env.session(t, "usr_owner")
	env.join(t, sess, "sh_1")

	frame := recvFrame(t, sess)
	if frame.Type != frameJoined {
		t.Fatalf("expected %s frame, got %s", frameJoined, frame.Type)
	}
	if frame.Sequence != 0 {
		t.Errorf("fresh room should start at sequence 0, got %d", frame.Sequence)
	}
	if len(frame.Cells) != 2 {
		t.Fatalf("expected 2 cells in snapshot, got %d", len(frame.Cells))
	}
	if frame.Cells[0].Row != 0 || frame.Cells[1].Row != 2 {
		t.Errorf("snapshot not sorted by row,col: %+v", frame.Cells)
	}
}

func TestSequencesStrictlyIncrease(t *testing.T) {
	env := newTestEnv(t, Options{})
	sess := env.session(t, "usr_owner")
	env.join(t, sess, "sh_1")
	recvFrame(t, sess) // snapshot

	var last int64
	for i := 0; i < 5; i++ {
		submitEdit(t, sess, EditOp{SheetID: "sh_1", Row: i, Col: 0, Content: "v"})
		ack := recvFrame(t, sess)
		if ack.Type != frameEditAccepted {
			t.Fatalf("edit %d: expected %s, got %s (%s)", i, frameEditAccepted, ack.Type, ack.Message)
		}
		if ack.Sequence <= last {
			t.Fatalf("sequence not strictly increasing: %d after %d", ack.Sequence, last)
		}
		last = ack.Sequence
	}
}

func TestLastWriterWins(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.session(t, "usr_owner")
	bob := env.session(t, "usr_collab")
	env.join(t, alice, "sh_1")
	env.join(t, bob, "sh_1")
	recvFrame(t, alice)
	recvFrame(t, bob)

	submitEdit(t, alice, EditOp{SheetID: "sh_1", Row: 0, Col: 0, Content: "first"})
	recvFrame(t, alice) // ack
	recvFrame(t, bob)   // broadcast of first

	submitEdit(t, bob, EditOp{SheetID: "sh_1", Row: 0, Col: 0, Content: "second"})
	recvFrame(t, bob)               // ack
	broadcast := recvFrame(t, alice)
	if broadcast.Type != frameEditBroadcast || broadcast.Content != "second" {
		t.Fatalf("expected broadcast of winning write, got %+v", broadcast)
	}

	// A late joiner sees only the winning value.
	carol := env.session(t, "usr_collab")
	env.join(t, carol, "sh_1")
	snapshot := recvFrame(t, carol)
	if len(snapshot.Cells) != 1 || snapshot.Cells[0].Content != "second" {
		t.Errorf("snapshot should hold the last write only, got %+v", snapshot.Cells)
	}
}

func TestBroadcastSkipsOriginatorByDefault(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.session(t, "usr_owner")
	bob := env.session(t, "usr_collab")
	env.join(t, alice, "sh_1")
	env.join(t, bob, "sh_1")
	recvFrame(t, alice)
	recvFrame(t, bob)

	submitEdit(t, alice, EditOp{SheetID: "sh_1", Row: 1, Col: 1, Content: "x", ClientOpID: "op-1"})

	ack := recvFrame(t, alice)
	if ack.Type != frameEditAccepted || ack.ClientOpID != "op-1" {
		t.Fatalf("originator should get an acknowledgment, got %+v", ack)
	}
	got := recvFrame(t, bob)
	if got.Type != frameEditBroadcast || got.Row != 1 || got.Column != 1 {
		t.Fatalf("other member should get a broadcast, got %+v", got)
	}
	select {
	case data := <-alice.send:
		t.Fatalf("originator should not be echoed by default, got %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEchoToSelf(t *testing.T) {
	env := newTestEnv(t, Options{EchoToSelf: true})
	sess := env.session(t, "usr_owner")
	env.join(t, sess, "sh_1")
	recvFrame(t, sess)

	submitEdit(t, sess, EditOp{SheetID: "sh_1", Row: 0, Col: 0, Content: "x"})
	first := recvFrame(t, sess)
	second := recvFrame(t, sess)
	if first.Type != frameEditAccepted || second.Type != frameEditBroadcast {
		t.Fatalf("expected ack then echo, got %s then %s", first.Type, second.Type)
	}
}

func TestDuplicateOpReplaysAck(t *testing.T) {
	env := newTestEnv(t, Options{})
	sess := env.session(t, "usr_owner")
	env.join(t, sess, "sh_1")
	recvFrame(t, sess)

	op := EditOp{SheetID: "sh_1", Row: 0, Col: 0, Content: "x", ClientOpID: "op-42"}
	submitEdit(t, sess, op)
	first := recvFrame(t, sess)

	submitEdit(t, sess, op)
	second := recvFrame(t, sess)

	if !reflect.DeepEqual(second, first) {
		t.Errorf("resubmission should replay the cached ack: first %+v, second %+v", first, second)
	}
	if got := env.cells.writeCount(); got != 1 {
		t.Errorf("duplicate op must not be applied twice, got %d writes", got)
	}
}

func TestPersistFailureLeavesSequenceGap(t *testing.T) {
	env := newTestEnv(t, Options{})
	sess := env.session(t, "usr_owner")
	env.join(t, sess, "sh_1")
	recvFrame(t, sess)

	submitEdit(t, sess, EditOp{SheetID: "sh_1", Row: 0, Col: 0, Content: "a"})
	if ack := recvFrame(t, sess); ack.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", ack.Sequence)
	}

	env.cells.failNext = errors.New("db down")
	submitEdit(t, sess, EditOp{SheetID: "sh_1", Row: 0, Col: 1, Content: "b"})
	rejected := recvFrame(t, sess)
	if rejected.Type != frameEditRejected || rejected.Reason != ReasonStorage {
		t.Fatalf("expected storage rejection, got %+v", rejected)
	}

	submitEdit(t, sess, EditOp{SheetID: "sh_1", Row: 0, Col: 2, Content: "c"})
	ack := recvFrame(t, sess)
	if ack.Sequence != 3 {
		t.Errorf("failed op should leave a gap: expected sequence 3, got %d", ack.Sequence)
	}
}

func TestRevokedAccessRejectsEdit(t *testing.T) {
	env := newTestEnv(t, Options{})
	sess := env.session(t, "usr_collab")
	env.join(t, sess, "sh_1")
	recvFrame(t, sess)

	env.gate.set("usr_collab", access.LevelNone)
	submitEdit(t, sess, EditOp{SheetID: "sh_1", Row: 0, Col: 0, Content: "x"})
	rejected := recvFrame(t, sess)
	if rejected.Type != frameEditRejected || rejected.Reason != ReasonUnauthorized {
		t.Fatalf("expected unauthorized rejection after revocation, got %+v", rejected)
	}
	if got := env.cells.writeCount(); got != 0 {
		t.Errorf("rejected op must not be persisted, got %d writes", got)
	}
}

func TestWrongSheetRejected(t *testing.T) {
	env := newTestEnv(t, Options{})
	sess := env.session(t, "usr_owner")
	env.join(t, sess, "sh_1")
	recvFrame(t, sess)

	submitEdit(t, sess, EditOp{SheetID: "sh_2", Row: 0, Col: 0, Content: "x"})
	rejected := recvFrame(t, sess)
	if rejected.Type != frameEditRejected || rejected.Reason != ReasonInvalid {
		t.Fatalf("expected invalid rejection, got %+v", rejected)
	}
}

func TestClearCell(t *testing.T) {
	env := newTestEnv(t, Options{})
	sess := env.session(t, "usr_owner")
	env.join(t, sess, "sh_1")
	recvFrame(t, sess)

	submitEdit(t, sess, EditOp{SheetID: "sh_1", Row: 0, Col: 0, Content: "x"})
	recvFrame(t, sess)
	submitEdit(t, sess, EditOp{SheetID: "sh_1", Row: 0, Col: 0})
	recvFrame(t, sess)

	late := env.session(t, "usr_owner")
	env.join(t, late, "sh_1")
	snapshot := recvFrame(t, late)
	if len(snapshot.Cells) != 0 {
		t.Errorf("cleared cell should not appear in snapshots, got %+v", snapshot.Cells)
	}
}

func TestEmptyRoomTearsDown(t *testing.T) {
	env := newTestEnv(t, Options{})
	sess := env.session(t, "usr_owner")
	env.join(t, sess, "sh_1")
	recvFrame(t, sess)
	if env.reg.RoomCount() != 1 {
		t.Fatalf("expected 1 live room, got %d", env.reg.RoomCount())
	}

	env.reg.Leave(sess)
	if frame := recvFrame(t, sess); frame.Type != frameLeft {
		t.Fatalf("expected %s frame, got %s", frameLeft, frame.Type)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.reg.RoomCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("room did not tear down after last member left")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFatalRoomFailureForcesRejoin(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.session(t, "usr_owner")
	bob := env.session(t, "usr_collab")
	env.join(t, alice, "sh_1")
	env.join(t, bob, "sh_1")
	recvFrame(t, alice)
	recvFrame(t, bob)

	env.cells.mu.Lock()
	env.cells.panicNext = true
	env.cells.mu.Unlock()
	submitEdit(t, alice, EditOp{SheetID: "sh_1", Row: 0, Col: 0, Content: "x"})

	for _, sess := range []*Session{alice, bob} {
		frame := recvFrame(t, sess)
		if frame.Type != frameRoomClosed || frame.Reason != ReasonClosed {
			t.Fatalf("every member should be told to rejoin, got %+v", frame)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.reg.RoomCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("failed room was not removed from the registry")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.join(t, bob, "sh_1")
	snapshot := recvFrame(t, bob)
	if snapshot.Type != frameJoined || snapshot.Sequence != 0 {
		t.Fatalf("rejoin should deliver a fresh snapshot, got %+v", snapshot)
	}
	if len(snapshot.Cells) != 0 {
		t.Errorf("the failed write must not leak into the snapshot, got %+v", snapshot.Cells)
	}
}

func TestOpFromDepartedSessionDropped(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.session(t, "usr_owner")
	bob := env.session(t, "usr_collab")
	env.join(t, alice, "sh_1")
	env.join(t, bob, "sh_1")
	recvFrame(t, alice)
	recvFrame(t, bob)

	room := bob.currentRoom()
	env.reg.Leave(bob)
	if frame := recvFrame(t, bob); frame.Type != frameLeft {
		t.Fatalf("expected %s frame, got %+v", frameLeft, frame)
	}

	// An operation that was still in flight when the leave was processed.
	if err := room.submit(bob, EditOp{SheetID: "sh_1", Row: 0, Col: 0, Content: "ghost", ClientOpID: "ghost-1"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// A later write serializes behind the dropped one; its sequence proves
	// the ghost consumed neither a sequence number nor a write.
	submitEdit(t, alice, EditOp{SheetID: "sh_1", Row: 1, Col: 0, Content: "live"})
	ack := recvFrame(t, alice)
	if ack.Type != frameEditAccepted || ack.Sequence != 1 {
		t.Fatalf("expected the live write at sequence 1, got %+v", ack)
	}
	if got := env.cells.writeCount(); got != 1 {
		t.Errorf("departed session's op must not be persisted, got %d writes", got)
	}
	select {
	case data := <-bob.send:
		t.Fatalf("departed session should hear nothing, got %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRejoinAfterTeardownGetsFreshRoom(t *testing.T) {
	env := newTestEnv(t, Options{})
	sess := env.session(t, "usr_owner")
	env.join(t, sess, "sh_1")
	recvFrame(t, sess)
	submitEdit(t, sess, EditOp{SheetID: "sh_1", Row: 0, Col: 0, Content: "x"})
	recvFrame(t, sess)

	env.reg.Leave(sess)
	recvFrame(t, sess) // left
	deadline := time.Now().Add(2 * time.Second)
	for env.reg.RoomCount() != 0 && !time.Now().After(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	env.join(t, sess, "sh_1")
	snapshot := recvFrame(t, sess)
	if snapshot.Sequence != 0 {
		t.Errorf("new incarnation should restart its counter, got %d", snapshot.Sequence)
	}
	if len(snapshot.Cells) != 1 || snapshot.Cells[0].Content != "x" {
		t.Errorf("persisted state should survive teardown, got %+v", snapshot.Cells)
	}
}
