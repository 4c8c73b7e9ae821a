package realtime

import (
	"context"
	"errors"
	"log"
	"sort"

	"gridline/api/internal/store"
)

type cellAddr struct {
	row int
	col int
}

type joinMsg struct {
	sess  *Session
	reply chan error
}

type leaveMsg struct {
	sess  *Session
	reply chan struct{}
}

type submitMsg struct {
	sess *Session
	op   EditOp
}

// Room serializes all edit traffic for one sheet. A single goroutine owns
// the working state (sequence counter, last-writer map, cell cache), so
// ordering needs no locks: whatever order operations drain from the inbox
// is the total order.
type Room struct {
	sheetID       string
	spreadsheetID string
	reg           *Registry

	inbox chan any
	done  chan struct{}

	// Owned by the run goroutine only.
	members    map[*Session]struct{}
	seq        int64
	lastWriter map[cellAddr]int64
	state      map[cellAddr]store.Cell

	seedErr error
}

func newRoom(reg *Registry, sheetID, spreadsheetID string) *Room {
	r := &Room{
		sheetID:       sheetID,
		spreadsheetID: spreadsheetID,
		reg:           reg,
		inbox:         make(chan any, 16),
		done:          make(chan struct{}),
		members:       make(map[*Session]struct{}),
		lastWriter:    make(map[cellAddr]int64),
		state:         make(map[cellAddr]store.Cell),
	}
	go r.run()
	return r
}

// join adds the session and delivers a snapshot. Returns errRoomClosed if
// the room tore down first; callers retry against a fresh room.
func (r *Room) join(sess *Session) error {
	msg := joinMsg{sess: sess, reply: make(chan error, 1)}
	select {
	case r.inbox <- msg:
	case <-r.done:
		return r.closeError()
	}
	select {
	case err := <-msg.reply:
		return err
	case <-r.done:
		return r.closeError()
	}
}

func (r *Room) leave(sess *Session) {
	msg := leaveMsg{sess: sess, reply: make(chan struct{}, 1)}
	select {
	case r.inbox <- msg:
	case <-r.done:
		return
	}
	select {
	case <-msg.reply:
	case <-r.done:
	}
}

func (r *Room) submit(sess *Session, op EditOp) error {
	select {
	case r.inbox <- submitMsg{sess: sess, op: op}:
		return nil
	case <-r.done:
		return r.closeError()
	case <-sess.quit:
		return errors.New("session closed")
	}
}

func (r *Room) closeError() error {
	if r.seedErr != nil {
		return reject(ReasonStorage, "sheet state unavailable: %v", r.seedErr)
	}
	return errRoomClosed
}

func (r *Room) run() {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("realtime: room %s panicked: %v", r.sheetID, rec)
		}
		r.teardown()
	}()

	if err := r.seed(); err != nil {
		r.seedErr = err
		log.Printf("realtime: seed room %s: %v", r.sheetID, err)
		return
	}

	for msg := range r.inbox {
		switch m := msg.(type) {
		case joinMsg:
			r.handleJoin(m)
		case leaveMsg:
			r.handleLeave(m)
			if len(r.members) == 0 {
				return
			}
		case submitMsg:
			r.handleSubmit(m)
		}
	}
}

// seed rebuilds the working state from persisted cells. The sequence
// counter restarts at zero for every room incarnation; it only has to be
// monotonic within one lifetime.
func (r *Room) seed() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.reg.opts.OpTimeout)
	defer cancel()

	cells, err := r.reg.cells.ListCells(ctx, r.sheetID)
	if err != nil {
		return err
	}
	for _, cell := range cells {
		r.state[cellAddr{row: cell.Row, col: cell.Col}] = cell
	}
	return nil
}

// teardown removes the room from the registry, detaches remaining members,
// and unblocks every waiter. Members left behind by a fatal failure get a
// room-closed notice so they rejoin for a fresh snapshot.
func (r *Room) teardown() {
	r.reg.remove(r)
	for sess := range r.members {
		sess.detachRoom(r)
		sess.enqueue(serverFrame{Type: frameRoomClosed, SheetID: r.sheetID, Reason: ReasonClosed, Message: "room closed, rejoin the sheet"})
	}
	r.members = nil
	close(r.done)
}

func (r *Room) handleJoin(m joinMsg) {
	r.members[m.sess] = struct{}{}
	m.sess.attachRoom(r)
	m.sess.enqueue(r.snapshotFrame())
	m.reply <- nil
}

func (r *Room) handleLeave(m leaveMsg) {
	if _, ok := r.members[m.sess]; ok {
		delete(r.members, m.sess)
		m.sess.detachRoom(r)
		m.sess.enqueue(serverFrame{Type: frameLeft, SheetID: r.sheetID})
	}
	m.reply <- struct{}{}
}

// handleSubmit runs one operation through the state machine:
// received → authorized → ordered → resolved → accepted/rejected.
func (r *Room) handleSubmit(m submitMsg) {
	sess, op := m.sess, m.op

	// A session that disconnected or left before its queued operation was
	// processed gets dropped, never partially applied.
	if _, ok := r.members[sess]; !ok {
		return
	}

	if op.SheetID != r.sheetID {
		sess.rejectOp(op, ReasonInvalid, "operation targets a different sheet")
		return
	}

	// Idempotent resubmission: replay the cached acknowledgment instead of
	// applying the operation a second time.
	if op.ClientOpID != "" && op.ClientOpID == sess.lastOpID {
		sess.enqueue(sess.lastAck)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.reg.opts.OpTimeout)
	defer cancel()

	level, err := r.reg.gate.Check(ctx, sess.userID, r.spreadsheetID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			sess.rejectOp(op, ReasonTimeout, "authorization check timed out")
		} else {
			sess.rejectOp(op, ReasonStorage, "authorization check failed")
		}
		return
	}
	if !level.CanEdit() {
		sess.rejectOp(op, ReasonUnauthorized, "no edit rights on this spreadsheet")
		return
	}

	// Ordered: the counter is the sole source of total order. It is never
	// rolled back, so a failed persist leaves a gap rather than stalling
	// the room.
	r.seq++
	seq := r.seq

	committed, err := r.reg.cells.WriteCell(ctx, store.Cell{
		SheetID:   r.sheetID,
		Row:       op.Row,
		Col:       op.Col,
		Content:   op.Content,
		Formula:   op.Formula,
		Hyperlink: op.Hyperlink,
	})
	if err != nil {
		log.Printf("realtime: persist cell (%d,%d) on %s: %v", op.Row, op.Col, r.sheetID, err)
		if errors.Is(err, context.DeadlineExceeded) {
			sess.rejectOp(op, ReasonTimeout, "persistence timed out")
		} else {
			sess.rejectOp(op, ReasonStorage, "persistence unavailable")
		}
		return
	}

	// Resolved: last-assigned-sequence-wins per address, whole-cell
	// replacement of all three fields.
	addr := cellAddr{row: op.Row, col: op.Col}
	r.lastWriter[addr] = seq
	if committed.Empty() {
		delete(r.state, addr)
	} else {
		r.state[addr] = committed
	}

	ack := serverFrame{Type: frameEditAccepted, SheetID: r.sheetID, ClientOpID: op.ClientOpID, Sequence: seq, Row: op.Row, Column: op.Col}
	sess.lastOpID = op.ClientOpID
	sess.lastAck = ack
	sess.enqueue(ack)

	broadcast := serverFrame{
		Type:      frameEditBroadcast,
		SheetID:   r.sheetID,
		Sequence:  seq,
		Row:       op.Row,
		Column:    op.Col,
		Content:   committed.Content,
		Formula:   committed.Formula,
		Hyperlink: committed.Hyperlink,
	}
	for member := range r.members {
		if member == sess && !r.reg.opts.EchoToSelf {
			continue
		}
		member.enqueue(broadcast)
	}
}

// snapshotFrame captures the full current cell state and sequence. Sent on
// every join so a reconnecting client is consistent no matter how many
// broadcasts it missed.
func (r *Room) snapshotFrame() serverFrame {
	cells := make([]cellPayload, 0, len(r.state))
	for _, cell := range r.state {
		cells = append(cells, cellPayload{
			Row:       cell.Row,
			Column:    cell.Col,
			Content:   cell.Content,
			Formula:   cell.Formula,
			Hyperlink: cell.Hyperlink,
		})
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Row != cells[j].Row {
			return cells[i].Row < cells[j].Row
		}
		return cells[i].Column < cells[j].Column
	})
	return serverFrame{Type: frameJoined, SheetID: r.sheetID, Cells: cells, Sequence: r.seq}
}
