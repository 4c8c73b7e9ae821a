package realtime

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session owns one client connection: the read/write pumps, the heartbeat,
// the bounded operation queue, and cleanup on disconnect. A reconnecting
// client always gets a brand-new Session; nothing survives the transport.
type Session struct {
	id       string
	userID   string
	username string

	reg  *Registry
	conn *websocket.Conn

	send chan []byte
	ops  chan EditOp
	quit chan struct{}

	room      atomic.Pointer[Room]
	closeOnce sync.Once

	// Dedup state for idempotent resubmission. Touched only by the room
	// goroutine, which processes this session's operations serially.
	lastOpID string
	lastAck  serverFrame
}

// NewSession binds an authenticated user to an upgraded connection. conn
// may be nil in tests that drive the engine directly.
func NewSession(reg *Registry, conn *websocket.Conn, userID, username string) *Session {
	return &Session{
		id:       uuid.NewString(),
		userID:   userID,
		username: username,
		reg:      reg,
		conn:     conn,
		send:     make(chan []byte, reg.opts.SendBuffer),
		ops:      make(chan EditOp, reg.opts.OpQueueDepth),
		quit:     make(chan struct{}),
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) UserID() string   { return s.userID }
func (s *Session) Username() string { return s.username }

// Run services the connection until it drops, then releases everything the
// session holds. It blocks for the connection lifetime.
func (s *Session) Run() {
	go s.writePump()
	go s.opPump()
	s.readPump()
	s.close()
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.reg.Leave(s)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

func (s *Session) readPump() {
	s.conn.SetReadLimit(1 << 16)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.reg.opts.SessionTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.reg.opts.SessionTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("realtime: session %s read: %v", s.id, err)
			}
			return
		}
		s.dispatch(data)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.reg.opts.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

// opPump drains the bounded operation queue into whatever room the session
// currently watches. Operations queued while unsubscribed are rejected,
// not silently dropped.
func (s *Session) opPump() {
	for {
		select {
		case <-s.quit:
			return
		case op := <-s.ops:
			room := s.room.Load()
			if room == nil {
				s.rejectOp(op, ReasonInvalid, "not subscribed to a sheet")
				continue
			}
			if err := room.submit(s, op); err != nil {
				if rej, ok := err.(*RejectError); ok {
					s.rejectOp(op, rej.Reason, "%s", rej.Message)
				} else {
					s.rejectOp(op, ReasonClosed, "room unavailable, rejoin the sheet")
				}
			}
		}
	}
}

func (s *Session) dispatch(data []byte) {
	frame, err := decodeClientFrame(data)
	if err != nil {
		s.enqueue(serverFrame{Type: frameEditRejected, Reason: ReasonInvalid, Message: "malformed frame"})
		return
	}

	switch frame.Type {
	case frameJoinSheet:
		s.handleJoin(frame)
	case frameLeaveSheet:
		s.handleLeave(frame)
	case frameSubmitEdit:
		s.handleSubmit(frame)
	default:
		s.enqueue(serverFrame{Type: frameEditRejected, Reason: ReasonInvalid, Message: "unknown frame type " + frame.Type})
	}
}

func (s *Session) handleJoin(frame clientFrame) {
	if frame.SheetID == "" {
		s.enqueue(serverFrame{Type: frameJoinRejected, Reason: ReasonInvalid, Message: "sheetId is required"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.reg.opts.OpTimeout)
	defer cancel()
	if err := s.reg.Join(ctx, s, frame.SheetID); err != nil {
		reason, message := ReasonStorage, "join failed"
		if rej, ok := err.(*RejectError); ok {
			reason, message = rej.Reason, rej.Message
		}
		s.enqueue(serverFrame{Type: frameJoinRejected, SheetID: frame.SheetID, Reason: reason, Message: message})
	}
}

// handleLeave unsubscribes from the current room. Leaving a sheet the
// session is not in is acknowledged all the same; leave is idempotent.
func (s *Session) handleLeave(frame clientFrame) {
	room := s.currentRoom()
	if room == nil || (frame.SheetID != "" && frame.SheetID != room.sheetID) {
		s.enqueue(serverFrame{Type: frameLeft, SheetID: frame.SheetID})
		return
	}
	room.leave(s)
}

// handleSubmit validates the frame and enqueues the operation. On queue
// overflow the oldest unprocessed operation is dropped and the client is
// told which one, bounding memory against a fast submitter.
func (s *Session) handleSubmit(frame clientFrame) {
	if frame.SheetID == "" || frame.Row == nil || frame.Column == nil || *frame.Row < 0 || *frame.Column < 0 {
		s.enqueue(serverFrame{Type: frameEditRejected, ClientOpID: frame.ClientOpID, Reason: ReasonInvalid, Message: "a sheetId and non-negative row and column are required"})
		return
	}

	op := EditOp{
		SheetID:    frame.SheetID,
		Row:        *frame.Row,
		Col:        *frame.Column,
		Content:    frame.Content,
		Formula:    frame.Formula,
		Hyperlink:  frame.Hyperlink,
		ClientOpID: frame.ClientOpID,
	}

	select {
	case s.ops <- op:
		return
	default:
	}

	// Queue full: drop the oldest queued operation to make room.
	select {
	case dropped := <-s.ops:
		s.enqueue(serverFrame{Type: frameQueueOverflow, ClientOpID: dropped.ClientOpID, Reason: ReasonInvalid, Message: "operation queue overflow, oldest operation dropped"})
	default:
	}
	select {
	case s.ops <- op:
	default:
		s.enqueue(serverFrame{Type: frameQueueOverflow, ClientOpID: op.ClientOpID, Reason: ReasonInvalid, Message: "operation queue overflow, operation dropped"})
	}
}

// enqueue hands a frame to the write pump without ever blocking the
// caller. A consumer too slow to drain its buffer is disconnected; it will
// reconnect and recover through a fresh snapshot.
func (s *Session) enqueue(frame serverFrame) {
	select {
	case s.send <- encodeFrame(frame):
	default:
		log.Printf("realtime: session %s send buffer full, disconnecting", s.id)
		go s.close()
	}
}

func (s *Session) rejectOp(op EditOp, reason, format string, args ...any) {
	rej := reject(reason, format, args...)
	s.enqueue(serverFrame{Type: frameEditRejected, ClientOpID: op.ClientOpID, Reason: rej.Reason, Message: rej.Message})
}

func (s *Session) currentRoom() *Room { return s.room.Load() }

func (s *Session) attachRoom(r *Room) { s.room.Store(r) }

func (s *Session) detachRoom(r *Room) { s.room.CompareAndSwap(r, nil) }
