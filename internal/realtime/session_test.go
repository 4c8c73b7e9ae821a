package realtime

import (
	"testing"
)

func intptr(v int) *int { return &v }

func TestDispatchMalformedFrame(t *testing.T) {
	env := newTestEnv(t, Options{})
	sess := env.session(t, "usr_owner")

	sess.dispatch([]byte("{not json"))
	frame := recvFrame(t, sess)
	if frame.Type != frameEditRejected || frame.Reason != ReasonInvalid {
		t.Fatalf("expected invalid rejection, got %+v", frame)
	}
}

func TestDispatchUnknownType(t *testing.T) {
	env := newTestEnv(t, Options{})
	sess := env.session(t, "usr_owner")

	sess.dispatch([]byte(`{"type":"bogus"}`))
	frame := recvFrame(t, sess)
	if frame.Type != frameEditRejected || frame.Reason != ReasonInvalid {
		t.Fatalf("expected invalid rejection, got %+v", frame)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, Options{})
	sess := env.session(t, "usr_owner")

	cases := []clientFrame{
		{Type: frameSubmitEdit, Row: intptr(0), Column: intptr(0)},                                    // no sheet
		{Type: frameSubmitEdit, SheetID: "sh_1", Column: intptr(0)},                                   // no row
		{Type: frameSubmitEdit, SheetID: "sh_1", Row: intptr(0)},                                      // no column
		{Type: frameSubmitEdit, SheetID: "sh_1", Row: intptr(-1), Column: intptr(0)},                  // negative row
		{Type: frameSubmitEdit, SheetID: "sh_1", Row: intptr(0), Column: intptr(-3), Content: "v"},    // negative column
	}
	for _, frame := range cases {
		sess.handleSubmit(frame)
		got := recvFrame(t, sess)
		if got.Type != frameEditRejected || got.Reason != ReasonInvalid {
			t.Errorf("frame %+v: expected invalid rejection, got %+v", frame, got)
		}
	}
	if len(sess.ops) != 0 {
		t.Errorf("invalid frames must not be queued, %d queued", len(sess.ops))
	}
}

func TestLeaveWithoutRoomAcknowledged(t *testing.T) {
	env := newTestEnv(t, Options{})
	sess := env.session(t, "usr_owner")

	sess.dispatch([]byte(`{"type":"leave-sheet","sheetId":"sh_1"}`))
	frame := recvFrame(t, sess)
	if frame.Type != frameLeft || frame.SheetID != "sh_1" {
		t.Fatalf("leave must always be acknowledged, got %+v", frame)
	}
}

func TestLeaveOtherSheetKeepsSubscription(t *testing.T) {
	env := newTestEnv(t, Options{})
	sess := env.session(t, "usr_owner")
	env.join(t, sess, "sh_1")
	recvFrame(t, sess) // snapshot

	sess.dispatch([]byte(`{"type":"leave-sheet","sheetId":"sh_2"}`))
	frame := recvFrame(t, sess)
	if frame.Type != frameLeft || frame.SheetID != "sh_2" {
		t.Fatalf("expected an idempotent ack, got %+v", frame)
	}
	if sess.currentRoom() == nil {
		t.Error("leaving a different sheet must not drop the current subscription")
	}
}

func TestSubmitQueueOverflowDropsOldest(t *testing.T) {
	env := newTestEnv(t, Options{OpQueueDepth: 2})
	sess := env.session(t, "usr_owner")

	for i := 0; i < 3; i++ {
		sess.handleSubmit(clientFrame{
			Type: frameSubmitEdit, SheetID: "sh_1",
			Row: intptr(i), Column: intptr(0),
			ClientOpID: string(rune('a' + i)),
		})
	}

	notice := recvFrame(t, sess)
	if notice.Type != frameQueueOverflow {
		t.Fatalf("expected %s frame, got %+v", frameQueueOverflow, notice)
	}
	if notice.ClientOpID != "a" {
		t.Errorf("oldest op should be dropped, got %s", notice.ClientOpID)
	}

	// The newest op took the freed slot.
	if len(sess.ops) != 2 {
		t.Fatalf("expected a full queue of 2, got %d", len(sess.ops))
	}
	first, second := <-sess.ops, <-sess.ops
	if first.ClientOpID != "b" || second.ClientOpID != "c" {
		t.Errorf("expected ops b,c to survive, got %s,%s", first.ClientOpID, second.ClientOpID)
	}
}

func TestOpWithoutRoomRejected(t *testing.T) {
	env := newTestEnv(t, Options{})
	sess := env.session(t, "usr_owner")
	go sess.opPump()
	defer close(sess.quit)

	sess.handleSubmit(clientFrame{Type: frameSubmitEdit, SheetID: "sh_1", Row: intptr(0), Column: intptr(0), ClientOpID: "op-1"})
	frame := recvFrame(t, sess)
	if frame.Type != frameEditRejected || frame.Reason != ReasonInvalid || frame.ClientOpID != "op-1" {
		t.Fatalf("expected invalid rejection for unsubscribed submit, got %+v", frame)
	}
}
