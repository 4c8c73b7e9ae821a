package realtime

import "encoding/json"

// Client-to-server frame types.
const (
	frameJoinSheet  = "join-sheet"
	frameLeaveSheet = "leave-sheet"
	frameSubmitEdit = "submit-edit"
)

// Server-to-client frame types.
const (
	frameJoined        = "joined"
	frameJoinRejected  = "join-rejected"
	frameLeft          = "left"
	frameEditAccepted  = "edit-accepted"
	frameEditRejected  = "edit-rejected"
	frameEditBroadcast = "edit-broadcast"
	frameRoomClosed    = "room-closed"
	frameQueueOverflow = "queue-overflow"
)

// clientFrame is the envelope for every inbound message.
type clientFrame struct {
	Type       string `json:"type"`
	SheetID    string `json:"sheetId,omitempty"`
	Row        *int   `json:"row,omitempty"`
	Column     *int   `json:"column,omitempty"`
	Content    string `json:"content,omitempty"`
	Formula    string `json:"formula,omitempty"`
	Hyperlink  string `json:"hyperlink,omitempty"`
	ClientOpID string `json:"clientOpId,omitempty"`
}

// serverFrame is the envelope for every outbound message.
type serverFrame struct {
	Type       string        `json:"type"`
	SheetID    string        `json:"sheetId,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Message    string        `json:"message,omitempty"`
	ClientOpID string        `json:"clientOpId,omitempty"`
	Sequence   int64         `json:"sequence,omitempty"`
	Row        int           `json:"row"`
	Column     int           `json:"column"`
	Content    string        `json:"content,omitempty"`
	Formula    string        `json:"formula,omitempty"`
	Hyperlink  string        `json:"hyperlink,omitempty"`
	Cells      []cellPayload `json:"cells,omitempty"`
}

type cellPayload struct {
	Row       int    `json:"row"`
	Column    int    `json:"column"`
	Content   string `json:"content,omitempty"`
	Formula   string `json:"formula,omitempty"`
	Hyperlink string `json:"hyperlink,omitempty"`
}

// EditOp is one proposed cell mutation as received from a client. An op
// with all three value fields empty is a cell clear, not an error.
type EditOp struct {
	SheetID    string
	Row        int
	Col        int
	Content    string
	Formula    string
	Hyperlink  string
	ClientOpID string
}

func encodeFrame(f serverFrame) []byte {
	data, _ := json.Marshal(f)
	return data
}

func decodeClientFrame(data []byte) (clientFrame, error) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return clientFrame{}, err
	}
	return f, nil
}
