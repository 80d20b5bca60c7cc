package server

import (
	"bytes"
	"encoding/json"
	"strconv"
)

const (
	CommandPing    = "ping"
	CommandCreate  = "create"
	CommandJoin    = "join"
	CommandLeave   = "leave"
	CommandAuction = "auction"
	CommandSettle  = "settle"

	StatusOK     = 0
	StatusFailed = 1
)

type (
	// Amount is a bid or minimum price. It decodes from a JSON number or from a
	// string holding a decimal number; null and "" decode to zero.
	Amount float64

	PingRequest struct {
		Nonce int64 `json:"nonce"`
	}
	PingResponse struct {
		Nonce int64 `json:"nonce"`
	}
	CreateRequest struct {
		Title      string          `json:"title"`
		Amount     Amount          `json:"amount"`
		Attachment json.RawMessage `json:"attachment,omitempty"`
	}
	TitleRequest struct {
		Title string `json:"title"`
	}
	AuctionRequest struct {
		Title  string `json:"title"`
		Amount Amount `json:"amount"`
	}
	// Response is the reply to every command but ping. Fields not part of a
	// command's reply are left empty and omitted.
	Response struct {
		Status  int    `json:"status"`
		Message string `json:"message,omitempty"`
		ID      string `json:"id,omitempty"`
		Title   string `json:"title,omitempty"`
		Amount  Amount `json:"amount,omitempty"`
	}

	// RoomMessage is broadcast to peers. Room is the hex title digest of the
	// auction; each receiver resolves it through its own index.
	RoomMessage struct {
		Command string `json:"command"`
		Room    string `json:"room"`
		Amount  Amount `json:"amount,omitempty"`
	}
)

func (a *Amount) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*a = 0
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*a = Amount(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*a = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*a = Amount(f)
	return nil
}

func (a Amount) String() string {
	return strconv.FormatFloat(float64(a), 'f', -1, 64)
}

// truthy reports whether a raw JSON value would count as set: not absent,
// null, false, zero or an empty string.
func truthy(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}

func missingFields(command, fields string) Response {
	return Response{
		Status:  StatusFailed,
		Message: "missing mandatory fields for " + command + " (" + fields + ")",
	}
}
