// Package pb holds the JSON payloads carried in protocol envelopes.
package pb

// ----- Client → server -----

type JoinRoomRequest struct {
	InviteCode string `json:"inviteCode"`
}

type ChatMessageRequest struct {
	Text string `json:"text"`
}

type LeaveRoomRequest struct{}

// ----- Keepalive -----

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}
