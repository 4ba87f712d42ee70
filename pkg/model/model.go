// Package model defines the core domain types for the room relay.
package model

// SystemAuthor is the reserved author name used for membership notices.
const SystemAuthor = "System"

// Notice templates for system messages narrating membership changes.
const (
	NoticeJoined       = "%s has joined the room"
	NoticeLeft         = "%s has left the room"
	NoticeDisconnected = "%s has disconnected"
)
