// Package protocol defines the JSON frames exchanged over a relay session.
//
// Every frame is a JSON object with a string "type" tag. Inbound frames
// decode into one of seven concrete types implementing Inbound; callers
// switch over them exhaustively. Outbound frames are built with the New*
// constructors so the tag always matches the payload.
package protocol
