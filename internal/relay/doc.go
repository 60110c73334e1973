// Package relay exposes a cell.Cell to remote clients over websockets.
//
// A Hub serves one backing cell. Every notification of the backing cell is
// forwarded to every connection, and writes received from connections are
// applied to the backing cell. A Client is a cell.Cell that talks to a Hub,
// so an engine can run against a remote backend without knowing it.
//
// # Frames
//
// Every websocket message is one JSON frame:
//
//	{"type": "record", "record": {...}}          hub -> client, a notification
//	{"type": "write", "id": 7, "record": {...}}  client -> hub
//	{"type": "ack", "id": 7}                     hub -> client, write applied
//	{"type": "error", "id": 7, "message": "..."} hub -> client, write or frame rejected
//
// The hub sends the current record as the first frame of every connection.
//
// Hubs can be advertised and discovered on the local network with mDNS
// (service type _dotlock._tcp).
package relay
