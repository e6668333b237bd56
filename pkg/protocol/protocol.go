// Package protocol defines the wire types shared by server and viewer.
package protocol

// Event type tags carried in the "type" field of every event message.
const (
	EventAdded     = "added"
	EventModified  = "modified"
	EventRemoved   = "removed"
	EventResyncAll = "resync_all"
)

// Control message types sent client→server on POST /events.
const (
	ControlPing = "ping"
	ControlQuit = "quit"
)

// FileInfo describes one live file in the registry.
// MTime is Unix milliseconds.
type FileInfo struct {
	Name    string `json:"name"`
	MTime   int64  `json:"mtime"`
	Size    int64  `json:"size"`
	Version uint64 `json:"version"`
	Digest  string `json:"digest,omitempty"`
}

// Event is a single message on the /events stream.
// Added/Modified carry the full FileInfo fields; Removed carries only
// Name and the tombstone Version; ResyncAll carries Files.
type Event struct {
	Type    string     `json:"type"`
	Name    string     `json:"name,omitempty"`
	MTime   int64      `json:"mtime,omitempty"`
	Size    int64      `json:"size,omitempty"`
	Version uint64     `json:"version,omitempty"`
	Digest  string     `json:"digest,omitempty"`
	Files   []FileInfo `json:"files,omitempty"`
}

// ControlMessage is the body of POST /events.
type ControlMessage struct {
	Type string `json:"type"`
}

// FileListResponse is returned by GET /api/files, newest-first.
type FileListResponse struct {
	Files []FileInfo `json:"files"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
