package remote

import (
	"encoding/hex"
	"log/slog"
	"time"
)

// Node type strings used on the wire.
const (
	nodeTypeFile   = "file"
	nodeTypeFolder = "folder"
	nodeTypeRoot   = "root"
)

// NodeKind classifies a node entry.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindFolder
	KindRoot
)

// NodeEntry is a normalized node record from the authority — callers never
// see raw API data.
type NodeEntry struct {
	ID         string
	ParentID   string // empty for the root node
	Name       string
	Kind       NodeKind
	Size       int64
	ContentMAC []byte // server-declared keyed content MAC, nil for folders
	ModifiedAt time.Time
}

// nodeResponse is the wire shape of a node in API responses.
type nodeResponse struct {
	ID         string `json:"id"`
	ParentID   string `json:"parent_id,omitempty"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Size       int64  `json:"size,omitempty"`
	ContentMAC string `json:"content_mac,omitempty"` // hex
	ModifiedAt string `json:"modified_at,omitempty"` // RFC 3339
}

// toEntry normalizes a wire node. Malformed optional fields are logged and
// zeroed rather than failing the whole response.
func (n nodeResponse) toEntry(logger *slog.Logger) NodeEntry {
	entry := NodeEntry{
		ID:       n.ID,
		ParentID: n.ParentID,
		Name:     n.Name,
		Size:     n.Size,
	}

	switch n.Type {
	case nodeTypeRoot:
		entry.Kind = KindRoot
	case nodeTypeFolder:
		entry.Kind = KindFolder
	case nodeTypeFile:
		entry.Kind = KindFile
	default:
		logger.Warn("unknown node type, treating as file",
			slog.String("node_id", n.ID),
			slog.String("type", n.Type),
		)

		entry.Kind = KindFile
	}

	if n.ContentMAC != "" {
		mac, err := hex.DecodeString(n.ContentMAC)
		if err != nil {
			logger.Warn("invalid content MAC in node response, ignoring",
				slog.String("node_id", n.ID),
				slog.String("error", err.Error()),
			)
		} else {
			entry.ContentMAC = mac
		}
	}

	if n.ModifiedAt != "" {
		ts, err := time.Parse(time.RFC3339, n.ModifiedAt)
		if err != nil {
			logger.Warn("invalid modification time in node response, using zero time",
				slog.String("node_id", n.ID),
				slog.String("raw", n.ModifiedAt),
			)
		} else {
			entry.ModifiedAt = ts
		}
	}

	return entry
}

// Quota is the account storage usage snapshot.
type Quota struct {
	TotalBytes int64
	UsedBytes  int64
}

// Free returns the remaining storage in bytes, never negative.
func (q Quota) Free() int64 {
	if q.UsedBytes >= q.TotalBytes {
		return 0
	}

	return q.TotalBytes - q.UsedBytes
}

// DownloadTarget is the authority's response to a download request:
// a pre-authenticated URL serving the encrypted content plus the declared
// plaintext MAC. The URL embeds auth material and is never logged.
type DownloadTarget struct {
	URL           string
	EncryptedSize int64
	ContentMAC    []byte
}

// UploadTarget is the authority's response to an upload request:
// a pre-authenticated URL accepting encrypted chunk PUTs, a commit URL
// that finalizes the node once all chunks are stored, and the node ID the
// authority reserved for the file. The ID is assigned up front so chunk
// keys can be derived before the first byte is sent.
type UploadTarget struct {
	NodeID    string
	UploadURL string
	CommitURL string
	ExpiresAt time.Time
}

// ChangeEvent is a single tree mutation pushed over the event feed.
type ChangeEvent struct {
	// Op is "add", "update", or "remove".
	Op string `json:"op"`

	// Node carries the affected node. For "remove" only ID is set.
	Node nodeResponse `json:"node"`
}

// EventOp values.
const (
	EventAdd    = "add"
	EventUpdate = "update"
	EventRemove = "remove"
)

// Entry returns the normalized node carried by the event.
func (e ChangeEvent) Entry(logger *slog.Logger) NodeEntry {
	return e.Node.toEntry(logger)
}

// NewChangeEvent builds an event from a normalized entry. The feed decodes
// events straight off the wire; this is for synthesizing events locally.
func NewChangeEvent(op string, entry NodeEntry) ChangeEvent {
	wire := nodeResponse{
		ID:       entry.ID,
		ParentID: entry.ParentID,
		Name:     entry.Name,
		Size:     entry.Size,
	}

	switch entry.Kind {
	case KindRoot:
		wire.Type = nodeTypeRoot
	case KindFolder:
		wire.Type = nodeTypeFolder
	case KindFile:
		wire.Type = nodeTypeFile
	}

	if len(entry.ContentMAC) > 0 {
		wire.ContentMAC = hex.EncodeToString(entry.ContentMAC)
	}

	if !entry.ModifiedAt.IsZero() {
		wire.ModifiedAt = entry.ModifiedAt.Format(time.RFC3339)
	}

	return ChangeEvent{Op: op, Node: wire}
}
