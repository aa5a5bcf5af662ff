package core

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"time"
)

// Backend result codes. A FileSystem returns these (possibly wrapped);
// the handler maps each one to a single HTTP status.
var (
	ErrNotFound            = errors.New("webdav: not found")
	ErrExists              = errors.New("webdav: already exists")
	ErrIsCollection        = errors.New("webdav: is a collection")
	ErrNotCollection       = errors.New("webdav: not a collection")
	ErrNotEmpty            = errors.New("webdav: collection not empty")
	ErrForbidden           = errors.New("webdav: forbidden")
	ErrInsufficientStorage = errors.New("webdav: insufficient storage")
)

// Metadata is a point-in-time snapshot of one resource. It is produced on
// demand and never cached by the engine across requests.
type Metadata struct {
	IsCollection bool
	// Length is 0 for collections.
	Length  int64
	ModTime time.Time
	// ETag is the unquoted entity tag. Empty means the backend cannot
	// produce one and conditional requests against it never match.
	ETag string
	// ContentType is the media type the backend serves the resource as.
	// Empty means unknown; the getcontenttype property is then omitted.
	ContentType string
}

// ETagFor is the default entity tag for backends without a cheaper source
// of change information: length and mtime in microseconds, hex encoded.
func ETagFor(length int64, modTime time.Time, isCollection bool) string {
	t := modTime.UnixMicro()
	if !isCollection && length > 0 {
		return fmt.Sprintf("%x-%x", length, t)
	}
	return fmt.Sprintf("%x", t)
}

// DirEntry is one child of a collection.
type DirEntry struct {
	Name string
	Metadata
}

// Property is one dead property: a name plus the verbatim inner XML that
// was stored for it.
type Property struct {
	Name    xml.Name
	Content []byte
}

// FileSystem is the storage contract the engine dispatches against. Path
// arguments are slash-separated, rooted at "/", already cleaned by the
// handler (no "." or ".." segments, no prefix). Implementations must be
// safe for concurrent use; calls may block on I/O.
type FileSystem interface {
	Stat(ctx context.Context, name string) (Metadata, error)
	ReadDir(ctx context.Context, name string) ([]DirEntry, error)

	// OpenRead opens a file for reading. Ranged reads are done by
	// seeking; collections return ErrIsCollection.
	OpenRead(ctx context.Context, name string) (io.ReadSeekCloser, error)

	// OpenWrite opens a file for writing, truncating any previous
	// content. The write becomes visible atomically at Close; a write
	// abandoned without Close must leave the old content intact. When
	// create is false a missing file is ErrNotFound.
	OpenWrite(ctx context.Context, name string, create bool) (io.WriteCloser, error)

	// Mkdir creates a collection. The parent must exist (ErrNotFound)
	// and the target must not (ErrExists).
	Mkdir(ctx context.Context, name string) error

	// Remove deletes a resource. A non-empty collection is ErrNotEmpty
	// unless recursive is set.
	Remove(ctx context.Context, name string, recursive bool) error

	// Rename moves a single file or a whole collection. An existing
	// destination is ErrExists unless overwrite is set.
	Rename(ctx context.Context, from, to string, overwrite bool) error

	// Copy duplicates one node and its dead properties: a file's bytes,
	// or an empty collection for a collection source. Recursion over a
	// subtree is the caller's job.
	Copy(ctx context.Context, from, to string, overwrite bool) error

	// Props returns all dead properties of a resource.
	Props(ctx context.Context, name string) ([]Property, error)

	// GetProp returns one dead property, or nil if not set.
	GetProp(ctx context.Context, name string, prop xml.Name) (*Property, error)

	// SetProp stores one dead property verbatim; nil content removes it.
	// Durability is the backend's responsibility.
	SetProp(ctx context.Context, name string, prop xml.Name, content []byte) error
}
