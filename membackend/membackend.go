// Package membackend keeps a full WebDAV tree in process memory. It backs
// the test suites and the sample server's -mem mode; nothing survives a
// restart.
package membackend

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"sync"
	"time"

	"bq-webdav/core"

	"github.com/gabriel-vasile/mimetype"
)

type node struct {
	isDir    bool
	children map[string]*node
	data     []byte
	ctype    string
	modTime  time.Time
	etag     string
	props    map[xml.Name][]byte
}

type MemBackend struct {
	mu   sync.Mutex
	root *node
	gen  uint64
}

func New() *MemBackend {
	b := &MemBackend{
		root: &node{
			isDir:    true,
			children: make(map[string]*node),
			props:    make(map[xml.Name][]byte),
		},
	}
	b.stamp(b.root)
	return b
}

func (b *MemBackend) stamp(n *node) {
	b.gen++
	n.modTime = time.Now()
	n.etag = fmt.Sprintf("%x-%x", b.gen, len(n.data))
}

func segments(name string) []string {
	trimmed := strings.Trim(name, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// walk resolves a cleaned resource name; callers hold b.mu.
func (b *MemBackend) walk(name string) (*node, error) {
	n := b.root
	for _, seg := range segments(name) {
		if !n.isDir {
			return nil, core.ErrNotCollection
		}
		c, ok := n.children[seg]
		if !ok {
			return nil, core.ErrNotFound
		}
		n = c
	}
	return n, nil
}

// walkParent resolves the parent collection and final segment of a
// non-root name; callers hold b.mu.
func (b *MemBackend) walkParent(name string) (*node, string, error) {
	segs := segments(name)
	if len(segs) == 0 {
		return nil, "", core.ErrForbidden
	}
	parent, err := b.walk(path.Dir(strings.TrimSuffix(name, "/")))
	if err != nil {
		return nil, "", err
	}
	if !parent.isDir {
		return nil, "", core.ErrNotCollection
	}
	return parent, segs[len(segs)-1], nil
}

func (b *MemBackend) metadataFor(n *node) core.Metadata {
	md := core.Metadata{
		IsCollection: n.isDir,
		ModTime:      n.modTime,
		ETag:         n.etag,
	}
	if !n.isDir {
		md.Length = int64(len(n.data))
		md.ContentType = n.ctype
	}
	return md
}

func (b *MemBackend) Stat(_ context.Context, name string) (core.Metadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.walk(name)
	if err != nil {
		return core.Metadata{}, err
	}
	return b.metadataFor(n), nil
}

func (b *MemBackend) ReadDir(_ context.Context, name string) ([]core.DirEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.walk(name)
	if err != nil {
		return nil, err
	}
	if !n.isDir {
		return nil, core.ErrNotCollection
	}
	entries := make([]core.DirEntry, 0, len(n.children))
	for cname, c := range n.children {
		entries = append(entries, core.DirEntry{Name: cname, Metadata: b.metadataFor(c)})
	}
	return entries, nil
}

type memReader struct {
	*bytes.Reader
}

func (memReader) Close() error { return nil }

func (b *MemBackend) OpenRead(_ context.Context, name string) (io.ReadSeekCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.walk(name)
	if err != nil {
		return nil, err
	}
	if n.isDir {
		return nil, core.ErrIsCollection
	}
	// snapshot; later writes replace the slice rather than mutate it
	return memReader{bytes.NewReader(n.data)}, nil
}

// memWriter buffers a PUT; the buffered bytes become the resource only
// when Close commits them under the backend lock.
type memWriter struct {
	buf  bytes.Buffer
	b    *MemBackend
	name string
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memWriter) Close() error {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	parent, base, err := w.b.walkParent(w.name)
	if err != nil {
		return err
	}
	n, ok := parent.children[base]
	if !ok {
		n = &node{props: make(map[xml.Name][]byte)}
		parent.children[base] = n
		w.b.stamp(parent)
	} else if n.isDir {
		return core.ErrIsCollection
	}
	n.data = w.buf.Bytes()
	if ct := mime.TypeByExtension(path.Ext(w.name)); ct != "" {
		n.ctype = ct
	} else {
		n.ctype = mimetype.Detect(n.data).String()
	}
	w.b.stamp(n)
	return nil
}

func (b *MemBackend) OpenWrite(_ context.Context, name string, create bool) (io.WriteCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	parent, base, err := b.walkParent(name)
	if err != nil {
		return nil, err
	}
	if n, ok := parent.children[base]; ok {
		if n.isDir {
			return nil, core.ErrIsCollection
		}
	} else if !create {
		return nil, core.ErrNotFound
	}
	return &memWriter{b: b, name: name}, nil
}

func (b *MemBackend) Mkdir(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	parent, base, err := b.walkParent(name)
	if err != nil {
		return err
	}
	if _, ok := parent.children[base]; ok {
		return core.ErrExists
	}
	n := &node{
		isDir:    true,
		children: make(map[string]*node),
		props:    make(map[xml.Name][]byte),
	}
	parent.children[base] = n
	b.stamp(n)
	b.stamp(parent)
	return nil
}

func (b *MemBackend) Remove(_ context.Context, name string, recursive bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	parent, base, err := b.walkParent(name)
	if err != nil {
		return err
	}
	n, ok := parent.children[base]
	if !ok {
		return core.ErrNotFound
	}
	if n.isDir && !recursive && len(n.children) > 0 {
		return core.ErrNotEmpty
	}
	delete(parent.children, base)
	b.stamp(parent)
	return nil
}

// detach removes and returns the named node; callers hold b.mu.
func (b *MemBackend) detach(name string, overwrite bool, to string) (*node, *node, string, error) {
	srcParent, srcBase, err := b.walkParent(name)
	if err != nil {
		return nil, nil, "", err
	}
	src, ok := srcParent.children[srcBase]
	if !ok {
		return nil, nil, "", core.ErrNotFound
	}
	dstParent, dstBase, err := b.walkParent(to)
	if err != nil {
		return nil, nil, "", err
	}
	if _, ok := dstParent.children[dstBase]; ok && !overwrite {
		return nil, nil, "", core.ErrExists
	}
	delete(srcParent.children, srcBase)
	b.stamp(srcParent)
	return src, dstParent, dstBase, nil
}

func (b *MemBackend) Rename(_ context.Context, from, to string, overwrite bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	src, dstParent, dstBase, err := b.detach(from, overwrite, to)
	if err != nil {
		return err
	}
	dstParent.children[dstBase] = src
	b.stamp(dstParent)
	return nil
}

func (b *MemBackend) Copy(_ context.Context, from, to string, overwrite bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	src, err := b.walk(from)
	if err != nil {
		return err
	}
	dstParent, dstBase, err := b.walkParent(to)
	if err != nil {
		return err
	}
	if _, ok := dstParent.children[dstBase]; ok && !overwrite {
		return core.ErrExists
	}
	dup := &node{
		isDir: src.isDir,
		ctype: src.ctype,
		props: make(map[xml.Name][]byte, len(src.props)),
	}
	if src.isDir {
		// children are the dispatcher's responsibility
		dup.children = make(map[string]*node)
	} else {
		dup.data = append([]byte(nil), src.data...)
	}
	for k, v := range src.props {
		dup.props[k] = append([]byte(nil), v...)
	}
	dstParent.children[dstBase] = dup
	b.stamp(dup)
	b.stamp(dstParent)
	return nil
}

func (b *MemBackend) Props(_ context.Context, name string) ([]core.Property, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.walk(name)
	if err != nil {
		return nil, err
	}
	props := make([]core.Property, 0, len(n.props))
	for k, v := range n.props {
		props = append(props, core.Property{Name: k, Content: v})
	}
	return props, nil
}

func (b *MemBackend) GetProp(_ context.Context, name string, prop xml.Name) (*core.Property, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.walk(name)
	if err != nil {
		return nil, err
	}
	if v, ok := n.props[prop]; ok {
		return &core.Property{Name: prop, Content: v}, nil
	}
	return nil, nil
}

func (b *MemBackend) SetProp(_ context.Context, name string, prop xml.Name, content []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.walk(name)
	if err != nil {
		return err
	}
	if n.props == nil {
		n.props = make(map[xml.Name][]byte)
	}
	if content == nil {
		delete(n.props, prop)
	} else {
		n.props[prop] = append([]byte(nil), content...)
	}
	return nil
}

var _ core.FileSystem = (*MemBackend)(nil)
