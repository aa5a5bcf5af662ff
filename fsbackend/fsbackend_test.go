package fsbackend

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"bq-webdav/core"
)

func newBackend(t *testing.T) (*FSBackend, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, dir
}

func writeFile(t *testing.T, b *FSBackend, name, content string) {
	t.Helper()
	ctx := context.Background()
	w, err := b.OpenWrite(ctx, name, true)
	if err != nil {
		t.Fatalf("OpenWrite %s: %v", name, err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		t.Fatalf("Write %s: %v", name, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close %s: %v", name, err)
	}
}

func TestWriteReadStat(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	writeFile(t, b, "/hello.txt", "hello")
	md, err := b.Stat(ctx, "/hello.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if md.IsCollection || md.Length != 5 || md.ETag == "" {
		t.Fatalf("Stat = %+v", md)
	}
	if md.ContentType != "text/plain; charset=utf-8" {
		t.Fatalf("ContentType = %q", md.ContentType)
	}

	f, err := b.OpenRead(ctx, "/hello.txt")
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	defer f.Close()
	got, _ := io.ReadAll(f)
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("read back %q", got)
	}

	if _, err := b.Stat(ctx, "/missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Stat missing: %v", err)
	}
	if _, err := b.OpenWrite(ctx, "/missing", false); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("OpenWrite create=false on missing: %v", err)
	}
}

// an abandoned writer must not clobber the target
func TestWriteIsAtomic(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()
	writeFile(t, b, "/f.txt", "stable")

	w, err := b.OpenWrite(ctx, "/f.txt", true)
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// not yet closed: old content must still be served
	f, err := b.OpenRead(ctx, "/f.txt")
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	got, _ := io.ReadAll(f)
	f.Close()
	if string(got) != "stable" {
		t.Fatalf("uncommitted write visible: %q", got)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	f, _ = b.OpenRead(ctx, "/f.txt")
	got, _ = io.ReadAll(f)
	f.Close()
	if string(got) != "partial" {
		t.Fatalf("committed write not visible: %q", got)
	}
}

func TestDirOps(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	if err := b.Mkdir(ctx, "/d"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := b.Mkdir(ctx, "/d"); !errors.Is(err, core.ErrExists) {
		t.Fatalf("Mkdir existing: %v", err)
	}
	if err := b.Mkdir(ctx, "/no/parent"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Mkdir without parent: %v", err)
	}

	writeFile(t, b, "/d/a.txt", "a")
	writeFile(t, b, "/d/b.txt", "b")
	entries, err := b.ReadDir(ctx, "/d")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ReadDir = %v", entries)
	}
	if _, err := b.ReadDir(ctx, "/d/a.txt"); !errors.Is(err, core.ErrNotCollection) {
		t.Fatalf("ReadDir on file: %v", err)
	}

	if err := b.Remove(ctx, "/d", false); !errors.Is(err, core.ErrNotEmpty) {
		t.Fatalf("Remove non-empty without recursive: %v", err)
	}
	if err := b.Remove(ctx, "/d", true); err != nil {
		t.Fatalf("Remove recursive: %v", err)
	}
	if _, err := b.Stat(ctx, "/d"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Stat after remove: %v", err)
	}
}

func TestRenameAndCopy(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()
	writeFile(t, b, "/one.txt", "one")
	writeFile(t, b, "/two.txt", "two")

	if err := b.Rename(ctx, "/one.txt", "/two.txt", false); !errors.Is(err, core.ErrExists) {
		t.Fatalf("Rename onto existing without overwrite: %v", err)
	}
	if err := b.Rename(ctx, "/one.txt", "/two.txt", true); err != nil {
		t.Fatalf("Rename with overwrite: %v", err)
	}
	if _, err := b.Stat(ctx, "/one.txt"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("source survived the rename: %v", err)
	}
	f, _ := b.OpenRead(ctx, "/two.txt")
	got, _ := io.ReadAll(f)
	f.Close()
	if string(got) != "one" {
		t.Fatalf("renamed content %q", got)
	}

	if err := b.Copy(ctx, "/two.txt", "/three.txt", false); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	for _, name := range []string{"/two.txt", "/three.txt"} {
		if _, err := b.Stat(ctx, name); err != nil {
			t.Fatalf("Stat %s after copy: %v", name, err)
		}
	}
}

func TestDeadProps(t *testing.T) {
	b, dir := newBackend(t)
	ctx := context.Background()
	writeFile(t, b, "/p.txt", "x")

	name := xml.Name{Space: "urn:zns", Local: "author"}
	if err := b.SetProp(ctx, "/p.txt", name, []byte("jim")); err != nil {
		t.Fatalf("SetProp: %v", err)
	}
	p, err := b.GetProp(ctx, "/p.txt", name)
	if err != nil || p == nil {
		t.Fatalf("GetProp = %v, %v", p, err)
	}
	if string(p.Content) != "jim" {
		t.Fatalf("GetProp content %q", p.Content)
	}

	// survives a process restart
	b2, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p, _ := b2.GetProp(ctx, "/p.txt", name); p == nil || string(p.Content) != "jim" {
		t.Fatalf("property did not persist: %v", p)
	}

	// travels with a rename
	if err := b.Rename(ctx, "/p.txt", "/q.txt", false); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if p, _ := b.GetProp(ctx, "/q.txt", name); p == nil || string(p.Content) != "jim" {
		t.Fatalf("property lost in rename: %v", p)
	}
	if props, _ := b.Props(ctx, "/p.txt"); props != nil {
		t.Fatalf("old name still has properties: %v", props)
	}

	// removal
	if err := b.SetProp(ctx, "/q.txt", name, nil); err != nil {
		t.Fatalf("SetProp remove: %v", err)
	}
	if p, _ := b.GetProp(ctx, "/q.txt", name); p != nil {
		t.Fatalf("removed property still present: %v", p)
	}
	// with nothing left, no sidecar should remain on disk
	if _, err := os.Stat(filepath.Join(dir, propsFileName)); !os.IsNotExist(err) {
		t.Fatalf("empty sidecar left behind: %v", err)
	}
}

func TestSidecarHidden(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()
	writeFile(t, b, "/f.txt", "x")
	if err := b.SetProp(ctx, "/f.txt", xml.Name{Space: "urn:z", Local: "p"}, []byte("v")); err != nil {
		t.Fatalf("SetProp: %v", err)
	}

	entries, err := b.ReadDir(ctx, "/")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name == propsFileName {
			t.Fatalf("sidecar leaked into the listing")
		}
	}
	if _, err := b.Stat(ctx, "/"+propsFileName); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("Stat on the sidecar: %v", err)
	}
	if _, err := b.OpenRead(ctx, "/"+propsFileName); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("OpenRead on the sidecar: %v", err)
	}
}

func TestStatCacheInvalidation(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()
	writeFile(t, b, "/c.txt", "aa")

	md1, err := b.Stat(ctx, "/c.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	writeFile(t, b, "/c.txt", "a much longer body")
	md2, err := b.Stat(ctx, "/c.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if md2.Length == md1.Length {
		t.Fatalf("cache served stale metadata: %+v", md2)
	}
}
