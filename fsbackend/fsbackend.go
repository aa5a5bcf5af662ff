// Package fsbackend implements the engine's FileSystem contract on a local
// directory. Dead properties live in one sidecar file per directory;
// content types come from the file extension or content sniffing; metadata
// lookups go through a short-lived cache invalidated on every mutation.
package fsbackend

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"bq-webdav/core"

	"github.com/gabriel-vasile/mimetype"
	gocache "github.com/pmylund/go-cache"
	log "github.com/sirupsen/logrus"
)

// propsFileName is the per-directory sidecar holding dead properties of
// the directory's members. It is invisible through the WebDAV tree.
const propsFileName = ".davprops.xml"

type FSBackend struct {
	root  string
	cache *gocache.Cache
	// serializes sidecar read-modify-write cycles
	propmu sync.Mutex
}

func New(location string) (*FSBackend, error) {
	if e := os.MkdirAll(location, 0o755); e != nil {
		return nil, e
	}
	return &FSBackend{
		root:  location,
		cache: gocache.New(30*time.Second, 5*time.Minute),
	}, nil
}

// abs maps a cleaned resource name to a path under the root. The sidecar
// files do not exist as resources.
func (b *FSBackend) abs(name string) (string, error) {
	if path.Base(name) == propsFileName {
		return "", core.ErrNotFound
	}
	return filepath.Join(b.root, filepath.FromSlash(name)), nil
}

func (b *FSBackend) invalidate(name string) {
	b.cache.Delete(name)
	b.cache.Delete(path.Dir(name))
}

func mapOSError(err error) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return core.ErrNotFound
	case errors.Is(err, syscall.ENOTEMPTY):
		// before os.IsExist: on Linux os.IsExist matches ENOTEMPTY too
		return core.ErrNotEmpty
	case os.IsExist(err):
		return core.ErrExists
	case os.IsPermission(err):
		return core.ErrForbidden
	case errors.Is(err, syscall.ENOTDIR):
		return core.ErrNotCollection
	case errors.Is(err, syscall.EISDIR):
		return core.ErrIsCollection
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return core.ErrInsufficientStorage
	default:
		return err
	}
}

func detectContentType(p string) string {
	if ct := mime.TypeByExtension(filepath.Ext(p)); ct != "" {
		return ct
	}
	if mt, e := mimetype.DetectFile(p); e == nil {
		return mt.String()
	}
	return "application/octet-stream"
}

func (b *FSBackend) metadataFor(p string, fi os.FileInfo) core.Metadata {
	md := core.Metadata{
		IsCollection: fi.IsDir(),
		ModTime:      fi.ModTime(),
	}
	if !fi.IsDir() {
		md.Length = fi.Size()
		md.ContentType = detectContentType(p)
	}
	md.ETag = core.ETagFor(fi.Size(), fi.ModTime(), fi.IsDir())
	return md
}

func (b *FSBackend) Stat(_ context.Context, name string) (core.Metadata, error) {
	if v, ok := b.cache.Get(name); ok {
		return v.(core.Metadata), nil
	}
	p, err := b.abs(name)
	if err != nil {
		return core.Metadata{}, err
	}
	fi, e := os.Stat(p)
	if e != nil {
		return core.Metadata{}, mapOSError(e)
	}
	md := b.metadataFor(p, fi)
	b.cache.SetDefault(name, md)
	return md, nil
}

func (b *FSBackend) ReadDir(_ context.Context, name string) ([]core.DirEntry, error) {
	p, err := b.abs(name)
	if err != nil {
		return nil, err
	}
	fi, e := os.Stat(p)
	if e != nil {
		return nil, mapOSError(e)
	} else if !fi.IsDir() {
		return nil, core.ErrNotCollection
	}
	des, e := os.ReadDir(p)
	if e != nil {
		return nil, mapOSError(e)
	}
	entries := make([]core.DirEntry, 0, len(des))
	for _, de := range des {
		if de.Name() == propsFileName {
			continue
		}
		cfi, e := de.Info()
		if e != nil {
			// raced with a concurrent delete
			continue
		}
		entries = append(entries, core.DirEntry{
			Name:     de.Name(),
			Metadata: b.metadataFor(filepath.Join(p, de.Name()), cfi),
		})
	}
	return entries, nil
}

func (b *FSBackend) OpenRead(_ context.Context, name string) (io.ReadSeekCloser, error) {
	p, err := b.abs(name)
	if err != nil {
		return nil, err
	}
	if fi, e := os.Stat(p); e != nil {
		return nil, mapOSError(e)
	} else if fi.IsDir() {
		return nil, core.ErrIsCollection
	}
	f, e := os.Open(p)
	if e != nil {
		return nil, mapOSError(e)
	}
	return f, nil
}

// atomicFile stages a PUT in a temp file in the target directory; the
// content becomes visible only when Close renames it into place.
type atomicFile struct {
	f      *os.File
	target string
	name   string
	b      *FSBackend
}

func (a *atomicFile) Write(p []byte) (int, error) {
	n, e := a.f.Write(p)
	return n, mapOSError(e)
}

func (a *atomicFile) Close() error {
	if e := a.f.Close(); e != nil {
		os.Remove(a.f.Name())
		return mapOSError(e)
	}
	if e := os.Rename(a.f.Name(), a.target); e != nil {
		os.Remove(a.f.Name())
		return mapOSError(e)
	}
	a.b.invalidate(a.name)
	return nil
}

func (b *FSBackend) OpenWrite(_ context.Context, name string, create bool) (io.WriteCloser, error) {
	log.Debugf("OpenWrite %v create=%v", name, create)
	p, err := b.abs(name)
	if err != nil {
		return nil, err
	}
	if fi, e := os.Stat(p); e == nil {
		if fi.IsDir() {
			return nil, core.ErrIsCollection
		}
	} else if !os.IsNotExist(e) {
		return nil, mapOSError(e)
	} else if !create {
		return nil, core.ErrNotFound
	}
	if fi, e := os.Stat(filepath.Dir(p)); e != nil {
		return nil, mapOSError(e)
	} else if !fi.IsDir() {
		return nil, core.ErrNotCollection
	}
	f, e := os.CreateTemp(filepath.Dir(p), ".dav-put-*")
	if e != nil {
		return nil, mapOSError(e)
	}
	return &atomicFile{f: f, target: p, name: name, b: b}, nil
}

func (b *FSBackend) Mkdir(_ context.Context, name string) error {
	log.Debugf("Mkdir %v", name)
	p, err := b.abs(name)
	if err != nil {
		return err
	}
	if e := os.Mkdir(p, 0o755); e != nil {
		return mapOSError(e)
	}
	b.invalidate(name)
	return nil
}

func (b *FSBackend) Remove(_ context.Context, name string, recursive bool) error {
	log.Debugf("Remove %v recursive=%v", name, recursive)
	p, err := b.abs(name)
	if err != nil {
		return err
	}
	if _, e := os.Stat(p); e != nil {
		return mapOSError(e)
	}
	if recursive {
		if e := os.RemoveAll(p); e != nil {
			return mapOSError(e)
		}
	} else if e := os.Remove(p); e != nil {
		return mapOSError(e)
	}
	b.dropProps(name)
	b.cache.Flush()
	return nil
}

func (b *FSBackend) Rename(_ context.Context, from, to string, overwrite bool) error {
	log.Debugf("Rename %v -> %v overwrite=%v", from, to, overwrite)
	src, err := b.abs(from)
	if err != nil {
		return err
	}
	dst, err := b.abs(to)
	if err != nil {
		return err
	}
	if _, e := os.Stat(src); e != nil {
		return mapOSError(e)
	}
	if _, e := os.Stat(dst); e == nil {
		if !overwrite {
			return core.ErrExists
		}
		if e := os.RemoveAll(dst); e != nil {
			return mapOSError(e)
		}
		b.dropProps(to)
	} else if !os.IsNotExist(e) {
		return mapOSError(e)
	}
	if e := os.Rename(src, dst); e != nil {
		return mapOSError(e)
	}
	b.moveProps(from, to)
	b.cache.Flush()
	return nil
}

func (b *FSBackend) Copy(_ context.Context, from, to string, overwrite bool) error {
	log.Debugf("Copy %v -> %v overwrite=%v", from, to, overwrite)
	src, err := b.abs(from)
	if err != nil {
		return err
	}
	dst, err := b.abs(to)
	if err != nil {
		return err
	}
	fi, e := os.Stat(src)
	if e != nil {
		return mapOSError(e)
	}
	if _, e := os.Stat(dst); e == nil {
		if !overwrite {
			return core.ErrExists
		}
		if e := os.RemoveAll(dst); e != nil {
			return mapOSError(e)
		}
		b.dropProps(to)
	} else if !os.IsNotExist(e) {
		return mapOSError(e)
	}
	if fi.IsDir() {
		if e := os.Mkdir(dst, 0o755); e != nil {
			return mapOSError(e)
		}
	} else if e := copyFileContents(src, dst); e != nil {
		return mapOSError(e)
	}
	b.copyProps(from, to)
	b.cache.Flush()
	return nil
}

func copyFileContents(src, dst string) error {
	sf, e := os.Open(src)
	if e != nil {
		return e
	}
	defer sf.Close()
	df, e := os.Create(dst)
	if e != nil {
		return e
	}
	if _, e := io.Copy(df, sf); e != nil {
		df.Close()
		os.Remove(dst)
		return e
	}
	return df.Close()
}

// dead properties

type propsFile struct {
	XMLName   xml.Name        `xml:"propertycache"`
	Resources []resourceProps `xml:"resource"`
}

type resourceProps struct {
	Name  string     `xml:"name,attr"`
	Props []core.Any `xml:",any"`
}

// sidecarKey locates the sidecar file and the entry key for a resource:
// the sidecar lives in the resource's parent directory; the root
// collection keeps its own properties under ".".
func (b *FSBackend) sidecarKey(name string) (sidecar string, key string) {
	dir, key := path.Dir(name), path.Base(name)
	if name == "/" {
		dir, key = "/", "."
	}
	return filepath.Join(b.root, filepath.FromSlash(dir), propsFileName), key
}

func loadPropsFile(p string) *propsFile {
	pc := &propsFile{}
	f, e := os.Open(p)
	if e != nil {
		return pc
	}
	defer f.Close()
	if e := xml.NewDecoder(f).Decode(pc); e != nil {
		log.Debugf("discarding unreadable sidecar %v: %v", p, e)
		return &propsFile{}
	}
	return pc
}

func storePropsFile(p string, pc *propsFile) error {
	kept := pc.Resources[:0]
	for _, res := range pc.Resources {
		if len(res.Props) != 0 {
			kept = append(kept, res)
		}
	}
	pc.Resources = kept
	if len(pc.Resources) == 0 {
		if e := os.Remove(p); e != nil && !os.IsNotExist(e) {
			return mapOSError(e)
		}
		return nil
	}
	f, e := os.CreateTemp(filepath.Dir(p), ".davprops-*")
	if e != nil {
		return mapOSError(e)
	}
	if e := xml.NewEncoder(f).Encode(pc); e != nil {
		f.Close()
		os.Remove(f.Name())
		return e
	}
	if e := f.Close(); e != nil {
		os.Remove(f.Name())
		return mapOSError(e)
	}
	if e := os.Rename(f.Name(), p); e != nil {
		os.Remove(f.Name())
		return mapOSError(e)
	}
	return nil
}

func (b *FSBackend) Props(_ context.Context, name string) ([]core.Property, error) {
	if _, e := os.Stat(filepath.Join(b.root, filepath.FromSlash(name))); e != nil {
		return nil, mapOSError(e)
	}
	b.propmu.Lock()
	defer b.propmu.Unlock()

	sidecar, key := b.sidecarKey(name)
	for _, res := range loadPropsFile(sidecar).Resources {
		if res.Name == key {
			props := make([]core.Property, len(res.Props))
			for k, a := range res.Props {
				props[k] = core.Property{Name: a.XMLName, Content: a.Content}
			}
			return props, nil
		}
	}
	return nil, nil
}

func (b *FSBackend) GetProp(ctx context.Context, name string, prop xml.Name) (*core.Property, error) {
	props, e := b.Props(ctx, name)
	if e != nil {
		return nil, e
	}
	for _, p := range props {
		if p.Name == prop {
			return &p, nil
		}
	}
	return nil, nil
}

func (b *FSBackend) SetProp(_ context.Context, name string, prop xml.Name, content []byte) error {
	if _, e := os.Stat(filepath.Join(b.root, filepath.FromSlash(name))); e != nil {
		return mapOSError(e)
	}
	b.propmu.Lock()
	defer b.propmu.Unlock()

	sidecar, key := b.sidecarKey(name)
	pc := loadPropsFile(sidecar)
	var res *resourceProps
	for k := range pc.Resources {
		if pc.Resources[k].Name == key {
			res = &pc.Resources[k]
			break
		}
	}
	if res == nil {
		if content == nil {
			// removing an absent property is a no-op
			return nil
		}
		pc.Resources = append(pc.Resources, resourceProps{Name: key})
		res = &pc.Resources[len(pc.Resources)-1]
	}
	for k, a := range res.Props {
		if a.XMLName == prop {
			if content == nil {
				res.Props = append(res.Props[:k], res.Props[k+1:]...)
			} else {
				res.Props[k].Content = content
			}
			return storePropsFile(sidecar, pc)
		}
	}
	if content != nil {
		res.Props = append(res.Props, core.Any{XMLName: prop, Content: content})
	}
	return storePropsFile(sidecar, pc)
}

// sidecar bookkeeping on remove/rename/copy; best effort, dead properties
// are advisory next to the bytes themselves

func (b *FSBackend) dropProps(name string) {
	b.propmu.Lock()
	defer b.propmu.Unlock()

	sidecar, key := b.sidecarKey(name)
	pc := loadPropsFile(sidecar)
	for k, res := range pc.Resources {
		if res.Name == key {
			pc.Resources = append(pc.Resources[:k], pc.Resources[k+1:]...)
			if e := storePropsFile(sidecar, pc); e != nil {
				log.Debugf("dropProps %v: %v", name, e)
			}
			return
		}
	}
}

func (b *FSBackend) moveProps(from, to string) {
	b.copyProps(from, to)
	b.dropProps(from)
}

func (b *FSBackend) copyProps(from, to string) {
	b.propmu.Lock()
	defer b.propmu.Unlock()

	fromSidecar, fromKey := b.sidecarKey(from)
	var props []core.Any
	for _, res := range loadPropsFile(fromSidecar).Resources {
		if res.Name == fromKey {
			props = res.Props
			break
		}
	}
	if props == nil {
		return
	}
	toSidecar, toKey := b.sidecarKey(to)
	pc := loadPropsFile(toSidecar)
	for k := range pc.Resources {
		if pc.Resources[k].Name == toKey {
			pc.Resources[k].Props = props
			if e := storePropsFile(toSidecar, pc); e != nil {
				log.Debugf("copyProps %v -> %v: %v", from, to, e)
			}
			return
		}
	}
	pc.Resources = append(pc.Resources, resourceProps{Name: toKey, Props: props})
	if e := storePropsFile(toSidecar, pc); e != nil {
		log.Debugf("copyProps %v -> %v: %v", from, to, e)
	}
}

var _ core.FileSystem = (*FSBackend)(nil)
