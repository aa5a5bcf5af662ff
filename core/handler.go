package core

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// Handler interprets WebDAV semantics over a FileSystem and a LockSystem.
// It is transport-agnostic beyond the net/http request/response types: no
// listener, no TLS, no authentication. A caller that has authorized the
// request mounts it under Prefix.
type Handler struct {
	// Prefix is the URL path prefix stripped from request paths before
	// they reach the FileSystem. Requests outside the prefix are 404.
	Prefix     string
	FileSystem FileSystem
	Locks      *LockSystem
	// AllowDepthInfinity permits PROPFIND with Depth: infinity. When
	// false such requests fail 403 with a propfind-finite-depth
	// precondition.
	AllowDepthInfinity bool
}

// slashClean is equivalent to but slightly more efficient than
// path.Clean("/" + name).
func slashClean(name string) string {
	if name == "" || name[0] != '/' {
		name = "/" + name
	}
	return path.Clean(name)
}

func (h *Handler) stripPrefix(p string) (string, bool) {
	if h.Prefix == "" {
		return p, true
	}
	if r := strings.TrimPrefix(p, h.Prefix); len(r) < len(p) {
		if r == "" {
			r = "/"
		}
		return r, true
	}
	return p, false
}

// resolve maps an already percent-decoded request path to a cleaned
// resource name. After cleaning no "." or ".." segments survive.
func (h *Handler) resolve(p string) (string, error) {
	if s, ok := h.stripPrefix(p); ok {
		return slashClean(s), nil
	}
	return "", &webDAVerror{Code: http.StatusNotFound}
}

// href renders a resource name as the URL path clients see, collection
// hrefs with a trailing slash.
func (h *Handler) href(name string, isCollection bool) string {
	u := url.URL{Path: h.Prefix + name}
	s := u.EscapedPath()
	if isCollection && !strings.HasSuffix(s, "/") {
		s = s + "/"
	}
	return s
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var err error
	switch r.Method {
	case http.MethodOptions:
		err = h.handleOptions(w, r)
	case http.MethodGet:
		err = h.handleGetHead(w, r)
	case http.MethodHead:
		err = h.handleGetHead(w, r)
	case http.MethodPut:
		err = h.handlePut(w, r)
	case http.MethodDelete:
		err = h.handleDelete(w, r)
	case "MKCOL":
		err = h.handleMkCol(w, r)
	case "COPY", "MOVE":
		err = h.handleCopyMove(w, r)
	case "PROPFIND":
		err = h.handlePropFind(w, r)
	case "PROPPATCH":
		err = h.handlePropPatch(w, r)
	case "LOCK":
		err = h.handleLock(w, r)
	case "UNLOCK":
		err = h.handleUnlock(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write(nil)
	}
	if err == nil {
		return
	}
	var code int
	var body []byte
	var dav *webDAVerror
	if errors.As(err, &dav) {
		code = dav.Code
		if dav.Condition == nil {
			// no condition given
		} else if b, e := xml.Marshal(wrapError(*dav.Condition, dav.Content)); e != nil {
			panic(e)
		} else {
			w.Header().Add("Content-Type", "text/xml; charset=utf-8")
			body = b
		}
	} else if conflict := (*ConflictError)(nil); errors.As(err, &conflict) {
		code = http.StatusLocked
		if b, e := xml.Marshal(wrapError(lockTokenSubmittedName, h.lockRootHrefs(conflict))); e != nil {
			panic(e)
		} else {
			w.Header().Add("Content-Type", "text/xml; charset=utf-8")
			body = b
		}
	} else {
		code = statusCodeForFsError(err)
	}
	w.WriteHeader(code)
	w.Write(body)
}

// lockRootHrefs marshals the blocking lock roots as a run of <href>
// elements, used inside precondition bodies.
func (h *Handler) lockRootHrefs(conflict *ConflictError) []byte {
	buf := bytes.NewBuffer(nil)
	for _, root := range conflict.Roots {
		if b, e := xml.Marshal(Href{Target: h.href(root, false)}); e != nil {
			panic(e)
		} else {
			buf.Write(b)
		}
	}
	return buf.Bytes()
}

func isContentXML(h http.Header) (bool, error) {
	if t, _, e := mime.ParseMediaType(h.Get("Content-Type")); e == nil {
		return t == "application/xml" || t == "text/xml", nil
	} else if e.Error() == "mime: no media type" {
		return false, nil
	} else {
		return false, &webDAVerror{Code: http.StatusUnsupportedMediaType}
	}
}

func hasBody(r *http.Request) bool {
	var b [1]byte
	_, err := r.Body.Read(b[:])
	return err != io.EOF
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) error {
	name, err := h.resolve(r.URL.Path)
	if err != nil {
		return err
	}
	allow := "OPTIONS, LOCK, PUT, MKCOL"
	if md, e := h.FileSystem.Stat(r.Context(), name); e == nil {
		if md.IsCollection {
			allow = "OPTIONS, DELETE, PROPFIND, PROPPATCH, COPY, MOVE, LOCK, UNLOCK"
		} else {
			allow = "OPTIONS, GET, HEAD, PUT, DELETE, PROPFIND, PROPPATCH, COPY, MOVE, LOCK, UNLOCK"
		}
	}
	w.Header().Add("DAV", "1, 2")
	w.Header().Add("Allow", allow)
	// necessary for Microsoft clients to use WebDAV instead of FrontPage
	w.Header().Add("MS-Author-Via", "DAV")
	w.WriteHeader(http.StatusOK)
	w.Write(nil)
	return nil
}

func (h *Handler) handleGetHead(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	name, err := h.resolve(r.URL.Path)
	if err != nil {
		return err
	}
	md, e := h.FileSystem.Stat(ctx, name)
	if e != nil {
		return e
	} else if md.IsCollection {
		return &webDAVerror{Code: http.StatusMethodNotAllowed}
	}
	if _, e := h.checkConditions(ctx, r, name, &md); e != nil {
		return e
	}
	f, e := h.FileSystem.OpenRead(ctx, name)
	if e != nil {
		return e
	}
	defer f.Close()
	if md.ETag != "" {
		w.Header().Set("ETag", strconv.Quote(md.ETag))
	}
	if md.ContentType != "" {
		w.Header().Set("Content-Type", md.ContentType)
	}
	// ServeContent handles Range, If-Range, If-None-Match and
	// If-Modified-Since, and streams without buffering the body.
	http.ServeContent(w, r, path.Base(name), md.ModTime, f)
	return nil
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	name, err := h.resolve(r.URL.Path)
	if err != nil {
		return err
	}
	if r.Header.Get("Content-Range") != "" {
		// partial PUT is not defined by RFC 4918
		return &webDAVerror{Code: http.StatusBadRequest}
	}
	var mdp *Metadata
	md, statErr := h.FileSystem.Stat(ctx, name)
	if statErr == nil {
		if md.IsCollection {
			return &webDAVerror{Code: http.StatusMethodNotAllowed}
		}
		mdp = &md
	} else if !errors.Is(statErr, ErrNotFound) {
		return statErr
	}
	tokens, e := h.checkConditions(ctx, r, name, mdp)
	if e != nil {
		return e
	}
	if e := h.Locks.Confirm(name, tokens...); e != nil {
		return e
	}
	wc, e := h.FileSystem.OpenWrite(ctx, name, true)
	if e != nil {
		if errors.Is(e, ErrNotFound) {
			// intermediate collection missing
			return &webDAVerror{Code: http.StatusConflict}
		}
		return e
	}
	_, cpErr := io.Copy(wc, r.Body)
	closeErr := wc.Close()
	if cpErr != nil {
		return cpErr
	} else if closeErr != nil {
		return closeErr
	}
	if md, e := h.FileSystem.Stat(ctx, name); e == nil && md.ETag != "" {
		w.Header().Set("ETag", strconv.Quote(md.ETag))
	}
	if statErr == nil {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
	w.Write(nil)
	return nil
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	name, err := h.resolve(r.URL.Path)
	if err != nil {
		return err
	}
	md, e := h.FileSystem.Stat(ctx, name)
	if e != nil {
		return e
	}
	tokens, e := h.checkConditions(ctx, r, name, &md)
	if e != nil {
		return e
	}
	if e := h.Locks.ConfirmTree(name, tokens...); e != nil {
		return e
	}

	if e := h.FileSystem.Remove(ctx, name, true); e == nil {
		h.Locks.ReleaseTree(name)
		w.WriteHeader(http.StatusNoContent)
		w.Write(nil)
		return nil
	} else if !md.IsCollection {
		return e
	}

	// partial failure: walk what is left bottom-up and report the nodes
	// that refuse to go, per RFC 4918 section 9.6.1 only the failing
	// leaves, not their ancestors.
	failures := h.deleteTree(ctx, name)
	if len(failures) == 0 {
		h.Locks.ReleaseTree(name)
		w.WriteHeader(http.StatusNoContent)
		w.Write(nil)
		return nil
	}
	return h.writeMultiStatus(w, &MultiStatus{Responses: failures})
}

func (h *Handler) deleteTree(ctx context.Context, name string) (failures []Response) {
	md, e := h.FileSystem.Stat(ctx, name)
	if e != nil {
		if errors.Is(e, ErrNotFound) {
			return nil
		}
		return h.failureResponse(name, false, e)
	}
	if md.IsCollection {
		entries, e := h.FileSystem.ReadDir(ctx, name)
		if e != nil {
			return h.failureResponse(name, true, e)
		}
		var blocked bool
		for _, entry := range entries {
			if f := h.deleteTree(ctx, path.Join(name, entry.Name)); f != nil {
				failures = append(failures, f...)
				blocked = true
			}
		}
		if blocked {
			// removing the parent would fail solely because of the
			// children already reported
			return failures
		}
	}
	if e := h.FileSystem.Remove(ctx, name, false); e != nil {
		return append(failures, h.failureResponse(name, md.IsCollection, e)...)
	}
	return failures
}

func (h *Handler) failureResponse(name string, isCollection bool, err error) []Response {
	st := statusForCode(statusCodeForFsError(err))
	return []Response{{
		Hrefs:  []Href{{Target: h.href(name, isCollection)}},
		Status: &st,
	}}
}

func (h *Handler) handleMkCol(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	name, err := h.resolve(r.URL.Path)
	if err != nil {
		return err
	}
	if hasBody(r) {
		// extended MKCOL bodies are not supported
		return &webDAVerror{Code: http.StatusUnsupportedMediaType}
	}
	tokens, e := h.checkConditions(ctx, r, name, nil)
	if e != nil {
		return e
	}
	if e := h.Locks.Confirm(name, tokens...); e != nil {
		return e
	}
	// RFC 4918 section 9.3.1 MKCOL status codes
	if e := h.FileSystem.Mkdir(ctx, name); errors.Is(e, ErrExists) {
		return &webDAVerror{Code: http.StatusMethodNotAllowed}
	} else if errors.Is(e, ErrNotFound) || errors.Is(e, ErrNotCollection) {
		return &webDAVerror{Code: http.StatusConflict}
	} else if e != nil {
		return e
	}
	w.WriteHeader(http.StatusCreated)
	w.Write(nil)
	return nil
}

func (h *Handler) handleCopyMove(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	src, err := h.resolve(r.URL.Path)
	if err != nil {
		return err
	}
	dest := r.Header.Get("Destination")
	if dest == "" {
		return &webDAVerror{Code: http.StatusBadRequest}
	}
	u, e := url.Parse(dest)
	if e != nil {
		return &webDAVerror{Code: http.StatusBadRequest}
	} else if u.Host != "" && u.Host != r.Host {
		return &webDAVerror{Code: http.StatusBadGateway}
	}
	dst, err := h.resolve(u.Path)
	if err != nil {
		return &webDAVerror{Code: http.StatusBadGateway}
	}
	if dst == src || strings.HasPrefix(dst, src+"/") {
		// RFC 4918 section 9.8.3: a destination inside the source tree
		// would recurse into its own copy
		return &webDAVerror{Code: http.StatusForbidden}
	}

	var overwrite bool
	switch r.Header.Get("Overwrite") {
	case "T", "":
		overwrite = true
	case "F":
		// keep false
	default:
		return &webDAVerror{Code: http.StatusBadRequest}
	}

	depth := DepthInfinity
	if r.Method == "COPY" {
		if depth, e = parseDepth(r.Header.Get("Depth"), DepthInfinity); e != nil {
			return e
		} else if depth == DepthOne {
			return &webDAVerror{Code: http.StatusBadRequest}
		}
	} else if v := r.Header.Get("Depth"); v != "" && v != "infinity" {
		// MOVE is always performed on the whole subtree
		return &webDAVerror{Code: http.StatusBadRequest}
	}

	srcMd, e := h.FileSystem.Stat(ctx, src)
	if e != nil {
		return e
	}
	tokens, e := h.checkConditions(ctx, r, src, &srcMd)
	if e != nil {
		return e
	}
	if r.Method == "MOVE" {
		if e := h.Locks.ConfirmTree(src, tokens...); e != nil {
			return e
		}
	}
	if e := h.Locks.ConfirmTree(dst, tokens...); e != nil {
		return e
	}

	_, dstErr := h.FileSystem.Stat(ctx, dst)
	dstExists := dstErr == nil
	if dstErr != nil && !errors.Is(dstErr, ErrNotFound) {
		return dstErr
	}
	if dstExists && !overwrite {
		return &webDAVerror{Code: http.StatusPreconditionFailed}
	}

	if r.Method == "MOVE" {
		if e := h.FileSystem.Rename(ctx, src, dst, overwrite); errors.Is(e, ErrNotFound) {
			// destination parent missing
			return &webDAVerror{Code: http.StatusConflict}
		} else if e != nil {
			return e
		}
		h.Locks.ReleaseTree(src)
		if dstExists {
			h.Locks.ReleaseTree(dst)
		}
	} else {
		failures, e := h.copyTree(ctx, src, srcMd, dst, overwrite, depth)
		if errors.Is(e, ErrNotFound) {
			return &webDAVerror{Code: http.StatusConflict}
		} else if e != nil {
			return e
		}
		if len(failures) != 0 {
			return h.writeMultiStatus(w, &MultiStatus{Responses: failures})
		}
	}
	if dstExists {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
	w.Write(nil)
	return nil
}

// copyTree copies src onto dst. The backend copies one node at a time; the
// walk over a collection happens here so that per-node failures can be
// reported in a multistatus. The error return is fatal (root copy failed);
// failures hold the non-fatal per-child outcomes.
func (h *Handler) copyTree(ctx context.Context, src string, srcMd Metadata, dst string, overwrite bool, depth Depth) (failures []Response, err error) {
	if e := h.FileSystem.Copy(ctx, src, dst, overwrite); e != nil {
		return nil, e
	}
	if !srcMd.IsCollection || depth == DepthZero {
		return nil, nil
	}
	entries, e := h.FileSystem.ReadDir(ctx, src)
	if e != nil {
		return nil, e
	}
	for _, entry := range entries {
		sc, dc := path.Join(src, entry.Name), path.Join(dst, entry.Name)
		if f, e := h.copyTree(ctx, sc, entry.Metadata, dc, true, depth); e != nil {
			failures = append(failures, h.failureResponse(dc, entry.Metadata.IsCollection, e)...)
		} else {
			failures = append(failures, f...)
		}
	}
	return failures, nil
}

func (h *Handler) handlePropFind(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	name, err := h.resolve(r.URL.Path)
	if err != nil {
		return err
	}
	pf := &PropFind{}
	if isXML, e := isContentXML(r.Header); e != nil {
		return e
	} else if isXML {
		if e := xml.NewDecoder(r.Body).Decode(pf); e != nil {
			return &webDAVerror{
				Code: http.StatusBadRequest,
			}
		}
		if e := validatePropfind(pf); e != nil {
			return e
		}
	} else if hasBody(r) {
		return &webDAVerror{Code: http.StatusBadRequest}
	} else {
		// no body; assume allprop
		pf.AllProp = &struct{}{}
	}
	depth, e := parseDepth(r.Header.Get("Depth"), DepthInfinity)
	if e != nil {
		return e
	}
	md, e := h.FileSystem.Stat(ctx, name)
	if e != nil {
		return e
	}
	if depth == DepthInfinity && md.IsCollection && !h.AllowDepthInfinity {
		return &webDAVerror{
			Code:      http.StatusForbidden,
			Condition: &propfindFiniteDepthName,
		}
	}
	ms, e := h.buildPropfind(ctx, name, md, pf, depth)
	if e != nil {
		return e
	}
	return h.writeMultiStatus(w, ms)
}

func (h *Handler) handlePropPatch(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	name, err := h.resolve(r.URL.Path)
	if err != nil {
		return err
	}
	pp := &PropertyUpdate{}
	if isXML, e := isContentXML(r.Header); e != nil {
		return e
	} else if !isXML {
		return &webDAVerror{Code: http.StatusBadRequest}
	} else if e := xml.NewDecoder(r.Body).Decode(pp); e != nil {
		return &webDAVerror{Code: http.StatusBadRequest}
	}
	md, e := h.FileSystem.Stat(ctx, name)
	if e != nil {
		return e
	}
	tokens, e := h.checkConditions(ctx, r, name, &md)
	if e != nil {
		return e
	}
	if e := h.Locks.Confirm(name, tokens...); e != nil {
		return e
	}
	ms, e := h.applyPropPatch(ctx, name, md, pp)
	if e != nil {
		return e
	}
	return h.writeMultiStatus(w, ms)
}

// https://datatracker.ietf.org/doc/html/rfc4918#section-10.7
func parseTimeout(header string) (time.Duration, error) {
	if header == "" {
		return 0, nil
	}
	// take the first acceptable value of the list
	first, _, _ := strings.Cut(header, ",")
	first = strings.TrimSpace(first)
	if first == "Infinite" {
		return 0, nil
	}
	if !strings.HasPrefix(first, "Second-") {
		return 0, &webDAVerror{Code: http.StatusBadRequest}
	}
	if n, e := strconv.ParseInt(first[len("Second-"):], 10, 32); e != nil || n < 0 {
		return 0, &webDAVerror{Code: http.StatusBadRequest}
	} else {
		return time.Duration(n) * time.Second, nil
	}
}

func (h *Handler) handleLock(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	name, err := h.resolve(r.URL.Path)
	if err != nil {
		return err
	}
	duration, e := parseTimeout(r.Header.Get("Timeout"))
	if e != nil {
		return e
	}

	var peek [1]byte
	n, _ := io.ReadFull(r.Body, peek[:])
	if n == 0 {
		// refresh, RFC 4918 section 9.10.2: the lock token comes from
		// the If header
		ih, e := parseIfHeader(r.Header.Get("If"))
		if e != nil {
			return &webDAVerror{Code: http.StatusBadRequest}
		}
		tokens := ih.submittedTokens()
		if len(tokens) == 0 {
			return &webDAVerror{Code: http.StatusBadRequest}
		}
		if !h.Locks.ValidToken(tokens[0], name) {
			// the refresh must be addressed to a resource the lock covers
			return &webDAVerror{Code: http.StatusPreconditionFailed}
		}
		l, e := h.Locks.Refresh(tokens[0], duration)
		if errors.Is(e, ErrNoSuchLock) {
			return &webDAVerror{Code: http.StatusPreconditionFailed}
		} else if e != nil {
			return e
		}
		return h.writeLockDiscovery(w, l, http.StatusOK)
	}

	li := &lockInfo{}
	body := io.MultiReader(bytes.NewReader(peek[:n]), r.Body)
	if isXML, e := isContentXML(r.Header); e != nil {
		return e
	} else if !isXML {
		return &webDAVerror{Code: http.StatusUnsupportedMediaType}
	} else if e := xml.NewDecoder(body).Decode(li); e != nil {
		return &webDAVerror{Code: http.StatusBadRequest}
	}
	if li.Write == nil || (li.Exclusive == nil) == (li.Shared == nil) {
		return &webDAVerror{Code: http.StatusBadRequest}
	}

	depth, e := parseDepth(r.Header.Get("Depth"), DepthInfinity)
	if e != nil || depth == DepthOne {
		// a LOCK is depth 0 or infinity
		return &webDAVerror{Code: http.StatusBadRequest}
	}

	var mdp *Metadata
	md, statErr := h.FileSystem.Stat(ctx, name)
	if statErr == nil {
		mdp = &md
	} else if !errors.Is(statErr, ErrNotFound) {
		return statErr
	}
	if _, e := h.checkConditions(ctx, r, name, mdp); e != nil {
		return e
	}

	l, e := h.Locks.Create(LockDetails{
		Root:      name,
		Duration:  duration,
		Owner:     li.Owner,
		ZeroDepth: depth == DepthZero,
		Shared:    li.Shared != nil,
	})
	if e != nil {
		if conflict := (*ConflictError)(nil); errors.As(e, &conflict) {
			return &webDAVerror{
				Code:      http.StatusLocked,
				Condition: &noConflictingLockName,
				Content:   h.lockRootHrefs(conflict),
			}
		}
		return e
	}

	code := http.StatusOK
	if statErr != nil {
		// LOCK on an unmapped URL creates an empty resource,
		// RFC 4918 section 9.10.4
		if wc, e := h.FileSystem.OpenWrite(ctx, name, true); e != nil {
			h.Locks.Unlock(l.Token)
			if errors.Is(e, ErrNotFound) {
				return &webDAVerror{Code: http.StatusConflict}
			}
			return e
		} else if e := wc.Close(); e != nil {
			h.Locks.Unlock(l.Token)
			return e
		}
		code = http.StatusCreated
	}
	w.Header().Set("Lock-Token", "<"+l.Token+">")
	return h.writeLockDiscovery(w, l, code)
}

func (h *Handler) writeLockDiscovery(w http.ResponseWriter, l Lock, code int) error {
	body := &lockDiscoveryProp{
		LockDiscovery: lockDiscovery{
			ActiveLocks: []activeLock{h.activeLockElem(l)},
		},
	}
	buf := bytes.NewBufferString(xml.Header)
	if e := xml.NewEncoder(buf).Encode(body); e != nil {
		return e
	}
	w.Header().Add("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(code)
	w.Write(buf.Bytes())
	return nil
}

func (h *Handler) handleUnlock(w http.ResponseWriter, r *http.Request) error {
	name, err := h.resolve(r.URL.Path)
	if err != nil {
		return err
	}
	token := r.Header.Get("Lock-Token")
	if len(token) < 2 || token[0] != '<' || token[len(token)-1] != '>' {
		return &webDAVerror{Code: http.StatusBadRequest}
	}
	token = token[1 : len(token)-1]

	l, ok := h.Locks.Get(token)
	if !ok {
		return &webDAVerror{Code: http.StatusConflict, Condition: &lockTokenMatchesName}
	} else if l.Root != name {
		return &webDAVerror{Code: http.StatusConflict, Condition: &lockTokenMatchesName}
	}
	if e := h.Locks.Unlock(token); e != nil {
		return &webDAVerror{Code: http.StatusConflict, Condition: &lockTokenMatchesName}
	}
	w.WriteHeader(http.StatusNoContent)
	w.Write(nil)
	return nil
}

func (h *Handler) writeMultiStatus(w http.ResponseWriter, ms *MultiStatus) error {
	buf := bytes.NewBufferString(xml.Header)
	if e := xml.NewEncoder(buf).Encode(ms); e != nil {
		return e
	}
	w.Header().Add("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	w.Write(buf.Bytes())
	return nil
}
