package core

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"path"
	"strconv"
)

// liveProps computes the server-maintained properties of one resource from
// its metadata snapshot and the lock table.
func (h *Handler) liveProps(name string, md Metadata) []Any {
	props := make([]Any, 0, 8)
	if md.IsCollection {
		props = append(props, collectionResourceType)
	} else {
		props = append(props,
			emptyResourceType,
			Any{
				XMLName: getContentLengthName,
				Content: []byte(fmt.Sprintf("%d", md.Length)),
			})
	}
	if md.ContentType != "" {
		props = append(props, Any{
			XMLName: getContentTypeName,
			Content: []byte(md.ContentType),
		})
	}
	props = append(props, Any{
		XMLName: getLastModifiedName,
		Content: []byte(formatLastModified(md.ModTime)),
	})
	if md.ETag != "" {
		props = append(props, Any{
			XMLName: getETagName,
			Content: []byte(strconv.Quote(md.ETag)),
		})
	}
	props = append(props, h.lockDiscoveryProp(name), defaultSupportedLock)
	return props
}

// lockDiscoveryProp renders the active locks covering name.
//
// https://datatracker.ietf.org/doc/html/rfc4918#section-15.8
func (h *Handler) lockDiscoveryProp(name string) Any {
	locks := h.Locks.Lookup(name)
	elems := make([]activeLock, len(locks))
	for k, l := range locks {
		elems[k] = h.activeLockElem(l)
	}
	buf := bytes.NewBuffer(nil)
	for _, al := range elems {
		if b, e := xml.Marshal(al); e != nil {
			panic(e)
		} else {
			buf.Write(b)
		}
	}
	return Any{
		XMLName: lockDiscoveryName,
		Content: buf.Bytes(),
	}
}

func (h *Handler) activeLockElem(l Lock) activeLock {
	al := activeLock{
		Depth:    "infinity",
		Owner:    l.Owner,
		LockRoot: rootElem{Href: Href{Target: h.href(l.Root, false)}},
		LockToken: &tokenElem{
			Href: Href{Target: l.Token},
		},
	}
	if l.ZeroDepth {
		al.Depth = "0"
	}
	if l.Shared {
		al.LockScope.Shared = &struct{}{}
	} else {
		al.LockScope.Exclusive = &struct{}{}
	}
	if l.Duration > 0 {
		al.Timeout = fmt.Sprintf("Second-%d", int64(l.Duration.Seconds()))
	} else {
		al.Timeout = "Infinite"
	}
	return al
}

// propfind

// allprop returns every live and dead property; an include element only
// matters for names not present, which become a 404 propstat.
func allpropFilter(include []Any, found []Any) (prop_OK []Any, prop_NotFound []Any) {
	prop_OK = found
outer:
	for _, iprop := range include {
		for _, prop := range found {
			if iprop.XMLName == prop.XMLName {
				continue outer
			}
		}
		prop_NotFound = append(prop_NotFound, Any{XMLName: iprop.XMLName})
	}
	return
}

func match(req []Any, found []Any) (prop_OK []Any, prop_NotFound []Any) {
	prop_OK = make([]Any, 0, len(found))
	prop_NotFound = make([]Any, 0, len(req))
outer:
	for _, reqp := range req {
		for _, reqf := range found {
			if reqp.XMLName == reqf.XMLName {
				prop_OK = append(prop_OK, reqf)
				continue outer
			}
		}
		prop_NotFound = append(prop_NotFound, Any{XMLName: reqp.XMLName})
	}
	return
}

// cleanProps reduces the full property set of a resource to the propstats
// the request asked for. Unknown names become a 404 propstat, never a
// request-level failure.
func cleanProps(found []Any, pf *PropFind) (propstats []PropStat) {
	var props_OK []Any
	var props_NotFound []Any
	switch {
	case pf.PropName != nil:
		for k, v := range found {
			found[k] = Any{XMLName: v.XMLName}
		}
		props_OK = found
	case pf.AllProp != nil:
		var inclusions []Any
		if pf.Include != nil {
			inclusions = pf.Include.Inclusions
		}
		props_OK, props_NotFound = allpropFilter(inclusions, found)
	default:
		props_OK, props_NotFound = match(pf.Prop.Props, found)
	}

	propstats = make([]PropStat, 0, 2)
	if len(props_OK) != 0 {
		propstats = append(propstats, PropStat{
			Prop:   Prop{Props: props_OK},
			Status: statusOK,
		})
	}
	if len(props_NotFound) != 0 {
		propstats = append(propstats, PropStat{
			Prop:   Prop{Props: props_NotFound},
			Status: statusNotFound,
		})
	}
	return propstats
}

// propfindResponse builds the <response> for one resource.
func (h *Handler) propfindResponse(ctx context.Context, name string, md Metadata, pf *PropFind) (Response, error) {
	found := h.liveProps(name, md)
	if dead, e := h.FileSystem.Props(ctx, name); e != nil {
		return Response{}, e
	} else {
		for _, d := range dead {
			found = append(found, Any{XMLName: d.Name, Content: d.Content})
		}
	}
	return Response{
		Hrefs:     []Href{{Target: h.href(name, md.IsCollection)}},
		PropStats: cleanProps(found, pf),
	}, nil
}

// buildPropfind walks name to the requested depth and assembles the
// multistatus. depth=0 yields exactly one response, depth=1 adds the
// immediate children, infinity the full subtree.
func (h *Handler) buildPropfind(ctx context.Context, name string, md Metadata, pf *PropFind, depth Depth) (*MultiStatus, error) {
	ms := &MultiStatus{}
	if e := h.propfindWalk(ctx, name, md, pf, depth, ms); e != nil {
		return nil, e
	}
	return ms, nil
}

func (h *Handler) propfindWalk(ctx context.Context, name string, md Metadata, pf *PropFind, depth Depth, ms *MultiStatus) error {
	if resp, e := h.propfindResponse(ctx, name, md, pf); e != nil {
		return e
	} else {
		ms.Responses = append(ms.Responses, resp)
	}
	if !md.IsCollection || depth == DepthZero {
		return nil
	}
	childDepth := DepthZero
	if depth == DepthInfinity {
		childDepth = DepthInfinity
	}
	entries, e := h.FileSystem.ReadDir(ctx, name)
	if e != nil {
		return e
	}
	for _, entry := range entries {
		child := path.Join(name, entry.Name)
		if e := h.propfindWalk(ctx, child, entry.Metadata, pf, childDepth, ms); e != nil {
			return e
		}
	}
	return nil
}

// validatePropfind rejects bodies that name none or several of propname,
// allprop and prop.
func validatePropfind(pf *PropFind) error {
	var n int
	if pf.PropName != nil {
		n++
	}
	if pf.AllProp != nil {
		n++
	}
	if pf.Prop != nil {
		n++
	}
	if n != 1 {
		return &webDAVerror{Code: http.StatusBadRequest}
	}
	if pf.Include != nil && pf.AllProp == nil {
		return &webDAVerror{Code: http.StatusBadRequest}
	}
	return nil
}
