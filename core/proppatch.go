package core

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"
)

// Live properties the server computes; a PROPPATCH may not touch them.
//
// https://datatracker.ietf.org/doc/html/rfc4918#section-15
var protectedPropNames = []xml.Name{
	resourceTypeName,
	getContentLengthName,
	getETagName,
	getLastModifiedName,
	creationDateName,
	lockDiscoveryName,
	supportedLockName,
}

func isProtected(name xml.Name) bool {
	for _, n := range protectedPropNames {
		if n == name {
			return true
		}
	}
	return false
}

type propPatch struct {
	name    xml.Name
	content []byte // nil removes
}

// flattenPropertyUpdate lists the patches in document group order, removes
// after sets, dropping duplicate instructions for the same name in favour
// of the last one.
func flattenPropertyUpdate(pu *PropertyUpdate) (patches []propPatch) {
	patches = make([]propPatch, 0, 8)
	upsert := func(p propPatch) {
		for k, q := range patches {
			if q.name == p.name {
				patches[k] = p
				return
			}
		}
		patches = append(patches, p)
	}
	for _, sset := range pu.Set {
		for _, s := range sset.Props {
			content := s.Content
			if content == nil {
				content = []byte{}
			}
			upsert(propPatch{name: s.XMLName, content: content})
		}
	}
	for _, rset := range pu.Remove {
		for _, r := range rset.Props {
			upsert(propPatch{name: r.XMLName})
		}
	}
	return
}

// applyPropPatch applies each instruction independently and reports a
// per-property status; one property's failure does not block the others.
// Protected properties are refused with 403 and a
// cannot-modify-protected-property precondition.
func (h *Handler) applyPropPatch(ctx context.Context, name string, md Metadata, pu *PropertyUpdate) (*MultiStatus, error) {
	patches := flattenPropertyUpdate(pu)

	byStatus := make(map[int][]Any, 2)
	var protected []Any
	for _, p := range patches {
		if isProtected(p.name) {
			protected = append(protected, Any{XMLName: p.name})
			continue
		}
		if e := h.FileSystem.SetProp(ctx, name, p.name, p.content); e != nil {
			byStatus[statusCodeForFsError(e)] = append(byStatus[statusCodeForFsError(e)], Any{XMLName: p.name})
		} else {
			byStatus[http.StatusOK] = append(byStatus[http.StatusOK], Any{XMLName: p.name})
		}
	}

	resp := Response{
		Hrefs: []Href{{Target: h.href(name, md.IsCollection)}},
	}
	if len(protected) != 0 {
		resp.PropStats = append(resp.PropStats, PropStat{
			Prop:   Prop{Props: protected},
			Status: statusForbidden,
			Error:  wrapError(cannotModifyProtectedPropertyName, nil),
		})
	}
	for code, props := range byStatus {
		resp.PropStats = append(resp.PropStats, PropStat{
			Prop:   Prop{Props: props},
			Status: statusForCode(code),
		})
	}
	return &MultiStatus{Responses: []Response{resp}}, nil
}

// statusCodeForFsError maps a backend error to the status reported for one
// sub-operation inside a multistatus.
func statusCodeForFsError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrExists), errors.Is(err, ErrNotEmpty),
		errors.Is(err, ErrIsCollection), errors.Is(err, ErrNotCollection):
		return http.StatusConflict
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInsufficientStorage):
		return http.StatusInsufficientStorage
	case errors.Is(err, ErrLocked):
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}
