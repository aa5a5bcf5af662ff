package core

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// If header model, RFC 4918 section 10.4: one or more lists, each list a
// conjunction of conditions, lists combined by OR. A list may be tagged
// with the resource it applies to; untagged lists apply to the request-URI.
type ifHeader struct {
	lists []ifList
}

type ifList struct {
	resourceTag string
	conditions  []ifCondition
}

// Exactly one of Token and ETag is non-empty.
type ifCondition struct {
	Not   bool
	Token string
	ETag  string
}

var errInvalidIfHeader = errors.New("webdav: invalid If header")

type ifParser struct {
	s   string
	pos int
}

func (p *ifParser) skipWS() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t') {
		p.pos++
	}
}

func (p *ifParser) eof() bool {
	return p.pos >= len(p.s)
}

func (p *ifParser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.s[p.pos]
}

// delimited reads a token enclosed by open and end, without the
// delimiters.
func (p *ifParser) delimited(open, end byte) (string, bool) {
	if p.peek() != open {
		return "", false
	}
	if k := strings.IndexByte(p.s[p.pos:], end); k < 0 {
		return "", false
	} else {
		v := p.s[p.pos+1 : p.pos+k]
		p.pos += k + 1
		return v, true
	}
}

func (p *ifParser) list() (l ifList, err error) {
	err = errInvalidIfHeader
	if p.peek() != '(' {
		return
	}
	p.pos++
	for {
		p.skipWS()
		switch {
		case p.peek() == ')':
			p.pos++
			if len(l.conditions) == 0 {
				return
			}
			return l, nil
		case p.eof():
			return
		}
		var c ifCondition
		if strings.HasPrefix(p.s[p.pos:], "Not") {
			p.pos += 3
			p.skipWS()
			c.Not = true
		}
		switch p.peek() {
		case '<':
			if t, ok := p.delimited('<', '>'); !ok || t == "" {
				return
			} else {
				c.Token = t
			}
		case '[':
			if t, ok := p.delimited('[', ']'); !ok {
				return
			} else {
				t = strings.TrimPrefix(t, "W/")
				if u, e := strconv.Unquote(t); e != nil {
					return
				} else {
					c.ETag = u
				}
			}
		default:
			return
		}
		l.conditions = append(l.conditions, c)
	}
}

// https://datatracker.ietf.org/doc/html/rfc4918#section-10.4
func parseIfHeader(s string) (*ifHeader, error) {
	p := &ifParser{s: s}
	h := &ifHeader{}
	p.skipWS()
	if p.eof() {
		return nil, errInvalidIfHeader
	}
	for !p.eof() {
		var tag string
		if p.peek() == '<' {
			if t, ok := p.delimited('<', '>'); !ok || t == "" {
				return nil, errInvalidIfHeader
			} else {
				tag = t
			}
			p.skipWS()
		}
		var n int
		for p.peek() == '(' {
			if l, e := p.list(); e != nil {
				return nil, e
			} else {
				l.resourceTag = tag
				h.lists = append(h.lists, l)
				n++
			}
			p.skipWS()
		}
		if n == 0 {
			return nil, errInvalidIfHeader
		}
	}
	return h, nil
}

// submittedTokens returns every state token appearing anywhere in the
// header. Lock enforcement consumes this set; it is independent of which
// list, if any, evaluated to true.
func (h *ifHeader) submittedTokens() []string {
	var tokens []string
	for _, l := range h.lists {
		for _, c := range l.conditions {
			if c.Token != "" {
				tokens = append(tokens, c.Token)
			}
		}
	}
	return tokens
}

// etag

func matchETag(etag string, header_val string) (isSet bool, match bool, err error) {
	if header_val != "" && etag == "" {
		return true, false, nil
	} else if header_val == "" {
		return false, false, nil
	} else if header_val == "*" {
		return true, true, nil
	}
	for _, quote_et := range strings.Split(header_val, ", ") {
		quote_et = strings.TrimPrefix(quote_et, "W/")
		if unquote_et, e := strconv.Unquote(quote_et); e != nil {
			err = e
			return
		} else if unquote_et == etag {
			return true, true, nil
		}
	}
	return true, false, nil
}

func ifMatchIfNoneMatch(etag string, ifmatch string, ifnonematch string) (err error) {
	// If-Match
	if isSet, match, e := matchETag(etag, ifmatch); e != nil {
		err = &webDAVerror{
			Code: http.StatusBadRequest,
		}
	} else if !isSet {
		// continue
	} else if !match {
		err = &webDAVerror{
			Code: http.StatusPreconditionFailed,
		}
	}
	if err != nil {
		return
	}

	// If-None-Match
	if isSet, match, e := matchETag(etag, ifnonematch); e != nil {
		err = &webDAVerror{
			Code: http.StatusBadRequest,
		}
	} else if !isSet {
		// continue
	} else if match {
		err = &webDAVerror{
			Code: http.StatusPreconditionFailed,
		}
	}
	return
}

// checkConditions evaluates the If header, then If-Match/If-None-Match and
// If-Unmodified-Since, against the request target. md is nil when the
// target is unmapped. The returned tokens are every state token submitted
// in the If header, for subsequent lock confirmation.
func (h *Handler) checkConditions(ctx context.Context, r *http.Request, name string, md *Metadata) (tokens []string, err error) {
	if v := r.Header.Get("If"); v != "" {
		ih, e := parseIfHeader(v)
		if e != nil {
			return nil, &webDAVerror{Code: http.StatusBadRequest}
		}
		tokens = ih.submittedTokens()
		if !h.evalIfHeader(ctx, ih, name, md) {
			return tokens, &webDAVerror{Code: http.StatusPreconditionFailed}
		}
	}

	var etag string
	if md != nil {
		etag = md.ETag
	}
	if e := ifMatchIfNoneMatch(etag, r.Header.Get("If-Match"), r.Header.Get("If-None-Match")); e != nil {
		return tokens, e
	}
	if v := r.Header.Get("If-Unmodified-Since"); v != "" && md != nil {
		if t, e := http.ParseTime(v); e == nil && md.ModTime.Truncate(time.Second).After(t) {
			return tokens, &webDAVerror{Code: http.StatusPreconditionFailed}
		}
	}
	return tokens, nil
}

// evalIfHeader is true when any one list holds in full against its target
// resource. Evaluation short-circuits on the first satisfied list.
func (h *Handler) evalIfHeader(ctx context.Context, ih *ifHeader, name string, md *Metadata) bool {
outer:
	for _, l := range ih.lists {
		target, tmd := name, md
		if l.resourceTag != "" {
			if u, e := url.Parse(l.resourceTag); e != nil {
				continue
			} else if p, ok := h.stripPrefix(u.Path); !ok {
				continue
			} else if target = slashClean(p); target != name {
				if m, e := h.FileSystem.Stat(ctx, target); e != nil {
					tmd = nil
				} else {
					tmd = &m
				}
			}
		}
		for _, c := range l.conditions {
			var holds bool
			switch {
			case c.Token != "":
				// a state token holds when it names any active lock, so
				// submitting the token of a lock rooted below the target
				// satisfies the list
				_, holds = h.Locks.Get(c.Token)
			case tmd != nil:
				holds = tmd.ETag != "" && tmd.ETag == c.ETag
			}
			if holds == c.Not {
				continue outer
			}
		}
		return true
	}
	return false
}
