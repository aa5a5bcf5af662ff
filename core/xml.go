package core

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// https://datatracker.ietf.org/doc/html/rfc4918#section-14.20
// propname OR allprop, include? OR prop
type PropFind struct {
	XMLName  xml.Name  `xml:"DAV: propfind"`
	PropName *struct{} `xml:"propname"`
	AllProp  *struct{} `xml:"allprop"`
	Include  *Include  `xml:"include"`
	Prop     *Prop     `xml:"prop"`
}

// https://datatracker.ietf.org/doc/html/rfc4918#section-14.8
type Include struct {
	XMLName    xml.Name `xml:"DAV: include"`
	Inclusions []Any    `xml:",any"`
}

// https://tools.ietf.org/html/rfc4918#section-14.18
type Prop struct {
	XMLName xml.Name `xml:"DAV: prop"`
	Props   []Any    `xml:",any"`
}

// Any is one property element kept verbatim: a qualified name, its
// attributes, and raw inner XML.
type Any struct {
	XMLName xml.Name   `xml:""`
	Content []byte     `xml:",innerxml"`
	Attr    []xml.Attr `xml:",attr,omitempty"`
}

var (
	creationDateName       = xml.Name{Space: "DAV:", Local: "creationdate"}
	displayNameName        = xml.Name{Space: "DAV:", Local: "displayname"}
	getContentLanguageName = xml.Name{Space: "DAV:", Local: "getcontentlanguage"}
	getContentLengthName   = xml.Name{Space: "DAV:", Local: "getcontentlength"}
	getContentTypeName     = xml.Name{Space: "DAV:", Local: "getcontenttype"}
	getETagName            = xml.Name{Space: "DAV:", Local: "getetag"}
	getLastModifiedName    = xml.Name{Space: "DAV:", Local: "getlastmodified"}
	resourceTypeName       = xml.Name{Space: "DAV:", Local: "resourcetype"}
	collectionTypeName     = xml.Name{Space: "DAV:", Local: "collection"}
	lockDiscoveryName      = xml.Name{Space: "DAV:", Local: "lockdiscovery"}
	supportedLockName      = xml.Name{Space: "DAV:", Local: "supportedlock"}
)

// https://tools.ietf.org/html/rfc4918#section-14.16
type MultiStatus struct {
	XMLName             xml.Name   `xml:"DAV: multistatus"`
	Responses           []Response `xml:"response"`
	ResponseDescription string     `xml:"responsedescription,omitempty"`
}

// either 1 Href and 1+ PropStats 0 Status
// or 1+ Href and 1 status
//
// https://datatracker.ietf.org/doc/html/rfc4918#section-14.24
type Response struct {
	XMLName             xml.Name   `xml:"DAV: response"`
	Hrefs               []Href     `xml:"href"`
	PropStats           []PropStat `xml:"propstat,omitempty"`
	ResponseDescription string     `xml:"responsedescription,omitempty"`
	Status              *status    `xml:"status,omitempty"`
	Error               *davError  `xml:"error,omitempty"`
	Location            *location  `xml:"location,omitempty"`
}

// https://datatracker.ietf.org/doc/html/rfc4918#section-14.9
//
// # Location is typically used after MOVE or COPY
type location struct {
	XMLName xml.Name `xml:"DAV: location"`
	Href    Href     `xml:"href"`
}

type Href struct {
	XMLName xml.Name `xml:"DAV: href"`
	Target  string   `xml:",chardata"`
}

// https://datatracker.ietf.org/doc/html/rfc4918#section-14.22
type PropStat struct {
	XMLName             xml.Name  `xml:"DAV: propstat"`
	Prop                Prop      `xml:"prop"`
	Status              status    `xml:"status"`
	ResponseDescription string    `xml:"responsedescription,omitempty"`
	Error               *davError `xml:"error,omitempty"`
}

// https://datatracker.ietf.org/doc/html/rfc4918#section-14.28
type status struct {
	XMLName xml.Name `xml:"DAV: status"`
	Text    string   `xml:",chardata"`
}

type davError struct {
	XMLName    xml.Name `xml:"DAV: error"`
	Conditions []Any    `xml:",any"`
}

// for PROPPATCH
type PropertyUpdate struct {
	XMLName xml.Name `xml:"DAV: propertyupdate"`
	Set     []Prop   `xml:"set>prop"`
	Remove  []Prop   `xml:"remove>prop"`
}

// locking elements

// https://datatracker.ietf.org/doc/html/rfc4918#section-14.11
type lockInfo struct {
	XMLName   xml.Name  `xml:"DAV: lockinfo"`
	Exclusive *struct{} `xml:"lockscope>exclusive"`
	Shared    *struct{} `xml:"lockscope>shared"`
	Write     *struct{} `xml:"locktype>write"`
	Owner     *Any      `xml:"owner"`
}

// https://datatracker.ietf.org/doc/html/rfc4918#section-14.1
type activeLock struct {
	XMLName   xml.Name `xml:"DAV: activelock"`
	LockScope scopeElem
	LockType  typeElem
	Depth     string     `xml:"depth"`
	Owner     *Any       `xml:"owner,omitempty"`
	Timeout   string     `xml:"timeout,omitempty"`
	LockToken *tokenElem `xml:"locktoken,omitempty"`
	LockRoot  rootElem
}

type scopeElem struct {
	XMLName   xml.Name  `xml:"DAV: lockscope"`
	Exclusive *struct{} `xml:"exclusive,omitempty"`
	Shared    *struct{} `xml:"shared,omitempty"`
}

type typeElem struct {
	XMLName xml.Name `xml:"DAV: locktype"`
	Write   struct{} `xml:"write"`
}

type tokenElem struct {
	XMLName xml.Name `xml:"DAV: locktoken"`
	Href    Href     `xml:"href"`
}

type rootElem struct {
	XMLName xml.Name `xml:"DAV: lockroot"`
	Href    Href     `xml:"href"`
}

// https://datatracker.ietf.org/doc/html/rfc4918#section-15.8
type lockDiscovery struct {
	XMLName     xml.Name     `xml:"DAV: lockdiscovery"`
	ActiveLocks []activeLock `xml:"activelock"`
}

// LOCK response body is a single prop containing lockdiscovery.
//
// https://datatracker.ietf.org/doc/html/rfc4918#section-9.10.7
type lockDiscoveryProp struct {
	XMLName       xml.Name `xml:"DAV: prop"`
	LockDiscovery lockDiscovery
}

// preconditions/postconditions
//
// https://datatracker.ietf.org/doc/html/rfc4918#section-16
var (
	lockTokenMatchesName              = xml.Name{Space: "DAV:", Local: "lock-token-matches-request-URI"}
	lockTokenSubmittedName            = xml.Name{Space: "DAV:", Local: "lock-token-submitted"}
	noConflictingLockName             = xml.Name{Space: "DAV:", Local: "no-conflicting-lock"}
	propfindFiniteDepthName           = xml.Name{Space: "DAV:", Local: "propfind-finite-depth"}
	cannotModifyProtectedPropertyName = xml.Name{Space: "DAV:", Local: "cannot-modify-protected-property"}
)

func (r *Any) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	r.XMLName = start.Name
	r.Attr = make([]xml.Attr, 0, 2)
	for _, k := range start.Attr {
		if k.Name.Space == "xmlns" || k.Name.Local == "xmlns" {
			continue
		} else {
			r.Attr = append(r.Attr, k)
		}
	}
	buf := bytes.NewBuffer(nil)
	var depth int
	for {
		if tok, e := d.Token(); e != nil {
			if errors.Is(e, io.EOF) {
				r.Content = buf.Bytes()
				return nil
			} else {
				return e
			}
		} else {
			switch t := tok.(type) {
			case xml.StartElement:
				depth++
				var attrs string
				if s := t.Name.Space; s != "" {
					attrs = fmt.Sprintf(" xmlns=\"%s\"", s)
				}
				for _, a := range t.Attr {
					if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
						continue
					} else {
						attrs = attrs + fmt.Sprintf(" %s=\"%s\"", a.Name.Local, a.Value)
					}
				}
				buf.WriteString(fmt.Sprintf("<%s%s>", t.Name.Local, attrs))
			case xml.EndElement:
				if depth > 0 {
					buf.WriteString(fmt.Sprintf("</%s>", t.Name.Local))
					depth--
				}
			case xml.CharData:
				if bytes.TrimSpace(t) != nil {
					xml.EscapeText(buf, t)
				}
			}
		}
	}
}

// lastModifiedFormat is the HTTP-date layout for getlastmodified.
const lastModifiedFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

func formatLastModified(t time.Time) string {
	return t.UTC().Format(lastModifiedFormat)
}

var (
	statusOK               = statusHelper(http.StatusOK)
	statusNotFound         = statusHelper(http.StatusNotFound)
	statusForbidden        = statusHelper(http.StatusForbidden)
	statusFailedDependency = statusHelper(http.StatusFailedDependency)
	statusLocked           = statusHelper(http.StatusLocked)
	collectionResourceType = newResourceType(collectionTypeName)
	defaultSupportedLock   = newSupportedLock()
	emptyResourceType      = Any{XMLName: resourceTypeName}
)

func statusHelper(code int) status {
	return status{Text: fmt.Sprintf("HTTP/1.1 %v %v", code, http.StatusText(code))}
}

func statusForCode(code int) status {
	switch code {
	case http.StatusOK:
		return statusOK
	case http.StatusNotFound:
		return statusNotFound
	case http.StatusForbidden:
		return statusForbidden
	case http.StatusFailedDependency:
		return statusFailedDependency
	case http.StatusLocked:
		return statusLocked
	default:
		return statusHelper(code)
	}
}

func newResourceType(names ...xml.Name) Any {
	buf := bytes.NewBuffer(nil)
	for _, name := range names {
		buf.WriteString(fmt.Sprintf("<%s xmlns=\"%s\"/>", name.Local, name.Space))
	}
	return Any{
		XMLName: resourceTypeName,
		Content: buf.Bytes(),
	}
}

// https://datatracker.ietf.org/doc/html/rfc4918#section-15.10
func newSupportedLock() Any {
	inner := `<lockentry xmlns="DAV:"><lockscope><exclusive/></lockscope><locktype><write/></locktype></lockentry>` +
		`<lockentry xmlns="DAV:"><lockscope><shared/></lockscope><locktype><write/></locktype></lockentry>`
	return Any{
		XMLName: supportedLockName,
		Content: []byte(inner),
	}
}

func wrapError(condition xml.Name, content []byte) *davError {
	return &davError{
		Conditions: []Any{{XMLName: condition, Content: content}},
	}
}
