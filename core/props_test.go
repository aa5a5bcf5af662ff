package core

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"
)

func propNames(props []Any) []string {
	names := make([]string, len(props))
	for k, p := range props {
		names[k] = p.XMLName.Local
	}
	return names
}

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

func TestFailureResponseHref(t *testing.T) {
	h := &Handler{}
	rs := h.failureResponse("/col", true, ErrForbidden)
	if got := rs[0].Hrefs[0].Target; got != "/col/" {
		t.Fatalf("collection failure href = %q, want %q", got, "/col/")
	}
	if rs[0].Status == nil || !strings.Contains(rs[0].Status.Text, "403") {
		t.Fatalf("failure status = %+v", rs[0].Status)
	}
	rs = h.failureResponse("/f.txt", false, ErrForbidden)
	if got := rs[0].Hrefs[0].Target; got != "/f.txt" {
		t.Fatalf("file failure href = %q", got)
	}
}

func TestLiveProps(t *testing.T) {
	h := &Handler{Locks: NewLockSystem()}
	mod := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	file := h.liveProps("/f.txt", Metadata{
		Length:      42,
		ModTime:     mod,
		ETag:        "2a-abc",
		ContentType: "text/plain",
	})
	names := propNames(file)
	for _, want := range []string{
		"resourcetype", "getcontentlength", "getcontenttype",
		"getlastmodified", "getetag", "lockdiscovery", "supportedlock",
	} {
		if !contains(names, want) {
			t.Fatalf("file live props missing %s: %v", want, names)
		}
	}
	for _, p := range file {
		switch p.XMLName.Local {
		case "getcontentlength":
			if string(p.Content) != "42" {
				t.Fatalf("getcontentlength = %q", p.Content)
			}
		case "getetag":
			if string(p.Content) != `"2a-abc"` {
				t.Fatalf("getetag = %q", p.Content)
			}
		case "getlastmodified":
			if string(p.Content) != "Wed, 01 May 2024 12:00:00 GMT" {
				t.Fatalf("getlastmodified = %q", p.Content)
			}
		case "resourcetype":
			if len(p.Content) != 0 {
				t.Fatalf("file resourcetype = %q", p.Content)
			}
		}
	}

	col := h.liveProps("/d", Metadata{IsCollection: true, ModTime: mod})
	names = propNames(col)
	if contains(names, "getcontentlength") {
		t.Fatalf("collection has getcontentlength: %v", names)
	}
	for _, p := range col {
		if p.XMLName.Local == "resourcetype" && !strings.Contains(string(p.Content), "collection") {
			t.Fatalf("collection resourcetype = %q", p.Content)
		}
	}
}

func TestLockDiscoveryProp(t *testing.T) {
	h := &Handler{Locks: NewLockSystem()}
	l, err := h.Locks.Create(LockDetails{Root: "/a", Duration: time.Hour})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	p := h.lockDiscoveryProp("/a/child")
	s := string(p.Content)
	if !strings.Contains(s, l.Token) {
		t.Fatalf("lockdiscovery missing token:\n%s", s)
	}
	if !strings.Contains(s, "exclusive") || !strings.Contains(s, "infinity") {
		t.Fatalf("lockdiscovery missing scope or depth:\n%s", s)
	}
	if !strings.Contains(s, "Second-3600") {
		t.Fatalf("lockdiscovery missing timeout:\n%s", s)
	}

	if p := h.lockDiscoveryProp("/untouched"); len(p.Content) != 0 {
		t.Fatalf("unlocked resource has active locks:\n%s", p.Content)
	}
}

func TestCleanProps(t *testing.T) {
	found := []Any{
		{XMLName: getETagName, Content: []byte(`"e"`)},
		{XMLName: getContentLengthName, Content: []byte("3")},
	}

	// prop: requested names split into found and 404
	pf := &PropFind{Prop: &Prop{Props: []Any{
		{XMLName: getETagName},
		{XMLName: xml.Name{Space: "urn:z", Local: "missing"}},
	}}}
	propstats := cleanProps(append([]Any(nil), found...), pf)
	if len(propstats) != 2 {
		t.Fatalf("propstats = %+v", propstats)
	}
	if propstats[0].Status != statusOK || len(propstats[0].Prop.Props) != 1 {
		t.Fatalf("found propstat = %+v", propstats[0])
	}
	if propstats[1].Status != statusNotFound || propstats[1].Prop.Props[0].XMLName.Local != "missing" {
		t.Fatalf("missing propstat = %+v", propstats[1])
	}

	// propname: names only, values stripped
	pf = &PropFind{PropName: &struct{}{}}
	propstats = cleanProps(append([]Any(nil), found...), pf)
	if len(propstats) != 1 {
		t.Fatalf("propname propstats = %+v", propstats)
	}
	for _, p := range propstats[0].Prop.Props {
		if p.Content != nil {
			t.Fatalf("propname kept a value: %+v", p)
		}
	}

	// allprop with include of an absent name
	pf = &PropFind{AllProp: &struct{}{}, Include: &Include{Inclusions: []Any{
		{XMLName: xml.Name{Space: "urn:z", Local: "extra"}},
	}}}
	propstats = cleanProps(append([]Any(nil), found...), pf)
	if len(propstats) != 2 || propstats[1].Status != statusNotFound {
		t.Fatalf("allprop+include propstats = %+v", propstats)
	}
}

func TestValidatePropfind(t *testing.T) {
	ok := []*PropFind{
		{PropName: &struct{}{}},
		{AllProp: &struct{}{}},
		{AllProp: &struct{}{}, Include: &Include{}},
		{Prop: &Prop{}},
	}
	for _, pf := range ok {
		if err := validatePropfind(pf); err != nil {
			t.Fatalf("validatePropfind(%+v) = %v", pf, err)
		}
	}
	bad := []*PropFind{
		{},
		{PropName: &struct{}{}, AllProp: &struct{}{}},
		{Prop: &Prop{}, Include: &Include{}},
	}
	for _, pf := range bad {
		if err := validatePropfind(pf); err == nil {
			t.Fatalf("validatePropfind(%+v) accepted", pf)
		}
	}
}

func TestFlattenPropertyUpdate(t *testing.T) {
	author := xml.Name{Space: "urn:z", Local: "author"}
	pu := &PropertyUpdate{
		Set: []Prop{
			{Props: []Any{{XMLName: author, Content: []byte("first")}}},
			{Props: []Any{{XMLName: author, Content: []byte("second")}}},
		},
		Remove: []Prop{
			{Props: []Any{{XMLName: xml.Name{Space: "urn:z", Local: "other"}}}},
		},
	}
	patches := flattenPropertyUpdate(pu)
	if len(patches) != 2 {
		t.Fatalf("patches = %+v", patches)
	}
	if string(patches[0].content) != "second" {
		t.Fatalf("later set did not win: %q", patches[0].content)
	}
	if patches[1].content != nil {
		t.Fatalf("remove carries content: %+v", patches[1])
	}

	// a remove after a set of the same name wins
	pu = &PropertyUpdate{
		Set:    []Prop{{Props: []Any{{XMLName: author, Content: []byte("x")}}}},
		Remove: []Prop{{Props: []Any{{XMLName: author}}}},
	}
	patches = flattenPropertyUpdate(pu)
	if len(patches) != 1 || patches[0].content != nil {
		t.Fatalf("remove did not supersede set: %+v", patches)
	}
}

func TestIsProtected(t *testing.T) {
	if !isProtected(getETagName) || !isProtected(resourceTypeName) || !isProtected(lockDiscoveryName) {
		t.Fatalf("live server-maintained names must be protected")
	}
	if isProtected(xml.Name{Space: "urn:z", Local: "author"}) {
		t.Fatalf("dead property flagged as protected")
	}
	if isProtected(displayNameName) || isProtected(getContentLanguageName) {
		t.Fatalf("writable DAV: names must not be protected")
	}
}
