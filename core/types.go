package core

import (
	"encoding/xml"
	"net/http"
)

// Depth is the scope of a request: the resource itself, the resource plus
// its immediate children, or the full subtree.
//
// https://datatracker.ietf.org/doc/html/rfc4918#section-10.2
type Depth byte

const (
	DepthZero Depth = iota
	DepthOne
	DepthInfinity
)

func parseDepth(header string, fallback Depth) (Depth, error) {
	switch header {
	case "0":
		return DepthZero, nil
	case "1":
		return DepthOne, nil
	case "infinity":
		return DepthInfinity, nil
	case "":
		return fallback, nil
	default:
		return 0, &webDAVerror{Code: http.StatusBadRequest}
	}
}

func (d Depth) String() string {
	switch d {
	case DepthZero:
		return "0"
	case DepthOne:
		return "1"
	default:
		return "infinity"
	}
}

type webDAVerror struct {
	Code      int
	Condition *xml.Name
	Content   []byte
}

func WebDAVerror(code int, name *xml.Name) error {
	return &webDAVerror{
		Code:      code,
		Condition: name,
	}
}

func (err *webDAVerror) Error() string {
	return http.StatusText(err.Code)
}
