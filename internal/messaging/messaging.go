// Package messaging defines the request/response envelopes exchanged between
// the proxy (background) and its tabs (page contexts).
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"

	"focusshield/settings"
)

// Kind tags a request.
type Kind string

const (
	ReloadSettings     Kind = "RELOAD_SETTINGS"
	GetContext         Kind = "GET_CONTEXT"
	EnsureDefaults     Kind = "ENSURE_DEFAULTS"
	PingApplyActiveTab Kind = "PING_APPLY_ACTIVE_TAB"
)

// Target says which context handles a request kind.
type Target int

const (
	Page Target = iota
	Background
)

// ErrIgnored marks a message without a recognized type. No response is sent
// for it.
var ErrIgnored = errors.New("messaging: unrecognized message")

var targets = map[Kind]Target{
	ReloadSettings:     Page,
	GetContext:         Page,
	EnsureDefaults:     Background,
	PingApplyActiveTab: Background,
}

// Target returns the handling context and whether k is a known kind.
func (k Kind) Target() (Target, bool) {
	t, ok := targets[k]
	return t, ok
}

// Request is a decoded message. None of the kinds carries a payload.
type Request struct {
	Kind Kind `json:"type"`
}

// Decode parses a message body. Bodies that are not JSON fail with a wrapped
// error; a missing or unknown type yields ErrIgnored.
func Decode(b []byte) (Request, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		var arbitrary any
		if json.Unmarshal(b, &arbitrary) == nil {
			return Request{}, ErrIgnored
		}
		return Request{}, fmt.Errorf("messaging: decode: %w", err)
	}
	var kind string
	if err := json.Unmarshal(raw["type"], &kind); err != nil || kind == "" {
		return Request{}, ErrIgnored
	}
	req := Request{Kind: Kind(kind)}
	if _, ok := req.Kind.Target(); !ok {
		return Request{}, ErrIgnored
	}
	return req, nil
}

// Encode renders a request body.
func Encode(k Kind) []byte {
	b, _ := json.Marshal(Request{Kind: k})
	return b
}

// Context is the GET_CONTEXT payload.
type Context struct {
	Hostname        string             `json:"hostname"`
	Effective       settings.Effective `json:"effective"`
	HasSiteOverride bool               `json:"hasSiteOverride"`
}

// Response is the envelope returned for every handled request. Context is
// set only for GET_CONTEXT replies and is flattened into the JSON object.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	*Context
}

// OK is the plain success reply.
func OK() Response { return Response{OK: true} }

// Fail reports err as {ok:false,error}.
func Fail(err error) Response {
	return Response{OK: false, Error: err.Error()}
}

// ContextReply wraps a context snapshot.
func ContextReply(c Context) Response {
	return Response{OK: true, Context: &c}
}
