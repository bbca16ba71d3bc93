// Package storews exposes a store.Hub over websocket and provides the
// matching core.SignalStore client.
package storews

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/VoicePair/internal/core"
)

const (
	OpHello            = "hello"
	OpWrite            = "write"
	OpPush             = "push"
	OpRemove           = "remove"
	OpGet              = "get"
	OpWatch            = "watch"
	OpUnwatch          = "unwatch"
	OpOnDisconnect     = "on_disconnect"
	OpCancelDisconnect = "cancel_disconnect"
	OpPing             = "ping"

	OpAck   = "ack"
	OpEvent = "event"
	OpPong  = "pong"
)

const (
	CodeBadRequest  = "bad_request"
	CodeInvalidPath = "invalid_path"
	CodeStoreWrite  = "store_write"
	CodeClosed      = "closed"
	CodeRateLimited = "rate_limited"
	CodeInternal    = "internal"
)

var ErrRateLimited = errors.New("rate limited")

type Request struct {
	ID    uint64          `json:"id"`
	Op    string          `json:"op"`
	Path  string          `json:"path,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Sub   uint64          `json:"sub,omitempty"`
	UID   string          `json:"uid,omitempty"`
	// Token makes a push idempotent across retries.
	Token string `json:"token,omitempty"`
}

type Reply struct {
	ID       uint64         `json:"id,omitempty"`
	Op       string         `json:"op"`
	Key      string         `json:"key,omitempty"`
	Sub      uint64         `json:"sub,omitempty"`
	Snapshot *core.Snapshot `json:"snapshot,omitempty"`
	Code     string         `json:"code,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidPath):
		return CodeInvalidPath
	case errors.Is(err, core.ErrStoreClosed):
		return CodeClosed
	case errors.Is(err, core.ErrStoreWrite):
		return CodeStoreWrite
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	}
	return CodeInternal
}

// Err rebuilds the error carried by a reply, or nil.
func (r Reply) Err() error {
	if r.Code == "" && r.Error == "" {
		return nil
	}
	var base error
	switch r.Code {
	case CodeInvalidPath:
		base = core.ErrInvalidPath
	case CodeClosed:
		base = core.ErrStoreClosed
	case CodeStoreWrite:
		base = core.ErrStoreWrite
	case CodeRateLimited:
		base = ErrRateLimited
	default:
		return fmt.Errorf("store: %s", r.Error)
	}
	return fmt.Errorf("%w: %s", base, r.Error)
}
