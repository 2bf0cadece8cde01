package rpc

import (
	"bytes"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Error codes surfaced to clients.
const (
	CodeBadReq    = "BAD_REQ"
	CodeBadVer    = "BAD_VERSION"
	CodeBadStore  = "BAD_STORE"
	CodeBadArgs   = "BAD_ARGS"
	CodeUnknownOp = "UNKNOWN_OP"
)

// Error is the error member of a response envelope.
type Error struct {
	Code    string `msgpack:"code" json:"code"`
	Message string `msgpack:"message" json:"message"`
	Details any    `msgpack:"details,omitempty" json:"details,omitempty"`
}

// Response is the reply envelope. Requests arrive as msgpack or JSON;
// responses always leave as msgpack.
type Response struct {
	V      int    `msgpack:"v" json:"v"`
	ReqID  string `msgpack:"req_id" json:"req_id"`
	OK     bool   `msgpack:"ok" json:"ok"`
	Result any    `msgpack:"result,omitempty" json:"result,omitempty"`
	Error  *Error `msgpack:"error,omitempty" json:"error,omitempty"`
}

func okResponse(reqID string, result any) *Response {
	return &Response{V: 1, ReqID: reqID, OK: true, Result: result}
}

func errResponse(reqID, code, message string) *Response {
	return &Response{V: 1, ReqID: reqID, OK: false, Error: &Error{Code: code, Message: message}}
}

var encBufs = sync.Pool{
	New: func() any { return bytes.NewBuffer(make([]byte, 0, 1024)) },
}

// Encode serializes a response to msgpack, reusing scratch buffers.
func Encode(resp *Response) []byte {
	buf := encBufs.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		encBufs.Put(buf)
	}()

	enc := msgpack.NewEncoder(buf)
	if err := enc.Encode(resp); err != nil {
		fallback, _ := msgpack.Marshal(map[string]any{"ok": false, "error": "encode"})
		return fallback
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}
