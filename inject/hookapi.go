package inject

import "encoding/json"

const (
	injectHookEndpointPathInvoke = "/hook.0/invoke"
	injectHookEndpointPathError  = "/hook.0/event/error"
)

// HookMessageInvoke is sent by generated code each time a spliced hook statement executes.
type HookMessageInvoke struct {
	Handle uint32           `json:"h"`              // registry handle embedded in the hook statement
	TimeNS int64            `json:"time"`           // nanoseconds since the client started
	Args   []HookMessageArg `json:"args,omitempty"` // forwarded arguments, in order
}

// HookMessageArg is a single forwarded argument. Values that can't be encoded as JSON are sent as text.
type HookMessageArg struct {
	Type  string          `json:"t"`           // Go type of the argument
	Value json.RawMessage `json:"v,omitempty"` // JSON encoding of the value
	Text  string          `json:"s,omitempty"` // %+v formatting when the value has no JSON encoding
}

// HookMessageResult is the reply to a HookMessageInvoke.
type HookMessageResult struct {
	Error string `json:"err,omitempty"` // hook failure, the client must not continue silently
}

// HookMessageError is sent when the client fails to deliver an invocation.
type HookMessageError struct {
	Handle  uint32 `json:"h,omitempty"`
	Message string `json:"msg"`
}
