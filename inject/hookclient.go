package inject

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

// constants for the hook server address, the port is filled in when the client is written into a package.
const (
	injectHookServerHost = "127.0.0.1"
	injectHookServerPort = 8449
)

var (
	injectHookClientStartTime = time.Now()
	injectHookHttpClient      = &http.Client{
		Transport: http.DefaultTransport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return errors.New("redirect not allowed")
		},
		Timeout: 30 * time.Second,
	}
	injectHookEndpointInvoke string
	injectHookEndpointError  string
)

func init() {
	port := injectHookServerPort
	if portOverride := os.Getenv("INJECT_HOOK_PORT"); portOverride != "" {
		parsedPort, err := strconv.Atoi(portOverride)
		if err != nil {
			panic("Invalid port in env: " + err.Error())
		}
		port = parsedPort
	}
	serverURL := fmt.Sprintf("http://%s:%d", injectHookServerHost, port)
	injectHookEndpointInvoke = serverURL + injectHookEndpointPathInvoke
	injectHookEndpointError = serverURL + injectHookEndpointPathError
}

// injectHookLookup resolves a registry handle to a function that invokes the hook in the injecting process.
func injectHookLookup(handle uint32) func(args ...interface{}) {
	return func(args ...interface{}) {
		msg := HookMessageInvoke{
			Handle: handle,
			TimeNS: time.Since(injectHookClientStartTime).Nanoseconds(),
			Args:   injectHookEncodeArgs(args),
		}
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(&msg); err != nil {
			sendInjectHookError(handle, fmt.Errorf("encode failure: %w", err))
			return
		}
		postInjectHookInvoke(handle, &buf)
	}
}

func injectHookEncodeArgs(args []interface{}) []HookMessageArg {
	if len(args) == 0 {
		return nil
	}
	encoded := make([]HookMessageArg, len(args))
	for i, a := range args {
		encoded[i].Type = fmt.Sprintf("%T", a)
		if b, err := json.Marshal(a); err == nil {
			encoded[i].Value = b
		} else {
			encoded[i].Text = fmt.Sprintf("%+v", a)
		}
	}
	return encoded
}

// postInjectHookInvoke delivers the invocation. Delivery failures are reported and execution continues, but a
// failure of the hook itself is raised as a panic at the hook statement.
func postInjectHookInvoke(handle uint32, body io.Reader) {
	r, err := injectHookHttpClient.Post(injectHookEndpointInvoke, "application/json", body)
	if err != nil {
		sendInjectHookError(handle, fmt.Errorf("POST to %s failed: %w", injectHookEndpointInvoke, err))
		return
	}
	defer func() { _ = r.Body.Close() }()
	if r.StatusCode < 300 {
		return
	}
	var result HookMessageResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil || result.Error == "" {
		result.Error = "status " + strconv.Itoa(r.StatusCode)
	}
	panic(fmt.Sprintf("hook %d failed: %s", handle, result.Error))
}

// sendInjectHookError sends an error notification to the server.
func sendInjectHookError(handle uint32, origErr error) {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(&HookMessageError{Handle: handle, Message: origErr.Error()})
	resp, err := injectHookHttpClient.Post(injectHookEndpointError, "application/json", &buf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "POST HookMessageError failed: %v, original error: %v\n", err, origErr)
		return
	}
	_ = resp.Body.Close()
}
