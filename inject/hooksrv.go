package inject

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"
)

// HookServer receives hook invocations from generated code running in another process and dispatches them to
// the hooks held by the registry.
type HookServer struct {
	server   *http.Server
	addr     net.Addr
	err      atomic.Pointer[error]
	registry Registry
	journal  *Journal
	invoked  atomic.Int64
}

// HookServerStart starts a HookServer on host:port, a port of 0 selects a free port. Invocations are recorded
// in journal when one is provided.
func HookServerStart(host string, port int, registry Registry, journal *Journal) (*HookServer, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("hook server listen failure: %w", err)
	}
	s := &HookServer{
		addr:     listener.Addr(),
		registry: registry,
		journal:  journal,
	}
	s.server = &http.Server{Handler: s.newMux(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.err.Store(&err)
			log.Printf("%sHook Server error: %v", ErrorLogPrefix, err)
		}
	}()

	log.Printf("Hook Server started on %s", s.addr)
	return s, s.errCheck()
}

func (s *HookServer) newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(injectHookEndpointPathInvoke, s.handleInvoke)
	mux.HandleFunc(injectHookEndpointPathError, s.handleEventError)
	return mux
}

// Port returns the port the server is bound to.
func (s *HookServer) Port() int {
	if tcp, ok := s.addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// InvocationCount returns the number of hook invocations dispatched.
func (s *HookServer) InvocationCount() int64 {
	return s.invoked.Load()
}

func (s *HookServer) errCheck() error {
	errPtr := s.err.Load()
	if errPtr != nil {
		return *errPtr
	}
	return nil
}

// StopOnProcessOrTimeout waits for the given process to exit (up to timeout)
// then shuts down the server and returns
func (s *HookServer) StopOnProcessOrTimeout(pid int, timeout time.Duration) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(timeout)
	var pollErr error
	for {
		if timeout > 0 && time.Now().After(deadline) {
			pollErr = fmt.Errorf("timeout waiting for process %d", pid)
			break // don't return, still stop server
		}

		// signal 0 checks for existence without sending a real signal
		err := syscall.Kill(pid, 0)
		if err != nil {
			if errors.Is(err, syscall.ESRCH) {
				break // the process has exited
			}
			pollErr = err
			break // don't return, still stop server
		}

		<-ticker.C
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return errors.Join(pollErr, s.Stop(ctx))
}

// Stop gracefully shuts down the server.
func (s *HookServer) Stop(ctx context.Context) error {
	err1 := s.server.Shutdown(ctx)
	return errors.Join(err1, s.errCheck())
}

func (s *HookServer) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var msg HookMessageInvoke
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		log.Printf("%sFailed to decode HookMessageInvoke: %v", ErrorLogPrefix, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	hook, err := s.registry.Resolve(Handle(msg.Handle))
	if err != nil {
		// handles only come from statements built by this registry, a miss means the generated code is stale
		log.Printf("%sHook registry out of sync with generated code: %v", ErrorLogPrefix, err)
		writeHookResult(w, http.StatusNotFound, err)
		return
	}
	args, err := decodeHookArgs(msg.Args)
	if err != nil {
		writeHookResult(w, http.StatusBadRequest, err)
		return
	}
	if s.journal != nil {
		if _, err := s.journal.Record(Handle(msg.Handle), msg.TimeNS, msg.Args); err != nil {
			log.Printf("%sFailed to journal invocation of hook %d: %v", ErrorLogPrefix, msg.Handle, err)
		}
	}
	s.invoked.Add(1)

	if err := invokeRecovered(hook, args); err != nil {
		writeHookResult(w, http.StatusUnprocessableEntity, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *HookServer) handleEventError(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var msg HookMessageError
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		log.Printf("%sFailed to decode HookMessageError: %v", ErrorLogPrefix, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	log.Printf("%sHook client error on hook %d: %v", ErrorLogPrefix, msg.Handle, msg.Message)

	w.WriteHeader(http.StatusOK)
}

// invokeRecovered calls the hook, converting a panic into an error so it reaches the generated call site.
func invokeRecovered(hook Hook, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panic: %v", r)
		}
	}()
	return hook(args...)
}

func writeHookResult(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HookMessageResult{Error: err.Error()})
}

// decodeHookArgs converts transported arguments back to values. JSON values decode to their generic form
// (numbers as float64), values sent as text are passed as strings.
func decodeHookArgs(msgArgs []HookMessageArg) ([]any, error) {
	args := make([]any, len(msgArgs))
	for i, a := range msgArgs {
		if len(a.Value) == 0 {
			args[i] = a.Text
			continue
		}
		if err := json.Unmarshal(a.Value, &args[i]); err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, a.Type, err)
		}
	}
	return args, nil
}
