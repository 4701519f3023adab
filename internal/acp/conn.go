package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrConnClosed is returned for calls made after the connection closed, and
// delivered to calls that were in flight when it closed.
var ErrConnClosed = errors.New("agent connection closed")

// NotifyFunc receives every notification the agent sends.
type NotifyFunc func(method string, params json.RawMessage)

// ServeFunc handles an agent -> client request. Implementations reply by
// calling respond exactly once; replying from another goroutine later is
// allowed, which is how user-facing permission prompts stay non-blocking.
type ServeFunc func(method string, params json.RawMessage, respond func(result any, rpcErr *RPCError))

// Conn frames JSON-RPC messages over an agent subprocess's stdio. It owns
// the read pump and the pending-call table; it does not own the process.
type Conn struct {
	writeMu sync.Mutex
	writer  *bufio.Writer

	pendingMu sync.Mutex
	pending   map[string]chan rpcMessage

	notify  atomic.Pointer[NotifyFunc]
	onError atomic.Pointer[func(error)]
	serve   ServeFunc

	closed atomic.Bool
	done   chan struct{}
}

// NewConn starts a connection over the given streams. serve handles
// agent-initiated requests and may be nil if the client hosts nothing.
func NewConn(stdin io.Writer, stdout io.Reader, serve ServeFunc) *Conn {
	c := &Conn{
		writer:  bufio.NewWriter(stdin),
		pending: make(map[string]chan rpcMessage),
		serve:   serve,
		done:    make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

// SetNotificationHandler swaps the handler receiving notifications. The
// handler is read through a mutable reference at dispatch time, so swapping
// never drops in-flight notifications.
func (c *Conn) SetNotificationHandler(fn NotifyFunc) {
	c.notify.Store(&fn)
}

// SetErrorHandler swaps the handler receiving stream-level errors.
func (c *Conn) SetErrorHandler(fn func(error)) {
	c.onError.Store(&fn)
}

// Call sends a request and decodes the response into out (ignored when out
// is nil). It fails when ctx expires or the connection closes.
func (c *Conn) Call(ctx context.Context, method string, params, out any) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	id := uuid.NewString()
	ch := make(chan rpcMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	rawID, _ := json.Marshal(id)
	if err := c.write(rpcMessage{JSONRPC: "2.0", ID: rawID, Method: method, Params: marshalParams(params)}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	}
}

// Notify sends a notification (no correlation id, no response).
func (c *Conn) Notify(method string, params any) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return c.write(rpcMessage{JSONRPC: "2.0", Method: method, Params: marshalParams(params)})
}

// Close tears the connection down. Safe to call multiple times; pending
// calls fail with ErrConnClosed.
func (c *Conn) Close() {
	if c.closed.Swap(true) {
		return
	}
	close(c.done)
}

func (c *Conn) write(msg rpcMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return c.writer.Flush()
}

func (c *Conn) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Printf("acp: dropping malformed frame: %v", err)
			continue
		}

		switch {
		case msg.Method != "" && len(msg.ID) > 0:
			c.handleRequest(msg)
		case msg.Method != "":
			if fn := c.notify.Load(); fn != nil {
				(*fn)(msg.Method, msg.Params)
			}
		default:
			c.handleResponse(msg)
		}
	}

	// A stream error must surface through the error handler, never escape
	// as an unhandled fault.
	if err := scanner.Err(); err != nil && !c.closed.Load() {
		if fn := c.onError.Load(); fn != nil {
			(*fn)(fmt.Errorf("agent stream error: %w", err))
		}
	}
	c.Close()
}

func (c *Conn) handleRequest(msg rpcMessage) {
	if c.serve == nil {
		c.respond(msg.ID, nil, &RPCError{Code: CodeNotFound, Message: "method not supported: " + msg.Method})
		return
	}
	id := msg.ID
	go c.serve(msg.Method, msg.Params, func(result any, rpcErr *RPCError) {
		c.respond(id, result, rpcErr)
	})
}

func (c *Conn) respond(id json.RawMessage, result any, rpcErr *RPCError) {
	resp := rpcMessage{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			resp.Error = &RPCError{Code: CodeInternal, Message: err.Error()}
		} else {
			resp.Result = data
		}
	}
	if err := c.write(resp); err != nil && !c.closed.Load() {
		log.Printf("acp: failed to send response: %v", err)
	}
}

func (c *Conn) handleResponse(msg rpcMessage) {
	var id string
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		log.Printf("acp: response with unreadable id dropped")
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	c.pendingMu.Unlock()
	if !ok {
		log.Printf("acp: response for unknown call id %s dropped", id)
		return
	}
	select {
	case ch <- msg:
	default:
		// A second response for the same id must not stall the read pump.
		log.Printf("acp: duplicate response for call id %s dropped", id)
	}
}

func marshalParams(params any) json.RawMessage {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		log.Printf("acp: marshal params: %v", err)
		return nil
	}
	return data
}
