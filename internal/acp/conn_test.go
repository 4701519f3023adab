package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"
)

func TestConnDuplicateResponseDoesNotStallReadPump(t *testing.T) {
	clientIn, agentOut := io.Pipe()
	agentIn, clientOut := io.Pipe()

	conn := NewConn(clientOut, clientIn, nil)
	defer conn.Close()

	// Misbehaving agent: answers every request, and answers the first one
	// twice back-to-back.
	go func() {
		scanner := bufio.NewScanner(agentIn)
		first := true
		for scanner.Scan() {
			var msg rpcMessage
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				continue
			}
			resp, _ := json.Marshal(rpcMessage{JSONRPC: "2.0", ID: msg.ID, Result: json.RawMessage(`{}`)})
			agentOut.Write(append(resp, '\n'))
			if first {
				first = false
				agentOut.Write(append(resp, '\n'))
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := conn.Call(ctx, "ping", nil, nil); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if err := conn.Call(ctx, "ping", nil, nil); err != nil {
		t.Fatalf("read pump stalled after duplicate response: %v", err)
	}
}
