package toolhub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNegotiatorHandshake(t *testing.T) {
	sess, server := newSessionPair()
	defer sess.Stop()

	srv := newFakeServer(server, ServerCapabilities{
		Tools: &ToolsCapability{ListChanged: true},
		Tasks: &TasksCapability{ListChanged: true},
	})
	go srv.run()

	corr := newCorrelator(sess, time.Second, testLogger())
	go func() {
		for msg := range sess.Messages() {
			if msg.Method == "" {
				corr.handleResponse(msg)
			}
		}
	}()

	neg := newNegotiator(Info{Name: "engine", Version: "1.0"}, ClientCapabilities{
		Elicitation: &ElicitationCapability{},
	})

	if _, ok := neg.peerCaps(); ok {
		t.Fatal("capabilities known before handshake")
	}

	if err := neg.handshake(context.Background(), corr); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	caps, ok := neg.peerCaps()
	if !ok {
		t.Fatal("capabilities unknown after handshake")
	}
	if caps.Tools == nil || !caps.Tools.ListChanged {
		t.Errorf("tools capability: %+v", caps.Tools)
	}
	if !neg.supportsTasks() {
		t.Error("task support not detected")
	}
	if neg.peerInfoValue().Name != "fake-server" {
		t.Errorf("peer info: %+v", neg.peerInfoValue())
	}

	// The handshake ends with the initialized notification.
	waitFor(t, time.Second, func() bool {
		return len(srv.messagesFor(methodNotificationsInitialized)) == 1
	}, "initialized notification")
}

func TestNegotiatorAbsentCapabilityMeansUnsupported(t *testing.T) {
	sess, server := newSessionPair()
	defer sess.Stop()

	srv := newFakeServer(server, ServerCapabilities{
		Tools: &ToolsCapability{},
	})
	go srv.run()

	corr := newCorrelator(sess, time.Second, testLogger())
	go func() {
		for msg := range sess.Messages() {
			if msg.Method == "" {
				corr.handleResponse(msg)
			}
		}
	}()

	neg := newNegotiator(Info{Name: "engine", Version: "1.0"}, ClientCapabilities{})
	if err := neg.handshake(context.Background(), corr); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	// Pointer presence is the signal: an absent tasks capability means no support.
	if neg.supportsTasks() {
		t.Error("absent tasks capability read as supported")
	}
}

func TestNegotiatorRejectsProtocolVersionMismatch(t *testing.T) {
	sess, server := newSessionPair()
	defer sess.Stop()

	go func() {
		for msg := range server.Messages() {
			if msg.Method != methodInitialize {
				continue
			}
			bs, _ := json.Marshal(initializeResult{
				ProtocolVersion: "1999-01-01",
				ServerInfo:      Info{Name: "old", Version: "0"},
			})
			_ = server.Send(context.Background(), JSONRPCMessage{
				JSONRPC: JSONRPCVersion, ID: msg.ID, Result: bs,
			})
		}
	}()

	corr := newCorrelator(sess, time.Second, testLogger())
	go func() {
		for msg := range sess.Messages() {
			if msg.Method == "" {
				corr.handleResponse(msg)
			}
		}
	}()

	neg := newNegotiator(Info{Name: "engine", Version: "1.0"}, ClientCapabilities{})
	err := neg.handshake(context.Background(), corr)

	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("got %v, want ProtocolError", err)
	}
	if _, ok := neg.peerCaps(); ok {
		t.Error("failed handshake must not record capabilities")
	}
}
