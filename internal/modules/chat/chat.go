// Package chat implements the chat application module: free-form text
// messages, each sent as one onion over a random circuit and received only
// by that circuit's exit node (grounded on original modules/chat.py).
package chat

import (
	"fmt"
	"sync"
	"time"

	"github.com/vesperio/onionmesh/internal/codec"
	"github.com/vesperio/onionmesh/internal/cryptobox"
)

// Name is the registration name this module is looked up under in the
// node's module registry.
const Name = "chat"

// Sender is the subset of the node facade a module needs. Modules never
// see encryption, circuits, or peer validation.
type Sender interface {
	SendOnion(moduleName string, payload codec.Value) error
	PubKeyPEM() []byte
}

// Message is one entry in the chat log, either sent or received.
type Message struct {
	Text     string
	Ts       string
	SenderFP string
}

// Module holds the local chat log and sends/receives over onion circuits.
type Module struct {
	node Sender

	mu       sync.Mutex
	messages []Message
}

// New constructs a chat module bound to node.
func New(node Sender) *Module {
	return &Module{node: node}
}

// Send packages text with a timestamp and this node's short fingerprint and
// dispatches it over a freshly built random circuit.
func (m *Module) Send(text string) error {
	msg := Message{
		Text:     text,
		Ts:       time.Now().Format("15:04:05"),
		SenderFP: shortFingerprint(m.node.PubKeyPEM()),
	}
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()

	payload := map[string]codec.Value{
		"text":      msg.Text,
		"ts":        msg.Ts,
		"sender_fp": msg.SenderFP,
	}
	if err := m.node.SendOnion(Name, payload); err != nil {
		return fmt.Errorf("chat: send: %w", err)
	}
	return nil
}

// Receive implements node.Module: it appends an inbound message to the
// local log, doing a checked projection and dropping anything that doesn't
// parse as a chat payload instead of panicking ("late binding of
// payload schema").
func (m *Module) Receive(payload codec.Value) {
	v, ok := payload.(map[string]codec.Value)
	if !ok {
		return
	}
	text, ok := v["text"].(string)
	if !ok {
		return
	}
	ts, _ := v["ts"].(string)
	fp, _ := v["sender_fp"].(string)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, Message{Text: text, Ts: ts, SenderFP: fp})
}

// Log returns a snapshot of every message sent or received so far.
func (m *Module) Log() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

func shortFingerprint(pubKeyPEM []byte) string {
	return cryptobox.Fingerprint(pubKeyPEM) + "..."
}
