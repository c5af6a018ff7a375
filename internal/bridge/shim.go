package bridge

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
)

// BindingName is the function renderer backends expose for renderer to native envelopes
const BindingName = "__deskshell_post"

//go:embed shim.js
var shimJS string

// Shim returns the client script defining window.deskshell
func Shim() string {
	return shimJS
}

// ReceiveScript renders m as a script that hands it to the client shim.
// Backends without a socket deliver native to renderer envelopes this way.
func ReceiveScript(m Message) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return fmt.Sprintf("window.deskshell && window.deskshell.__receive(%s);", data), nil
}

// EvalPeer is a Peer that delivers envelopes by evaluating script in the renderer
type EvalPeer struct {
	PeerID string
	Eval   func(script string) error
}

// ID implements Peer
func (p *EvalPeer) ID() string { return p.PeerID }

// Send implements Peer
func (p *EvalPeer) Send(m Message) error {
	script, err := ReceiveScript(m)
	if err != nil {
		return err
	}
	return p.Eval(script)
}

// HandleBinding decodes one payload posted through BindingName and dispatches it.
// Replies go back through peer.
func (b *Bridge) HandleBinding(ctx context.Context, peer Peer, payload string) {
	msg, err := DecodeMessage([]byte(payload))
	reply := func(m Message) {
		if err := peer.Send(m); err != nil {
			b.logger.Debugw("Dropping reply for renderer", "peer", peer.ID(), "id", m.ID, "error", err)
		}
	}
	if err != nil {
		b.logger.Warnw("Malformed bridge envelope", "peer", peer.ID(), "error", err)
		if msg.ID != "" {
			reply(errorMessage(msg.ID, BadRequest("%v", err)))
		}
		return
	}
	b.Dispatch(ctx, msg, reply)
}
