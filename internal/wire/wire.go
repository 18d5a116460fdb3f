// Package wire defines the JSON frames exchanged over overlay links.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies an overlay message.
type Kind string

const (
	KindHello  Kind = "HELLO"
	KindPing   Kind = "PING"
	KindPong   Kind = "PONG"
	KindPeerEx Kind = "PEER_EX"
	KindAskPub Kind = "ASK_PUB"
	KindRepPub Kind = "REP_PUB"
	KindMsg    Kind = "MSG"
)

// ErrMalformed is returned for frames that cannot be dispatched.
var ErrMalformed = errors.New("malformed frame")

// Envelope is one frame on a link. Only the fields relevant to Kind are set.
type Envelope struct {
	Kind Kind            `json:"t"`
	ID   string          `json:"id,omitempty"`
	Name string          `json:"n,omitempty"`
	TS   int64           `json:"ts,omitempty"`
	List json.RawMessage `json:"list,omitempty"`
	Msg  *ChatMessage    `json:"msg,omitempty"`
}

// ChatMessage is the application payload carried by MSG and REP_PUB.
type ChatMessage struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"n,omitempty"`
	Target     string `json:"target"`
	Text       string `json:"txt"`
	TS         int64  `json:"ts"`
}

// TargetAll marks a message addressed to the public channel.
const TargetAll = "all"

// IsPublic reports whether the message belongs to the shared history.
func (m ChatMessage) IsPublic() bool { return m.Target == TargetAll }

func Hello(id, name string) Envelope { return Envelope{Kind: KindHello, ID: id, Name: name} }

func Ping() Envelope { return Envelope{Kind: KindPing} }

func Pong() Envelope { return Envelope{Kind: KindPong} }

func AskPub(ts int64) Envelope { return Envelope{Kind: KindAskPub, TS: ts} }

func Msg(m ChatMessage) Envelope { return Envelope{Kind: KindMsg, Msg: &m} }

// PeerEx builds a peer-exchange frame.
func PeerEx(ids []string) Envelope {
	if ids == nil {
		ids = []string{}
	}
	raw, _ := json.Marshal(ids)
	return Envelope{Kind: KindPeerEx, List: raw}
}

// RepPub builds a history reply frame.
func RepPub(msgs []ChatMessage) Envelope {
	raw, _ := json.Marshal(msgs)
	return Envelope{Kind: KindRepPub, List: raw}
}

// Peers decodes the list of a PEER_EX frame.
func (e Envelope) Peers() ([]string, error) {
	if e.Kind != KindPeerEx || len(e.List) == 0 {
		return nil, ErrMalformed
	}
	var ids []string
	if err := json.Unmarshal(e.List, &ids); err != nil {
		return nil, fmt.Errorf("peer list: %w", ErrMalformed)
	}
	return ids, nil
}

// Messages decodes the list of a REP_PUB frame.
func (e Envelope) Messages() ([]ChatMessage, error) {
	if e.Kind != KindRepPub || len(e.List) == 0 {
		return nil, ErrMalformed
	}
	var msgs []ChatMessage
	if err := json.Unmarshal(e.List, &msgs); err != nil {
		return nil, fmt.Errorf("message list: %w", ErrMalformed)
	}
	return msgs, nil
}

// Encode marshals an envelope to a single JSON document.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a frame, rejecting anything without a kind.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode: %w", ErrMalformed)
	}
	if e.Kind == "" {
		return Envelope{}, ErrMalformed
	}
	return e, nil
}
