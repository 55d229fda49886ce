package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/nameshigawa/bboxviewer/pkg/core"
)

// Message type constants for the WebSocket protocol.
const (
	TypeCommand = "command" // client -> server: CommandRequest
	TypeResult  = "result"  // server -> client: CommandResult
	TypeError   = "error"   // server -> client: ErrorMessage
	TypePlay    = "play"    // client -> server: PlayRequest
	TypeStop    = "stop"    // client -> server: no payload
	TypeAck     = "ack"     // server -> client: AckMessage
	TypeFrame   = "frame"   // server -> client: FrameUpdate
)

// Envelope wraps all messages sent over the WebSocket.
// ID is chosen by the client and echoed on the reply.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. A nil payload is omitted.
func NewEnvelope(msgType, id string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType, ID: id}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return env, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

// CommandRequest asks the server to dispatch one host command.
type CommandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// CommandResult carries a handler's result.
type CommandResult struct {
	Command string `json:"command"`
	Result  any    `json:"result"`
}

// ErrorMessage reports a failed command or malformed message.
type ErrorMessage struct {
	Command string `json:"command,omitempty"`
	Message string `json:"message"`
}

// AckMessage is the server's acknowledgement response.
type AckMessage struct {
	For string `json:"for"` // the message type being acknowledged
}

// PlayRequest starts playback between Start and End seconds. End <= Start
// plays to the last frame of the active source.
type PlayRequest struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Loop  bool    `json:"loop"`
}

// ShapeState is the evaluated visual of one registered shape.
type ShapeState struct {
	Name string `json:"name"`
	ID   int    `json:"id"`
	core.ShapeVisual
}

// FrameUpdate is published once per playback tick.
type FrameUpdate struct {
	Time   float64      `json:"time"`
	Frame  int          `json:"frame"`
	Source string       `json:"source"`
	Shapes []ShapeState `json:"shapes"`
}
