package signaling

import (
	"encoding/json"
	"time"
)

// MessageType tags a signaling frame
type MessageType string

const (
	MessageTypeJoin         MessageType = "join"
	MessageTypeLeave        MessageType = "leave"
	MessageTypeSDPOffer     MessageType = "sdp-offer"
	MessageTypeSDPAnswer    MessageType = "sdp-answer"
	MessageTypeICECandidate MessageType = "ice-candidate"
	MessageTypeHeartbeat    MessageType = "heartbeat"
	MessageTypeError        MessageType = "error"
)

// ServerID is the From value on frames originated by the relay itself
const ServerID = "server"

// Message is one signaling frame. Timestamps are unix milliseconds.
type Message struct {
	Type      MessageType     `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Error     string          `json:"error,omitempty"`
}

// relayable reports whether the frame type is forwarded peer to peer
func (t MessageType) relayable() bool {
	return t == MessageTypeSDPOffer || t == MessageTypeSDPAnswer || t == MessageTypeICECandidate
}

// JoinPayload is the payload of an inbound Join frame
type JoinPayload struct {
	AuthToken string `json:"authToken"`
}

// JoinAck is the payload of the server's Join reply. The ack sent to the
// joiner carries Success; the broadcast to the room carries the joiner's
// ParticipantID.
type JoinAck struct {
	Success       bool   `json:"success"`
	ParticipantID string `json:"participantId,omitempty"`
}

func newServerMessage(msgType MessageType, to, sessionID string, payload interface{}) *Message {
	msg := &Message{
		Type:      msgType,
		From:      ServerID,
		To:        to,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			msg.Payload = raw
		}
	}
	return msg
}

func newErrorMessage(to, sessionID, errText string) *Message {
	msg := newServerMessage(MessageTypeError, to, sessionID, nil)
	msg.Error = errText
	return msg
}
