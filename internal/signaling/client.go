package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hivemesh/fabric/internal/fault"
)

// Client is one participant's connection to the relay
type Client struct {
	conn          *websocket.Conn
	participantID string
	sessionID     string
}

// Dial connects to the relay, sends the Join frame, and waits for the
// server's ack. The timeout bounds the whole sequence; on expiry the
// relay is treated as unreachable for fallback purposes and the error
// kind is Timeout.
func Dial(ctx context.Context, serverURL, sessionID, participantID, authToken string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fault.New(fault.KindInvalidArgument, "invalid signaling server URL %q", serverURL)
	}
	q := u.Query()
	q.Set("participantId", participantID)
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.KindTimeout, err, "signaling connect timed out after %s", timeout)
		}
		return nil, fault.Wrap(fault.KindUnavailable, err, "signaling server unreachable")
	}

	c := &Client{conn: conn, participantID: participantID, sessionID: sessionID}

	payload, _ := json.Marshal(JoinPayload{AuthToken: authToken})
	join := &Message{
		Type:      MessageTypeJoin,
		From:      participantID,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := c.Send(join); err != nil {
		conn.Close()
		return nil, fault.Wrap(fault.KindUnavailable, err, "failed to send join")
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	ack, err := c.Receive()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		if netTimeout(err) {
			return nil, fault.Wrap(fault.KindTimeout, err, "signaling join timed out after %s", timeout)
		}
		return nil, fault.Wrap(fault.KindUnavailable, err, "signaling join failed")
	}

	if ack.Type == MessageTypeError {
		conn.Close()
		return nil, fault.New(fault.KindPermissionDenied, "%s", ack.Error)
	}
	var joined JoinAck
	if ack.Type != MessageTypeJoin || json.Unmarshal(ack.Payload, &joined) != nil || !joined.Success {
		conn.Close()
		return nil, fault.New(fault.KindUnavailable, "unexpected join reply %s", ack.Type)
	}

	return c, nil
}

func netTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

// Send writes one frame
func (c *Client) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "failed to marshal frame")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "signaling send failed")
	}
	return nil
}

// Receive blocks for the next frame
func (c *Client) Receive() (*Message, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "malformed signaling frame")
	}
	return &msg, nil
}

// SendOffer relays an SDP offer to another participant
func (c *Client) SendOffer(to string, payload json.RawMessage) error {
	return c.Send(&Message{
		Type:      MessageTypeSDPOffer,
		From:      c.participantID,
		To:        to,
		SessionID: c.sessionID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Close sends a Leave frame and closes the connection
func (c *Client) Close() error {
	c.Send(&Message{
		Type:      MessageTypeLeave,
		From:      c.participantID,
		SessionID: c.sessionID,
		Timestamp: time.Now().UnixMilli(),
	})
	return c.conn.Close()
}
