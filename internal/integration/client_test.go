package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cloudserver/pkg/types"
)

// TestClient is a protocol-speaking websocket client.
type TestClient struct {
	Username  string
	ProjectID string
	ServerURL string

	conn     *websocket.Conn
	messages chan *types.Message
	done     chan struct{}

	writeMu   sync.Mutex
	mu        sync.Mutex
	closeCode int
	readErr   error
}

func NewTestClient(username, projectID, serverURL string) *TestClient {
	return &TestClient{
		Username:  username,
		ProjectID: projectID,
		ServerURL: serverURL,
		messages:  make(chan *types.Message, 1024),
		done:      make(chan struct{}),
	}
}

// Connect dials the server and sends the handshake.
func (tc *TestClient) Connect(ctx context.Context) error {
	u, err := url.Parse(tc.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	tc.conn = conn
	go tc.readLoop()

	return tc.send(map[string]string{
		"method":     types.MethodHandshake,
		"user":       tc.Username,
		"project_id": tc.ProjectID,
	})
}

func (tc *TestClient) readLoop() {
	defer close(tc.done)
	for {
		_, data, err := tc.conn.ReadMessage()
		if err != nil {
			tc.mu.Lock()
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				tc.closeCode = closeErr.Code
			}
			tc.readErr = err
			tc.mu.Unlock()
			return
		}
		msgs, err := types.ParseFrame(data)
		if err != nil {
			continue
		}
		for _, msg := range msgs {
			tc.messages <- msg
		}
	}
}

func (tc *TestClient) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	_ = tc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return tc.conn.WriteMessage(websocket.TextMessage, data)
}

// Set sends a set message.
func (tc *TestClient) Set(name, value string) error {
	return tc.send(map[string]string{"method": types.MethodSet, "name": name, "value": value})
}

// ReceiveMessage waits for the next message.
func (tc *TestClient) ReceiveMessage(timeout time.Duration) (*types.Message, error) {
	select {
	case msg := <-tc.messages:
		return msg, nil
	case <-time.After(timeout):
		return nil, errors.New("timeout waiting for message")
	case <-tc.done:
		select {
		case msg := <-tc.messages:
			return msg, nil
		default:
		}
		return nil, fmt.Errorf("client disconnected: %w", tc.err())
	}
}

// ReceiveMessages waits for count messages.
func (tc *TestClient) ReceiveMessages(count int, timeout time.Duration) ([]*types.Message, error) {
	deadline := time.Now().Add(timeout)
	out := make([]*types.Message, 0, count)
	for len(out) < count {
		msg, err := tc.ReceiveMessage(time.Until(deadline))
		if err != nil {
			return out, fmt.Errorf("received %d of %d messages: %w", len(out), count, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// WaitClosed waits for the server to close the connection and returns the
// close code.
func (tc *TestClient) WaitClosed(timeout time.Duration) (int, error) {
	select {
	case <-tc.done:
		tc.mu.Lock()
		defer tc.mu.Unlock()
		return tc.closeCode, nil
	case <-time.After(timeout):
		return 0, errors.New("timeout waiting for close")
	}
}

func (tc *TestClient) err() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.readErr
}

// Close ends the connection.
func (tc *TestClient) Close() error {
	if tc.conn == nil {
		return nil
	}
	tc.writeMu.Lock()
	_ = tc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	tc.writeMu.Unlock()
	err := tc.conn.Close()
	<-tc.done
	return err
}
