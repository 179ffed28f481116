package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/austinkregel/local-media/nowplayingd/internal/media"
)

// Client talks to a running daemon
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

// Dial connects to the daemon socket at path
func Dial(ctx context.Context, path string) (*Client, error) {
	conn, err := dial(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Ping checks that the daemon is alive
func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	var resp PingResponse
	if err := c.call(ctx, CmdPing, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sessions lists the registered sessions with their cached playback state
func (c *Client) Sessions(ctx context.Context) ([]media.PlaybackState, error) {
	var states []media.PlaybackState
	if err := c.call(ctx, CmdSessions, nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// Metadata fetches the current track of app. Returns media.ErrNotFound for
// an unknown application.
func (c *Client) Metadata(ctx context.Context, app media.AppID) (*media.Metadata, error) {
	var m media.Metadata
	if err := c.call(ctx, CmdMetadata, AppRequest{App: app}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Command sends a transport command to app
func (c *Client) Command(ctx context.Context, app media.AppID, cmd media.Command) error {
	return c.call(ctx, CmdCommand, CommandRequest{App: app, Action: cmd.String()}, nil)
}

// Subscribe asks the daemon to push session, metadata and playback changes
// on this connection. Use ReadPushes afterwards.
func (c *Client) Subscribe(ctx context.Context) error {
	return c.call(ctx, CmdSubscribe, nil, nil)
}

// ReadPushes delivers push messages to fn until ctx is done or the
// connection fails. The client cannot be used for requests afterwards.
func (c *Client) ReadPushes(ctx context.Context, fn func(PushMessage)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	for {
		env, err := c.readEnvelope()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if env.isPush() {
			fn(PushMessage{Type: env.Type, Data: env.Data})
		}
	}
}

func (c *Client) call(ctx context.Context, cmd CommandType, data interface{}, out interface{}) error {
	req, err := NewRequest(cmd, data)
	if err != nil {
		return err
	}
	line, err := EncodeRequest(req)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, _ := ctx.Deadline()
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	for {
		env, err := c.readEnvelope()
		if err != nil {
			return err
		}
		// pushes can precede the response once subscribed
		if env.isPush() {
			continue
		}
		if !env.Success {
			if env.Error == ErrNotFoundMessage {
				return media.ErrNotFound
			}
			return errors.New(env.Error)
		}
		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil
	}
}

func (c *Client) readEnvelope() (*envelope, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &env, nil
}
