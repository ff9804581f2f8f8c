package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sourcegraph/jsonrpc2"
)

const (
	maxFrameSize = 1 << 20
	writeTimeout = 10 * time.Second
)

var errBinaryFrame = errors.New("binary frames are not supported")

// frameStream carries one JSON-RPC object per websocket text frame.
type frameStream struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
}

var _ jsonrpc2.ObjectStream = (*frameStream)(nil)

func newFrameStream(ctx context.Context, conn *websocket.Conn) *frameStream {
	conn.SetReadLimit(maxFrameSize)
	ctx, cancel := context.WithCancel(ctx)
	return &frameStream{conn: conn, ctx: ctx, cancel: cancel}
}

func (s *frameStream) ReadObject(v any) error {
	typ, data, err := s.conn.Read(s.ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return io.EOF
		}
		if s.ctx.Err() != nil {
			return io.EOF
		}
		return err
	}
	if typ != websocket.MessageText {
		return errBinaryFrame
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

func (s *frameStream) WriteObject(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *frameStream) Close() error {
	defer s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
