package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/DIO0550/instructions/internal/jsonrpc"
)

const maxLineSize = 4 * 1024 * 1024

// lineWriter serializes newline-delimited JSON frames onto w.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lineWriter) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, err = lw.w.Write(append(data, '\n'))
	return err
}

// ServeStdio runs eng over newline-delimited JSON-RPC on r and w until r is
// exhausted or ctx is done. The engine is closed on return.
func ServeStdio(ctx context.Context, eng *Engine, r io.Reader, w io.Writer) error {
	defer eng.Close()

	out := &lineWriter{w: w}
	eng.Bind(SinkFunc(func(_ context.Context, msg *jsonrpc.Message) error {
		return out.write(msg)
	}))

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read stdin: %w", err)
					}
				default:
				}
				return nil
			}
			if err := handleLine(ctx, eng, out, line); err != nil {
				return err
			}
		}
	}
}

func handleLine(ctx context.Context, eng *Engine, out *lineWriter, line []byte) error {
	msgs, batch, err := jsonrpc.Parse(line)
	if err != nil {
		return out.write(jsonrpc.NewErrorResponse(nil, jsonrpc.AsError(err)))
	}

	var replies []*jsonrpc.Message
	for _, msg := range msgs {
		reply, err := eng.Handle(ctx, msg)
		if errors.Is(err, ErrClosed) {
			return err
		}
		if reply != nil {
			replies = append(replies, reply)
		}
	}

	switch {
	case len(replies) == 0:
		return nil
	case batch:
		return out.write(replies)
	default:
		return out.write(replies[0])
	}
}
