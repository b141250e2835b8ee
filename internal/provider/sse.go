package provider

import (
	"bufio"
	"bytes"
	"context"
	"net/http"

	"github.com/blueberrycongee/modelgate/pkg/gwerr"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// FrameParser turns one SSE data payload into zero or more normalized
// frames. done reports that the provider signalled end of stream.
type FrameParser func(data []byte) (frames []types.StreamFrame, done bool, err error)

// maxSSELineBytes bounds a single SSE line; large tool argument deltas
// stay well under this.
const maxSSELineBytes = 1 << 20

// StreamSSE consumes an SSE response body on a goroutine and delivers
// normalized frames over a bounded channel. Exactly one terminal frame
// is emitted: either the parser's final frame or a synthesized one.
// Not reading from the channel blocks the scanner, which propagates
// backpressure to the provider connection. The body is closed when the
// stream ends or ctx is cancelled.
func StreamSSE(ctx context.Context, providerName string, resp *http.Response, parse FrameParser, finalize func() types.StreamFrame) <-chan types.StreamFrame {
	frames := make(chan types.StreamFrame, types.StreamFrameBuffer)

	go func() {
		defer close(frames)
		defer resp.Body.Close()

		sentFinal := false
		emit := func(frame types.StreamFrame) bool {
			if frame.Final || frame.Err != nil {
				sentFinal = true
			}
			select {
			case frames <- frame:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), maxSSELineBytes)

		for scanner.Scan() {
			if ctx.Err() != nil {
				emitCancel(frames, ctx)
				return
			}

			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 || bytes.HasPrefix(line, []byte("event:")) || bytes.HasPrefix(line, []byte(":")) {
				continue
			}
			if !bytes.HasPrefix(line, []byte("data:")) {
				continue
			}
			data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
			if bytes.Equal(data, []byte("[DONE]")) {
				break
			}

			parsed, done, err := parse(data)
			if err != nil {
				emit(types.StreamFrame{Err: gwerr.ProviderTransient(providerName, "malformed stream frame").WithCause(err)})
				return
			}
			for _, frame := range parsed {
				if !emit(frame) {
					return
				}
			}
			if done {
				break
			}
		}

		if err := scanner.Err(); err != nil && !sentFinal {
			if ctx.Err() != nil {
				emitCancel(frames, ctx)
				return
			}
			emit(types.StreamFrame{Err: gwerr.ProviderTransient(providerName, "stream read failed").WithCause(err)})
			return
		}

		if !sentFinal {
			emit(finalize())
		}
	}()

	return frames
}

func emitCancel(frames chan<- types.StreamFrame, ctx context.Context) {
	frame := types.StreamFrame{Err: gwerr.AsError(ctx.Err())}
	select {
	case frames <- frame:
	default:
	}
}
