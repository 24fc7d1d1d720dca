package sse

import (
	"context"
	"io"
)

// Flusher is satisfied by http.ResponseWriter; kept as a narrow interface so
// this package doesn't import net/http.
type Flusher interface {
	Flush()
}

// Pipe reads from src in whatever chunking the upstream connection delivers,
// normalizes it into complete lines via a Normalizer, writes each line to
// dst, and flushes after the lines of every upstream read so the client
// sees events as they arrive rather than batched. onLine is called with every emitted line
// (including the trailing '\n') so the caller can parse usage/terminal
// markers without a second pass over the stream. Returns when src is
// exhausted, ctx is canceled, or a write error occurs.
func Pipe(ctx context.Context, dst io.Writer, flusher Flusher, src io.Reader, onLine func([]byte)) error {
	n := New()
	buf := make([]byte, 32*1024)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		read, err := src.Read(buf)
		if read > 0 {
			for _, line := range n.Feed(buf[:read]) {
				if _, werr := dst.Write(line); werr != nil {
					return werr
				}
				if onLine != nil {
					onLine(line)
				}
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			if tail := n.Flush(); len(tail) > 0 {
				if _, werr := dst.Write(tail); werr != nil {
					return werr
				}
				if onLine != nil {
					onLine(tail)
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
