// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"errors"
	"io"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/toolrpc/pool"
	"github.com/luxfi/toolrpc/stream"
)

// lineWriter writes newline-terminated messages, one at a time.
type lineWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// write frames msg in a buffer borrowed from p, which must belong to the
// calling goroutine.
func (w *lineWriter) write(p *pool.Pool, msg []byte) error {
	buf := p.Get(len(msg) + 1)
	buf = append(buf, msg...)
	buf = append(buf, '\n')

	w.mu.Lock()
	_, err := w.out.Write(buf)
	w.mu.Unlock()

	p.Put(buf)
	return err
}

// serve reads messages from input and dispatches them on cfg.Workers
// workers until ctx ends or input is exhausted. A message that was read is
// always dispatched, even after ctx ends.
func (s *session) serve(ctx context.Context, input *stream.Buffer, out *lineWriter, log zerolog.Logger) error {
	workers := max(s.cfg.Workers, 1)
	jobs := make(chan json.RawMessage, workers)
	work := context.WithoutCancel(ctx)

	// failed ends only when a worker gives up.
	g, failed := errgroup.WithContext(work)
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()
	defer context.AfterFunc(failed, stopReading)()

	g.Go(func() error {
		defer close(jobs)
		return readMessages(readCtx, failed, input, jobs, log)
	})
	for w := range workers {
		g.Go(func() error {
			p := pool.New()
			wlog := log.With().Int("worker", w).Logger()
			for raw := range jobs {
				resp, ok := s.handler.HandleMessage(work, raw)
				if !ok {
					continue
				}
				if err := out.write(p, resp); err != nil {
					wlog.Warn().Err(err).Msg("write response")
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// readMessages decodes self-delimited JSON values from input until ctx
// ends or input is exhausted. Malformed input is skipped through the next
// newline and queued as an empty message, which the handler answers with a
// parse error in order.
func readMessages(ctx, failed context.Context, input *stream.Buffer, jobs chan<- json.RawMessage, log zerolog.Logger) error {
	for ctx.Err() == nil {
		finished := input.Finished()
		mark := input.BytesRead()

		var raw json.RawMessage
		ok, err := input.DecodeNext(&raw)
		switch {
		case errors.Is(err, stream.ErrMalformedData):
			n, _ := input.DiscardThrough('\n')
			log.Debug().Err(err).Int("skipped", n).Msg("malformed message")
			raw, ok = nil, true
		case err != nil:
			return err
		}
		if ok {
			select {
			case jobs <- raw:
			case <-failed.Done():
				return nil
			}
			continue
		}

		if finished {
			return nil
		}
		if err := input.WaitBeyond(ctx, mark); err != nil {
			return nil
		}
	}
	return nil
}
