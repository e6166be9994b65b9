package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/youruser/streamchat/internal/chat"
	"github.com/youruser/streamchat/internal/logging"
)

// ErrCanceled is returned by Next once the turn's context is cancelled.
// It is a stop marker, not a failure.
var ErrCanceled = errors.New("stream canceled")

// NetworkError wraps a failure reading the response body.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("stream read failed: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

const defaultChunkSize = 32 * 1024

var log = logging.Get()

// Reader yields the deltas of one response body, one event at a time.
type Reader struct {
	body     io.Reader
	prefix   string
	splitter Splitter
	lines    []string
	buf      []byte
	eof      bool
	flushed  bool
	err      error

	// OnParseError, if set, is called for every skipped malformed line.
	OnParseError func(*ParseError)
}

// NewReader returns a Reader over body. An empty prefix selects DefaultPrefix.
func NewReader(body io.Reader, prefix string) *Reader {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Reader{
		body:   body,
		prefix: prefix,
		buf:    make([]byte, defaultChunkSize),
	}
}

// Next returns the deltas of the next event that carries any. The
// sequence ends with io.EOF when the connection closes, with a
// *chat.ServerError when the server reports an error, with ErrCanceled
// when ctx is done, or with a *NetworkError when the read fails. Once
// Next returns an error it keeps returning it.
func (r *Reader) Next(ctx context.Context) ([]chat.Delta, error) {
	if r.err != nil {
		return nil, r.err
	}
	for {
		if ctx.Err() != nil {
			return nil, r.fail(ErrCanceled)
		}

		for len(r.lines) > 0 {
			line := r.lines[0]
			r.lines = r.lines[1:]
			deltas, done, err := r.parse(line)
			if err != nil {
				return nil, r.fail(err)
			}
			if done {
				log.Debug("stream: end marker received")
				return nil, r.fail(io.EOF)
			}
			if len(deltas) > 0 {
				return deltas, nil
			}
		}

		if r.eof {
			if !r.flushed {
				r.flushed = true
				if line, ok := r.splitter.Flush(); ok {
					r.lines = append(r.lines, line)
					continue
				}
			}
			return nil, r.fail(io.EOF)
		}

		n, err := r.body.Read(r.buf)
		if ctx.Err() != nil {
			// A read that fails because the body was closed by the
			// cancellation is not a network error.
			return nil, r.fail(ErrCanceled)
		}
		if n > 0 {
			r.lines = append(r.lines, r.splitter.Feed(r.buf[:n])...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.eof = true
				continue
			}
			log.Error("stream: read failed: %v", err)
			return nil, r.fail(&NetworkError{Err: err})
		}
	}
}

func (r *Reader) parse(line string) ([]chat.Delta, bool, error) {
	deltas, kind, err := parseLine(r.prefix, line)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			log.Debug("stream: skipping malformed event: %v", perr)
			if r.OnParseError != nil {
				r.OnParseError(perr)
			}
			return nil, false, nil
		}
		return nil, false, err
	}
	if log.Enabled() {
		for _, d := range deltas {
			log.Stream(d.Kind(), fmt.Sprintf("%+v", d))
		}
	}
	return deltas, kind == lineDone, nil
}

func (r *Reader) fail(err error) error {
	r.err = err
	return err
}
