package stream

import "bytes"

// Splitter turns arbitrarily-sized chunks into complete lines. An
// unterminated trailing fragment is kept and prepended to the next chunk,
// so a line split across reads is reassembled before it is decoded.
type Splitter struct {
	pending []byte
}

// Feed appends chunk and returns every line it completed, without the
// line terminator ("\n" or "\r\n").
func (s *Splitter) Feed(chunk []byte) []string {
	s.pending = append(s.pending, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(s.pending[:i], []byte("\r"))))
		s.pending = s.pending[i+1:]
	}

	// Reclaim the consumed prefix once nothing is buffered.
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return lines
}

// Flush returns the buffered fragment, if any, and resets the splitter.
func (s *Splitter) Flush() (string, bool) {
	if len(s.pending) == 0 {
		return "", false
	}
	line := string(bytes.TrimSuffix(s.pending, []byte("\r")))
	s.pending = nil
	return line, true
}

// Pending reports how many bytes are waiting for a line terminator.
func (s *Splitter) Pending() int {
	return len(s.pending)
}
