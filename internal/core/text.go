package core

// TruncateText keeps at most n characters from the start of s.
func TruncateText(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// TailText keeps at most n characters from the end of s.
func TailText(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}

// utf8Max is the widest encoding of one character.
const utf8Max = 4

// cappedBuffer is an io.Writer that keeps the first headLimit bytes and the
// last tailLimit bytes written to it, so memory stays bounded no matter how
// much a child process prints.
type cappedBuffer struct {
	headLimit int
	tailLimit int
	head      []byte
	tail      []byte
	overflow  bool
}

func newCappedBuffer(headChars, tailChars int) *cappedBuffer {
	return &cappedBuffer{headLimit: headChars * utf8Max, tailLimit: tailChars * utf8Max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.headLimit - len(b.head); room > 0 {
		take := min(room, len(p))
		b.head = append(b.head, p[:take]...)
		p = p[take:]
	}
	if len(p) == 0 {
		return n, nil
	}
	b.overflow = true
	b.tail = append(b.tail, p...)
	if len(b.tail) > 2*b.tailLimit {
		b.tail = append(b.tail[:0], b.tail[len(b.tail)-b.tailLimit:]...)
	}
	return n, nil
}

// Head is the start of the output, decoded.
func (b *cappedBuffer) Head() string {
	return decodeText(b.head)
}

// Tail is the end of the output, decoded. A character cut at the boundary
// decodes to U+FFFD and is dropped by TailText when enough text follows.
func (b *cappedBuffer) Tail() string {
	if !b.overflow {
		return decodeText(b.head)
	}
	buf := b.tail
	if need := b.tailLimit - len(buf); need > 0 {
		from := max(0, len(b.head)-need)
		buf = append(append(make([]byte, 0, len(b.head)-from+len(buf)), b.head[from:]...), buf...)
	}
	return decodeText(buf)
}
