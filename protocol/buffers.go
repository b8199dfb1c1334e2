package protocol

// InputBuffer is received link data waiting to be framed
type InputBuffer interface {
	Data() []byte
	Available() int
	// Pop drops n bytes from the front
	Pop(n int)
}

// OutputBuffer accumulates encoded frames. Update and DataSince let the
// encoder patch the length byte and checksum a frame in place.
type OutputBuffer interface {
	Output(data []byte)
	CurPosition() int
	Update(pos int, val byte)
	DataSince(pos int) []byte
}

// SliceInputBuffer reads from a fixed slice
type SliceInputBuffer struct {
	data []byte
}

func NewSliceInputBuffer(data []byte) *SliceInputBuffer {
	return &SliceInputBuffer{data: data}
}

func (s *SliceInputBuffer) Data() []byte   { return s.data }
func (s *SliceInputBuffer) Available() int { return len(s.data) }

func (s *SliceInputBuffer) Pop(n int) {
	if n > len(s.data) {
		n = len(s.data)
	}
	s.data = s.data[n:]
}

// ScratchOutput collects up to MessageMax bytes of outgoing frames;
// anything beyond is dropped
type ScratchOutput struct {
	buf [MessageMax]byte
	pos int
}

func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{}
}

func (s *ScratchOutput) Output(data []byte) {
	s.pos += copy(s.buf[s.pos:], data)
}

func (s *ScratchOutput) CurPosition() int {
	return s.pos
}

func (s *ScratchOutput) Update(pos int, val byte) {
	if pos < s.pos {
		s.buf[pos] = val
	}
}

func (s *ScratchOutput) DataSince(pos int) []byte {
	if pos > s.pos {
		return nil
	}
	return s.buf[pos:s.pos]
}

// Result returns everything written since the last Reset
func (s *ScratchOutput) Result() []byte {
	return s.buf[:s.pos]
}

func (s *ScratchOutput) Reset() {
	s.pos = 0
}

// StreamBuffer holds a bounded run of received bytes. Data is always one
// contiguous slice, so a frame split across two reads scans without a copy;
// consumed bytes are compacted away on the next Write.
type StreamBuffer struct {
	buf  []byte
	head int
}

// NewStreamBuffer creates a buffer holding at most capacity unread bytes
func NewStreamBuffer(capacity int) *StreamBuffer {
	return &StreamBuffer{buf: make([]byte, 0, capacity)}
}

// Write appends as much of data as fits and returns the count taken
func (b *StreamBuffer) Write(data []byte) int {
	if b.head > 0 {
		n := copy(b.buf, b.buf[b.head:])
		b.buf = b.buf[:n]
		b.head = 0
	}
	free := cap(b.buf) - len(b.buf)
	if len(data) > free {
		data = data[:free]
	}
	b.buf = append(b.buf, data...)
	return len(data)
}

func (b *StreamBuffer) Data() []byte {
	return b.buf[b.head:]
}

func (b *StreamBuffer) Available() int {
	return len(b.buf) - b.head
}

func (b *StreamBuffer) Pop(n int) {
	if n > b.Available() {
		n = b.Available()
	}
	b.head += n
	if b.head == len(b.buf) {
		b.buf = b.buf[:0]
		b.head = 0
	}
}

func (b *StreamBuffer) Reset() {
	b.buf = b.buf[:0]
	b.head = 0
}
