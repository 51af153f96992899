package relay

// LogCapacity is the number of lines kept per channel.
const LogCapacity = 50

// LogBuffer is a FIFO of the most recent LogCapacity lines. It is not safe
// for concurrent use; the Supervisor guards it with its own mutex.
type LogBuffer struct {
	lines []string
	start int
	n     int
}

// NewLogBuffer returns an empty buffer.
func NewLogBuffer() *LogBuffer {
	return &LogBuffer{lines: make([]string, LogCapacity)}
}

// Add appends a line, evicting the oldest when full.
func (b *LogBuffer) Add(line string) {
	if b.n < LogCapacity {
		b.lines[(b.start+b.n)%LogCapacity] = line
		b.n++
		return
	}
	b.lines[b.start] = line
	b.start = (b.start + 1) % LogCapacity
}

// Lines returns a copy of the buffered lines, oldest first.
func (b *LogBuffer) Lines() []string {
	out := make([]string, b.n)
	for i := 0; i < b.n; i++ {
		out[i] = b.lines[(b.start+i)%LogCapacity]
	}
	return out
}

// Len returns the number of buffered lines.
func (b *LogBuffer) Len() int { return b.n }
