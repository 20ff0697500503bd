package provision

import "fmt"

const buildLogTailSize = 40

// buildLog keeps the tail of image build output, collapsing consecutive
// duplicate lines so progress spam does not evict the actual failure.
type buildLog struct {
	emit    func(string)
	last    string
	repeats int
	buffer  []string
	size    int
}

func newBuildLog(emit func(string)) *buildLog {
	return &buildLog{emit: emit, size: buildLogTailSize}
}

func (b *buildLog) Add(line string) {
	if line == "" {
		return
	}
	if line == b.last {
		b.repeats++
		return
	}
	b.flushRepeats()
	b.last = line
	b.record(line)
}

func (b *buildLog) flushRepeats() {
	if b.repeats == 0 || b.last == "" {
		return
	}
	msg := fmt.Sprintf("%s (repeated %d more times)", b.last, b.repeats)
	b.repeats = 0
	b.record(msg)
}

func (b *buildLog) record(line string) {
	if b.emit != nil {
		b.emit(line)
	}
	if len(b.buffer) < b.size {
		b.buffer = append(b.buffer, line)
		return
	}
	b.buffer = append(b.buffer[1:], line)
}

// Tail flushes pending repeats and returns the retained lines.
func (b *buildLog) Tail() []string {
	b.flushRepeats()
	return append([]string(nil), b.buffer...)
}
