package upload

import (
	"context"
	"io"
)

// bufferStage hands caller writes to the filter. Chunks the filter could not
// use are pushed back and served again before new input.
type bufferStage struct {
	input   <-chan []byte
	pending [][]byte
	eof     bool
}

func newBufferStage(input <-chan []byte) *bufferStage {
	return &bufferStage{input: input}
}

// unshift puts chunk in front of everything not yet consumed.
func (b *bufferStage) unshift(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.pending = append([][]byte{chunk}, b.pending...)
}

// next returns the next chunk, io.EOF once the input is closed and drained,
// or errInterrupted when interrupt fires first.
func (b *bufferStage) next(ctx context.Context, interrupt <-chan struct{}) ([]byte, error) {
	if len(b.pending) > 0 {
		chunk := b.pending[0]
		b.pending = b.pending[1:]
		return chunk, nil
	}
	if b.eof {
		return nil, io.EOF
	}

	select {
	case chunk, ok := <-b.input:
		if !ok {
			b.eof = true
			return nil, io.EOF
		}
		return chunk, nil
	case <-interrupt:
		return nil, errInterrupted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// nextAtLeast coalesces chunks until at least n bytes are available or the
// input ends. A shorter chunk is only returned at EOF.
func (b *bufferStage) nextAtLeast(ctx context.Context, interrupt <-chan struct{}, n int) ([]byte, error) {
	chunk, err := b.next(ctx, interrupt)
	if err != nil {
		return nil, err
	}

	for len(chunk) < n {
		more, err := b.next(ctx, interrupt)
		if err == io.EOF {
			break
		}
		if err != nil {
			b.unshift(chunk)
			return nil, err
		}
		chunk = append(chunk[:len(chunk):len(chunk)], more...)
	}
	return chunk, nil
}

// trimChunk drops the part of chunk that lies below offset. start is the
// stream position of chunk's first byte.
func trimChunk(chunk []byte, start, offset int64) []byte {
	end := start + int64(len(chunk))
	switch {
	case end <= offset:
		return nil
	case start >= offset:
		return chunk
	}
	return chunk[offset-start:]
}

// replayBuffer retains the most recent bytes of the logical upload so they
// can be sent again from the offset the service reports.
type replayBuffer struct {
	limit  int64
	start  int64
	size   int64
	chunks [][]byte
}

func newReplayBuffer(limit int64) *replayBuffer {
	return &replayBuffer{limit: limit}
}

// end is the stream position right after the last retained byte.
func (r *replayBuffer) end() int64 {
	return r.start + r.size
}

func (r *replayBuffer) append(chunk []byte) {
	if r.limit <= 0 {
		r.start += int64(len(chunk))
		return
	}

	r.chunks = append(r.chunks, chunk)
	r.size += int64(len(chunk))

	for r.size > r.limit {
		excess := r.size - r.limit
		head := r.chunks[0]
		if int64(len(head)) <= excess {
			r.chunks[0] = nil
			r.chunks = r.chunks[1:]
			r.start += int64(len(head))
			r.size -= int64(len(head))
			continue
		}
		r.chunks[0] = head[excess:]
		r.start += excess
		r.size -= excess
	}
}

// since returns a copy of the retained bytes from offset on. ok is false when
// bytes before offset's successors were already released.
func (r *replayBuffer) since(offset int64) ([]byte, bool) {
	if offset < r.start {
		return nil, false
	}
	if offset >= r.end() {
		return nil, true
	}

	out := make([]byte, 0, r.end()-offset)
	pos := r.start
	for _, chunk := range r.chunks {
		out = append(out, trimChunk(chunk, pos, offset)...)
		pos += int64(len(chunk))
	}
	return out, true
}

// truncate releases everything from position end on.
func (r *replayBuffer) truncate(end int64) {
	if end >= r.end() {
		return
	}
	if end <= r.start {
		r.chunks = nil
		r.size = 0
		r.start = end
		return
	}

	keep := end - r.start
	var kept int64
	for i, chunk := range r.chunks {
		if kept+int64(len(chunk)) >= keep {
			r.chunks[i] = chunk[:keep-kept]
			r.chunks = r.chunks[:i+1]
			break
		}
		kept += int64(len(chunk))
	}
	r.size = keep
}

func (r *replayBuffer) reset() {
	r.chunks = nil
	r.start = 0
	r.size = 0
}
