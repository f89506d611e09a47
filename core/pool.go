package core

import (
	"bytes"
	"sync"
)

// bufferPool is a mutex-guarded pool of bytes.Buffers. Unlike sync.Pool its
// contents survive GC cycles, which suits long-running memory-heavy work such
// as compaction where buffers are reused continuously.
type bufferPool struct {
	mu      sync.Mutex
	buffers []*bytes.Buffer
}

const maxPooledBuffers = 64

// maxPooledBufferCap caps the size of buffers returned to the pool so a
// single oversized block does not pin memory forever.
const maxPooledBufferCap = 4 * 1024 * 1024

// BufferPool is the shared pool used by the SSTable writer/reader and the
// compactor for block staging and decompression.
var BufferPool = &bufferPool{}

// Get returns an empty buffer from the pool, allocating if necessary.
func (p *bufferPool) Get() *bytes.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.buffers); n > 0 {
		buf := p.buffers[n-1]
		p.buffers = p.buffers[:n-1]
		return buf
	}
	return &bytes.Buffer{}
}

// Put resets the buffer and returns it to the pool.
func (p *bufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBufferCap {
		return
	}
	buf.Reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffers) < maxPooledBuffers {
		p.buffers = append(p.buffers, buf)
	}
}
