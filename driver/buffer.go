package driver

// Buffer is a fixed size block of memory handed out by a Driver. It is owned
// by the caller and has to be released exactly once with Free.
type Buffer struct {
	data    []byte
	dma     bool
	freed   bool
	release func(*Buffer)
}

func newBuffer(size int, dma bool, release func(*Buffer)) *Buffer {
	return &Buffer{
		data:    make([]byte, size),
		dma:     dma,
		release: release,
	}
}

// Bytes returns the memory of the buffer. It returns nil once the buffer has
// been freed.
func (b *Buffer) Bytes() []byte {
	if b.freed {
		return nil
	}
	return b.data
}

// Len returns the capacity of the buffer in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Fill sets every byte of the buffer to v.
func (b *Buffer) Fill(v byte) {
	for i := range b.Bytes() {
		b.data[i] = v
	}
}

// DMACapable reports whether the DMA engine can address the buffer.
func (b *Buffer) DMACapable() bool {
	return b.dma
}

// Freed reports whether Free has been called.
func (b *Buffer) Freed() bool {
	return b.freed
}

// Free releases the buffer. Freeing a buffer twice fails with ErrInvalidState.
func (b *Buffer) Free() error {
	if b.freed {
		return newError("free", ErrInvalidState, nil)
	}
	b.freed = true
	if b.release != nil {
		b.release(b)
	}
	b.data = nil
	return nil
}
