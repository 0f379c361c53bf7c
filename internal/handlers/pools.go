package handlers

import (
	"bytes"
	"sync"
)

// Request bodies are small JSON commands; responses can carry a full tab
// list or whitelist.
const (
	requestBufferSize  = 1024
	responseBufferSize = 4096
	// Buffers that grew past this are dropped instead of pooled.
	maxPooledBufferSize = 64 << 10
)

var requestBuffers = sync.Pool{
	New: func() any { return bytes.NewBuffer(make([]byte, 0, requestBufferSize)) },
}

var responseBuffers = sync.Pool{
	New: func() any { return bytes.NewBuffer(make([]byte, 0, responseBufferSize)) },
}

func getBuffer() *bytes.Buffer {
	return requestBuffers.Get().(*bytes.Buffer)
}

func putBuffer(buf *bytes.Buffer) {
	release(&requestBuffers, buf)
}

func getResponseBuffer() *bytes.Buffer {
	return responseBuffers.Get().(*bytes.Buffer)
}

func putResponseBuffer(buf *bytes.Buffer) {
	release(&responseBuffers, buf)
}

func release(pool *sync.Pool, buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBufferSize {
		return
	}
	buf.Reset()
	pool.Put(buf)
}
