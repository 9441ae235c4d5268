package lib

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Payload is the ring pool element holding one block of file data.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload allocates a payload. The single parameter is the buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		slog.Error("NewPayload: invalid number of parameters, expected the buffer length", "got", len(params))
		return nil
	}
	bufferLength, ok := params[0].(int)
	if !ok || bufferLength <= 0 {
		slog.Error("NewPayload: buffer length must be a positive int", "param", params[0])
		return nil
	}
	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

// Reset clears the content of the payload
func (p *Payload) Reset() {
	clear(p.payloadBytes[:p.length])
	p.length = 0
}

func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

// Copy replaces the content with src. An empty src is valid and marks an empty block.
func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("payload copy: source length(%d) exceeds buffer length(%d)", len(src), len(p.payloadBytes))
	}
	p.length = copy(p.payloadBytes, src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// ChunkPool is a fixed set of block buffers shared by one engine.
type ChunkPool struct {
	pool      *rp.RingPool
	chunkSize int
	count     int32
	inUse     atomic.Int32
}

func NewChunkPool(name string, count, chunkSize int, debug bool, processTimeThreshold time.Duration) *ChunkPool {
	rp.Debug = debug
	pool := rp.NewRingPool(name, count, NewPayload, chunkSize)
	pool.Debug = debug
	pool.ProcessTimeThreshold = processTimeThreshold
	return &ChunkPool{pool: pool, chunkSize: chunkSize, count: int32(count)}
}

// Chunk is a pooled copy of one block. Release returns it to the pool.
type Chunk struct {
	elem *rp.Element
	pool *ChunkPool
}

// Get copies src into a pooled chunk. It fails with ErrPoolExhausted when no element is free.
func (c *ChunkPool) Get(src []byte) (*Chunk, error) {
	if len(src) > c.chunkSize {
		return nil, fmt.Errorf("chunk pool: block length(%d) exceeds chunk size(%d)", len(src), c.chunkSize)
	}
	if c.inUse.Add(1) > c.count {
		c.inUse.Add(-1)
		return nil, ErrPoolExhausted
	}
	elem := c.pool.GetElement()
	if elem == nil {
		c.inUse.Add(-1)
		return nil, ErrPoolExhausted
	}
	if err := elem.Data.(*Payload).Copy(src); err != nil {
		c.pool.ReturnElement(elem)
		c.inUse.Add(-1)
		return nil, err
	}
	return &Chunk{elem: elem, pool: c}, nil
}

func (c *Chunk) Bytes() []byte {
	return c.elem.Data.(*Payload).GetSlice()
}

func (c *Chunk) Release() {
	if c.elem != nil {
		c.pool.pool.ReturnElement(c.elem)
		c.pool.inUse.Add(-1)
		c.elem = nil
	}
}

// InUse reports the chunks handed out and not yet released.
func (c *ChunkPool) InUse() int {
	return int(c.inUse.Load())
}
