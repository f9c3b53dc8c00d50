package protocol

import (
	"errors"
	"fmt"

	"github.com/edwingeng/deque/v2"
)

// ErrUnderflow is returned when fewer bytes are available than a read needs,
// even after asking the Source for more.
var ErrUnderflow = errors.New("Not enough bytes available to satisfy the read")

// Source returns whatever bytes became available since it was last called.
// An empty result means nothing is available right now, it is not EOF, but
// the Assembler stops asking until the next read.
type Source func() []byte

// Assembler presents an incremental byte stream as already available bytes.
// It is a FIFO: Put appends at the tail, reads consume from the head.
//
// An Assembler is not safe for concurrent use.
type Assembler struct {
	chunks *deque.Deque[[]byte]

	// offset of the first unconsumed byte in the front chunk
	head int
	size int

	source Source
}

// NewAssembler returns an empty Assembler. source may be nil, in which case
// only bytes given to Put are ever available.
func NewAssembler(source Source) *Assembler {
	return &Assembler{
		chunks: deque.NewDeque[[]byte](),
		source: source,
	}
}

// Put appends a copy of data to the tail of the buffer.
func (a *Assembler) Put(data []byte) {
	if len(data) == 0 {
		return
	}

	a.chunks.PushBack(append([]byte(nil), data...))
	a.size += len(data)
}

// Size returns the number of buffered, unconsumed bytes.
func (a *Assembler) Size() int {
	return a.size
}

// HasRemaining reports whether any bytes are buffered. It never calls the
// Source.
func (a *Assembler) HasRemaining() bool {
	return a.size > 0
}

// Reset discards every buffered byte.
func (a *Assembler) Reset() {
	a.chunks = deque.NewDeque[[]byte]()
	a.head = 0
	a.size = 0
}

func (a *Assembler) Uint8() (byte, error) {
	if err := a.ensure(1); err != nil {
		return 0, err
	}

	var b [1]byte
	a.consume(b[:])
	return b[0], nil
}

func (a *Assembler) Uint32() (uint32, error) {
	if err := a.ensure(LengthSize); err != nil {
		return 0, err
	}

	var b [LengthSize]byte
	a.consume(b[:])
	return DecodeUint32(b), nil
}

// Next returns the next n bytes. On error nothing is consumed.
func (a *Assembler) Next(n uint32) ([]byte, error) {
	if err := a.ensure(uint64(n)); err != nil {
		return nil, err
	}

	out := make([]byte, n)
	a.consume(out)
	return out, nil
}

// ensure keeps pulling from the source while the buffer is short and the
// source keeps producing bytes.
func (a *Assembler) ensure(n uint64) error {
	for a.source != nil && uint64(a.size) < n {
		data := a.source()
		if len(data) == 0 {
			break
		}

		a.Put(data)
	}

	if uint64(a.size) < n {
		return fmt.Errorf("%w: requested %d bytes, %d buffered", ErrUnderflow, n, a.size)
	}

	return nil
}

// consume fills dst from the head of the buffer, the caller has already
// checked that enough bytes are buffered.
func (a *Assembler) consume(dst []byte) {
	for copied := 0; copied < len(dst); {
		front, _ := a.chunks.Front()

		n := copy(dst[copied:], front[a.head:])
		copied += n
		a.head += n

		if a.head == len(front) {
			a.chunks.PopFront()
			a.head = 0
		}
	}

	a.size -= len(dst)
}
