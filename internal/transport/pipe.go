package transport

import (
	"sync"

	"github.com/go-logr/logr"
)

type pipeWire struct {
	name string
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

func (p pipeWire) read() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.done:
		return nil, ErrClosed
	}
}

func (p pipeWire) write(data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p pipeWire) close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p pipeWire) addr() string {
	return p.name
}

// Pipe returns two connected in-memory ends. Closing either end closes both.
func Pipe(logger logr.Logger) (*Conn, *Conn) {
	ab := make(chan []byte, sendBuffer)
	ba := make(chan []byte, sendBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	a := newConn(pipeWire{name: "pipe-a", in: ba, out: ab, done: done, once: once}, logger)
	b := newConn(pipeWire{name: "pipe-b", in: ab, out: ba, done: done, once: once}, logger)
	return a, b
}
