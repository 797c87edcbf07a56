package protocol

import (
	"context"
	"sync"
)

// Pipe returns two connected in-process transports. Closing either end
// closes both. Frames still go through Encode/Decode so the pair behaves
// like a real connection.
func Pipe(buffer int) (*PipeTransport, *PipeTransport) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &PipeTransport{in: ba, out: ab, done: done, once: once}
	b := &PipeTransport{in: ab, out: ba, done: done, once: once}
	return a, b
}

// PipeTransport is one end of a Pipe
type PipeTransport struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

func (p *PipeTransport) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case data := <-p.in:
		return Decode(data)
	case <-p.done:
		// drain what was written before close
		select {
		case data := <-p.in:
			return Decode(data)
		default:
		}
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (p *PipeTransport) WriteFrame(ctx context.Context, f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeTransport) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// Closed is closed once either end of the pipe is closed
func (p *PipeTransport) Closed() <-chan struct{} { return p.done }
