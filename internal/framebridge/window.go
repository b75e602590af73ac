package framebridge

import (
	"context"
	"errors"
	"sync"
)

// ErrWindowClosed is returned when posting to a closed window.
var ErrWindowClosed = errors.New("frame bridge: window closed")

// Window is a cross-window messaging primitive scoped to one frame. Messages
// posted on one side reach the listeners of the other side in post order.
type Window interface {
	PostMessage(ctx context.Context, msg Message) error
	// Listen registers fn for inbound messages and returns a function that
	// removes it.
	Listen(fn func(Message)) (stop func())
}

// listeners is a set of callbacks shared by window implementations.
type listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Message)
}

func (l *listeners) add(fn func(Message)) func() {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = map[int]func(Message){}
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) emit(msg Message) {
	l.mu.Lock()
	fns := make([]func(Message), 0, len(l.fns))
	for i := 0; i < l.next; i++ {
		if fn, ok := l.fns[i]; ok {
			fns = append(fns, fn)
		}
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (l *listeners) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

// pipeEnd is one side of an in-process window pair.
type pipeEnd struct {
	peer  *pipeEnd
	ls    listeners
	inbox chan Message
	done  chan struct{}
	once  sync.Once
}

// Pipe returns two connected windows: messages posted on host are delivered to
// frame listeners and vice versa. Each side delivers on its own goroutine, in
// order. Messages arriving while nobody listens are dropped.
func Pipe() (host, frame *PipeWindow) {
	a := &pipeEnd{inbox: make(chan Message, 64), done: make(chan struct{})}
	b := &pipeEnd{inbox: make(chan Message, 64), done: make(chan struct{})}
	a.peer, b.peer = b, a
	go a.deliver()
	go b.deliver()
	return &PipeWindow{end: a}, &PipeWindow{end: b}
}

func (p *pipeEnd) deliver() {
	for {
		select {
		case msg := <-p.inbox:
			p.ls.emit(msg)
		case <-p.done:
			return
		}
	}
}

// PipeWindow is a Window backed by an in-process pipe.
type PipeWindow struct {
	end *pipeEnd
}

func (w *PipeWindow) PostMessage(ctx context.Context, msg Message) error {
	peer := w.end.peer
	select {
	case <-w.end.done:
		return ErrWindowClosed
	case <-peer.done:
		return ErrWindowClosed
	default:
	}
	select {
	case peer.inbox <- msg:
		return nil
	case <-peer.done:
		return ErrWindowClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *PipeWindow) Listen(fn func(Message)) func() { return w.end.ls.add(fn) }

// Listeners reports how many listeners are attached to this side.
func (w *PipeWindow) Listeners() int { return w.end.ls.count() }

// Close stops delivery on both sides.
func (w *PipeWindow) Close() {
	w.end.once.Do(func() { close(w.end.done) })
	w.end.peer.once.Do(func() { close(w.end.peer.done) })
}
