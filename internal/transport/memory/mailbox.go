package memory

import "sync"

// mailbox runs queued callbacks one at a time on its own goroutine, in
// push order. The queue is unbounded so a slow handler never blocks a
// sender.
type mailbox struct {
	mu     sync.Mutex
	items  []func()
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newMailbox() *mailbox {
	m := &mailbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	m.items = append(m.items, fn)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}

		for {
			m.mu.Lock()
			if len(m.items) == 0 {
				m.mu.Unlock()
				break
			}
			fn := m.items[0]
			m.items[0] = nil
			m.items = m.items[1:]
			m.mu.Unlock()

			select {
			case <-m.done:
				return
			default:
			}
			fn()
		}
	}
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.done) })
}
