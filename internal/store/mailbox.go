package store

import "sync"

// Mailbox delivers values to one consumer in order without ever blocking
// the producer.
type Mailbox[T any] struct {
	deliver func(T)

	mu    sync.Mutex
	items []T
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewMailbox[T any](deliver func(T)) *Mailbox[T] {
	m := &Mailbox[T]{
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go m.loop()
	return m
}

// Put queues v. It returns false once the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops delivery. Queued values are dropped.
func (m *Mailbox[T]) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Mailbox[T]) loop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			if len(m.items) == 0 {
				m.mu.Unlock()
				break
			}
			batch := m.items
			m.items = nil
			m.mu.Unlock()
			for _, v := range batch {
				select {
				case <-m.done:
					return
				default:
				}
				m.deliver(v)
			}
		}
	}
}
