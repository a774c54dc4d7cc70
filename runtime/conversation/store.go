package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/analyst/runtime/plan"
)

type (
	// Store is the single state surface of a thread. Mutations are serialized
	// and copy-on-write; readers may call State concurrently with writers.
	Store struct {
		mu        sync.RWMutex
		state     State
		listeners map[int]Listener
		nextID    int
		now       func() time.Time
		newID     func() string
	}

	// Listener receives every committed state. Listeners run synchronously on
	// the writer's goroutine after the write lock is released.
	Listener func(State)

	// StoreOption configures a Store.
	StoreOption func(*Store)
)

// WithClock sets the clock used to stamp new messages.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator sets the generator of message ids.
func WithIDGenerator(gen func() string) StoreOption {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// NewStore returns an empty store for the given thread.
func NewStore(threadID string, opts ...StoreOption) *Store {
	s := &Store{
		state:     State{ThreadID: threadID},
		listeners: make(map[int]Listener),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// State returns the latest snapshot.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe registers fn to receive every committed state and returns a
// function that removes it.
func (s *Store) Subscribe(fn Listener) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// AppendUser appends a user message with the given text.
func (s *Store) AppendUser(text string) State {
	return s.commit(func(st State) (State, bool) {
		st.Messages = appendMessage(st.Messages, Message{
			ID:        s.newID(),
			Role:      RoleUser,
			CreatedAt: s.now(),
			Content:   text,
		})
		return st, true
	})
}

// AppendAgentPlaceholder appends an empty agent message that subsequent
// events of the turn update.
func (s *Store) AppendAgentPlaceholder() State {
	return s.commit(func(st State) (State, bool) {
		st.Messages = appendMessage(st.Messages, Message{
			ID:        s.newID(),
			Role:      RoleAgent,
			CreatedAt: s.now(),
		})
		return st, true
	})
}

// AppendAgent appends a complete agent message with the given content.
func (s *Store) AppendAgent(content string) State {
	return s.commit(func(st State) (State, bool) {
		st.Messages = appendMessage(st.Messages, Message{
			ID:        s.newID(),
			Role:      RoleAgent,
			CreatedAt: s.now(),
			Content:   content,
		})
		return st, true
	})
}

// UpdateActiveAgent applies transform to a copy of the last message when it
// is an agent message. It is a no-op otherwise. transform receives a deep
// copy and may modify it freely.
func (s *Store) UpdateActiveAgent(transform func(*Message)) State {
	return s.commit(func(st State) (State, bool) {
		n := len(st.Messages)
		if n == 0 || st.Messages[n-1].Role != RoleAgent {
			return st, false
		}
		msgs := make([]Message, n)
		copy(msgs, st.Messages)
		m := msgs[n-1].Clone()
		transform(&m)
		msgs[n-1] = m
		st.Messages = msgs
		return st, true
	})
}

// UpdateTasks replaces the global task list with the result of transform.
func (s *Store) UpdateTasks(transform func([]plan.Task) []plan.Task) State {
	return s.commit(func(st State) (State, bool) {
		st.Tasks = plan.Clone(transform(plan.Clone(st.Tasks)))
		return st, true
	})
}

// SetBusy sets the busy indicator.
func (s *Store) SetBusy(busy bool) State {
	return s.commit(func(st State) (State, bool) {
		if st.Busy == busy {
			return st, false
		}
		st.Busy = busy
		return st, true
	})
}

// commit applies fn under the write lock and notifies listeners when fn
// reports a change.
func (s *Store) commit(fn func(State) (State, bool)) State {
	s.mu.Lock()
	next, changed := fn(s.state)
	if !changed {
		cur := s.state
		s.mu.Unlock()
		return cur
	}
	s.state = next
	listeners := make([]Listener, 0, len(s.listeners))
	for id := 0; id < s.nextID; id++ {
		if l, ok := s.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(next)
	}
	return next
}

// appendMessage returns a new slice holding msgs followed by m. The input
// backing array is never shared with the result.
func appendMessage(msgs []Message, m Message) []Message {
	out := make([]Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return append(out, m)
}
