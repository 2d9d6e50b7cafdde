package conversation

import (
	"context"
	"sync"
)

// Store keeps bounded, in-memory turn history per conversation key. It is
// safe for concurrent use. Nothing is persisted; a process restart starts
// every conversation from empty.
type Store struct {
	mu            sync.Mutex
	conversations map[Key][]Turn
	locks         map[Key]*keyLock
	trimmer       PairTrimmer
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// Stats summarizes the store contents.
type Stats struct {
	Conversations int
	Turns         int
}

// NewStore creates an empty store capping each conversation at maxTurns.
// A non-positive maxTurns selects DefaultMaxTurns.
func NewStore(maxTurns int) *Store {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Store{
		conversations: make(map[Key][]Turn),
		locks:         make(map[Key]*keyLock),
		trimmer:       PairTrimmer{Max: maxTurns},
	}
}

// MaxTurns returns the per-conversation cap.
func (s *Store) MaxTurns() int {
	return s.trimmer.Max
}

// GetOrCreate returns the conversation for key, registering an empty one
// when absent.
func (s *Store) GetOrCreate(key Key) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns, ok := s.conversations[key]
	if !ok {
		turns = []Turn{}
		s.conversations[key] = turns
	}
	return Conversation{Key: key, Turns: cloneTurns(turns)}
}

// AppendUser records a user turn, creating the conversation if needed.
func (s *Store) AppendUser(key Key, content string) {
	s.append(key, Turn{Role: RoleUser, Content: content})
}

// AppendAssistant records an assistant turn. Callers only do this after a
// successful completion.
func (s *Store) AppendAssistant(key Key, content string) {
	s.append(key, Turn{Role: RoleAssistant, Content: content})
}

func (s *Store) append(key Key, turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[key] = append(s.conversations[key], turn)
}

// Trim evicts the oldest pairs of key's history until it fits the cap.
// Pairs are removed without looking at roles, so an irregular history can
// still be left starting with an assistant turn.
func (s *Store) Trim(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns, ok := s.conversations[key]
	if !ok {
		return
	}
	trimmed := s.trimmer.Trim(turns)
	if len(trimmed) == len(turns) {
		return
	}
	// Copy so the evicted turns are not pinned by the backing array.
	s.conversations[key] = cloneTurns(trimmed)
}

// Reset forgets key entirely. Resetting an unknown key is a no-op.
func (s *Store) Reset(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, key)
}

// Snapshot returns a copy of key's turns in chronological order.
func (s *Store) Snapshot(key Key) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTurns(s.conversations[key])
}

// Len returns the number of stored turns for key.
func (s *Store) Len(key Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations[key])
}

// Stats reports how many conversations and turns are held.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Conversations: len(s.conversations)}
	for _, turns := range s.conversations {
		st.Turns += len(turns)
	}
	return st
}

// Acquire enters key's exclusive scope, blocking while another holder is
// inside it. The returned release func must be called exactly once; extra
// calls are ignored. Distinct keys never contend.
func (s *Store) Acquire(ctx context.Context, key Key) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		s.dropRef(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			s.dropRef(key, l)
		})
	}, nil
}

func (s *Store) dropRef(key Key, l *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
}

func cloneTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
