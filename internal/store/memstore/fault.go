package memstore

// Op names a store operation a fault can be injected into
type Op string

const (
	OpFind              Op = "find"
	OpLock              Op = "lock"
	OpUpdateBalance     Op = "update_balance"
	OpInsertTransaction Op = "insert_transaction"
	OpCommit            Op = "commit"
)

// Fault makes an operation fail with Err. The first Skip calls succeed, then
// Times calls fail. Times 0 fails until the fault is cleared.
type Fault struct {
	Err   error
	Skip  int
	Times int

	calls int
}

// Inject replaces any fault already set for op
func (s *Store) Inject(op Op, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.calls = 0
	s.faults[op] = &f
}

// Clear removes every injected fault
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[Op]*Fault)
}

func (s *Store) fail(op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.faults[op]
	if !ok {
		return nil
	}
	f.calls++
	if f.calls <= f.Skip {
		return nil
	}
	if f.Times > 0 && f.calls > f.Skip+f.Times {
		delete(s.faults, op)
		return nil
	}
	return f.Err
}
