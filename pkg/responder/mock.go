package responder

import (
	"sync"
)

// MockRequest is a request recorded by Mock.
type MockRequest struct {
	Kind     Kind
	Register RegisterRequest
	Resolve  ResolveRequest
	Browse   BrowseRequest
	Handle   *Handle
}

// Mock provides an in-memory responder for testing without real network I/O.
// Requests are recorded and their handles stay silent until the test
// delivers a reply.
type Mock struct {
	mu        sync.Mutex
	requests  []MockRequest
	submitErr error
	texts     map[*Handle][][]string
}

// NewMock creates a new mock responder.
func NewMock() *Mock {
	return &Mock{
		texts: make(map[*Handle][][]string),
	}
}

// FailSubmissions makes subsequent requests fail with err. A nil err
// restores normal behaviour.
func (m *Mock) FailSubmissions(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

func (m *Mock) record(req MockRequest) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.submitErr != nil {
		return nil, m.submitErr
	}

	h := newHandle(req.Kind)
	if req.Kind == KindRegister {
		h.onSetText = func(text []string) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.texts[h] = append(m.texts[h], append([]string(nil), text...))
			return nil
		}
	}
	req.Handle = h
	m.requests = append(m.requests, req)
	return h, nil
}

// Register implements Responder.
func (m *Mock) Register(req RegisterRequest) (*Handle, error) {
	return m.record(MockRequest{Kind: KindRegister, Register: req})
}

// Resolve implements Responder.
func (m *Mock) Resolve(req ResolveRequest) (*Handle, error) {
	return m.record(MockRequest{Kind: KindResolve, Resolve: req})
}

// Browse implements Responder.
func (m *Mock) Browse(req BrowseRequest) (*Handle, error) {
	return m.record(MockRequest{Kind: KindBrowse, Browse: req})
}

// Monitor implements Responder.
func (m *Mock) Monitor(req ResolveRequest) (*Handle, error) {
	return m.record(MockRequest{Kind: KindMonitor, Resolve: req})
}

// Requests returns all recorded requests in submission order.
func (m *Mock) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRequest(nil), m.requests...)
}

// Last returns the most recent request of the given kind.
func (m *Mock) Last(kind Kind) (MockRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.requests) - 1; i >= 0; i-- {
		if m.requests[i].Kind == kind {
			return m.requests[i], true
		}
	}
	return MockRequest{}, false
}

// Live returns the number of handles that have not been released.
func (m *Mock) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, req := range m.requests {
		if !req.Handle.Released() {
			n++
		}
	}
	return n
}

// TextUpdates returns the TXT records pushed to a registration handle.
func (m *Mock) TextUpdates(h *Handle) [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.texts[h]...)
}

// Reply delivers r on h as the daemon would.
func (m *Mock) Reply(h *Handle, r Reply) {
	h.deliver(r)
}

// Fail delivers an error reply on h.
func (m *Mock) Fail(h *Handle, code ErrorCode) {
	h.deliver(Reply{Err: code})
}
