package queue

import "sync/atomic"

// requestTable maps identifiers to in-flight requests. Slots are indexed
// by the low bits of the identifier; each slot stores the full identifier
// via the request header, so a reused slot rejects lookups with a stale
// identifier. Slot accesses are atomic: the clear on identifier release is
// the hand-off that lets a late lookup fail safely instead of touching a
// recycled request.
type requestTable struct {
	mask  uint64
	slots []atomic.Pointer[Request]
}

func newRequestTable(space uint64) *requestTable {
	return &requestTable{
		mask:  space - 1,
		slots: make([]atomic.Pointer[Request], space),
	}
}

func (t *requestTable) store(req *Request) {
	t.slots[req.In.Unique&t.mask].Store(req)
}

func (t *requestTable) clear(unique uint64) {
	t.slots[unique&t.mask].Store(nil)
}

// find returns the live request for unique, or an error when the slot is
// empty or holds a request with a different identifier.
func (t *requestTable) find(op string, unique uint64) (*Request, error) {
	req := t.slots[unique&t.mask].Load()
	if req == nil {
		return nil, NewRequestError(op, unique, CodeUnknownIdentifier, "no request for identifier")
	}
	if req.In.Unique != unique {
		return nil, NewRequestError(op, unique, CodeIdentifierStale, "identifier does not match slot")
	}
	return req, nil
}

// collect returns every live request in the table, in slot order.
func (t *requestTable) collect() []*Request {
	var reqs []*Request
	for i := range t.slots {
		if req := t.slots[i].Load(); req != nil {
			reqs = append(reqs, req)
		}
	}
	return reqs
}
