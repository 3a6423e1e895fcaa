package daemon

import "net"

// Connection is one entry of the fixed-size connection table. Busy marks a
// connection whose stdout fd has been handed to
// a running task; while true, the event loop still reads further requests
// from it (the socket's read and write directions are independent), but it
// is not reused by accept() bookkeeping.
type Connection struct {
	ID   int
	Conn net.Conn
	Busy bool
}

// ConnTable is the fixed-capacity connection table. Like Registry, it is
// owned exclusively by the event loop goroutine and needs no locking.
type ConnTable struct {
	slots  []*Connection
	cursor int
	count  int
}

// NewConnTable builds a table with the given fixed capacity.
func NewConnTable(capacity int) *ConnTable {
	return &ConnTable{slots: make([]*Connection, capacity), cursor: -1}
}

// Count returns the number of connections currently open.
func (t *ConnTable) Count() int { return t.count }

// Len returns the table capacity.
func (t *ConnTable) Len() int { return len(t.slots) }

// Add registers a newly accepted connection, returning its stable id and
// false if the table is full.
func (t *ConnTable) Add(conn net.Conn) (int, bool) {
	n := len(t.slots)
	for i := 0; i < n; i++ {
		t.cursor = (t.cursor + 1) % n
		if t.slots[t.cursor] == nil {
			t.slots[t.cursor] = &Connection{ID: t.cursor, Conn: conn}
			t.count++
			return t.cursor, true
		}
	}
	return -1, false
}

// IDs returns the ids of every currently open connection, in slot order.
// Used by shutdown to sweep every connection without racing its own
// mutation of the table.
func (t *ConnTable) IDs() []int {
	var ids []int
	for i, c := range t.slots {
		if c != nil {
			ids = append(ids, i)
		}
	}
	return ids
}

// Get returns the connection at id, if any.
func (t *ConnTable) Get(id int) (*Connection, bool) {
	if id < 0 || id >= len(t.slots) || t.slots[id] == nil {
		return nil, false
	}
	return t.slots[id], true
}

// SetBusy marks the connection as holding a running task's stdout, or
// clears the flag once that task completes.
func (t *ConnTable) SetBusy(id int, busy bool) {
	if c, ok := t.Get(id); ok {
		c.Busy = busy
	}
}

// Close tears down the connection at id. When killTasks is true, every
// task in reg bound to this connection is signaled before the socket is
// closed; the protocol's "close" verb never sets this, only the daemon's
// shutdown sweep does.
func (t *ConnTable) Close(id int, reg *Registry, killTasks bool, signal func(pid int) error) error {
	c, ok := t.Get(id)
	if !ok {
		return nil
	}
	if killTasks && reg != nil {
		reg.Occupied(func(_ int, s TaskSlot) {
			if s.ConnID == id && s.PID != 0 {
				_ = signal(s.PID)
			}
		})
	}
	err := c.Conn.Close()
	t.slots[id] = nil
	t.count--
	return err
}
