package device

import (
	"sync"
	"time"

	"github.com/copypaste/relay-server-go/internal/model"
	"github.com/copypaste/relay-server-go/internal/protocol"
)

// Conn is a live client connection. Emit must not block: implementations
// queue the frame and drop it when the connection cannot keep up. A Conn that
// also has a Close() method is closed when a reconnect replaces it.
type Conn interface {
	ID() string
	RemoteAddr() string
	Emit(event protocol.Event, args ...any)
}

// Device is the stable identity of one client endpoint. The record outlives
// its connections: while offline conn is nil and a grace timer is pending.
type Device struct {
	id string

	mu         sync.Mutex
	conn       Conn
	pairID     string
	role       model.Role
	grace      *time.Timer
	generation uint64
	removed    bool
}

func (d *Device) ID() string {
	return d.id
}

// Conn returns the live connection, or nil while the device is offline.
func (d *Device) Conn() Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

func (d *Device) ConnID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return ""
	}
	return d.conn.ID()
}

func (d *Device) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

func (d *Device) PairID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pairID
}

func (d *Device) Role() model.Role {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.role
}

// Claim binds the device to pairID with role. It fails when the device already
// belongs to a different pair.
func (d *Device) Claim(pairID string, role model.Role) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pairID != "" && d.pairID != pairID {
		return false
	}
	d.pairID = pairID
	d.role = role
	return true
}

// Release clears the pair binding if it still points at pairID.
func (d *Device) Release(pairID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pairID != pairID {
		return false
	}
	d.pairID = ""
	d.role = model.RoleUnset
	return true
}

// isConn reports whether conn is the device's current connection.
func (d *Device) isConn(connID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.removed && d.conn != nil && d.conn.ID() == connID
}

func (d *Device) isRemoved() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}
