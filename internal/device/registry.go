package device

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/copypaste/relay-server-go/internal/errors"
)

type Stats struct {
	Online  int `json:"online"`
	Offline int `json:"offline"`
}

// Registry is the single device table keyed by device id. Offline devices stay
// in the table with a nil connection until reclaimed or pruned.
type Registry struct {
	devices sync.Map // device id -> *Device
	conns   sync.Map // connection id -> *Device
	grace   time.Duration

	onRemove func(*Device)
}

func NewRegistry(grace time.Duration) *Registry {
	return &Registry{grace: grace}
}

// OnRemove sets the hook run after a device record leaves the table, either
// pruned after its grace period or merged into a restored identity. It must
// be set before the registry is used.
func (r *Registry) OnRemove(fn func(*Device)) {
	r.onRemove = fn
}

// Register allocates a fresh device with no role, bound to conn.
func (r *Registry) Register(conn Conn) *Device {
	d := &Device{
		id:   uuid.NewString(),
		conn: conn,
	}
	r.devices.Store(d.id, d)
	r.conns.Store(conn.ID(), d)

	log.Debug().
		Str("deviceId", d.id).
		Str("connId", conn.ID()).
		Msg("device registered")

	return d
}

// Unregister parks the device behind conn offline and starts its grace timer.
// It returns false when conn is no longer bound to any device.
func (r *Registry) Unregister(conn Conn) bool {
	v, ok := r.conns.Load(conn.ID())
	if !ok {
		return false
	}
	d := v.(*Device)

	d.mu.Lock()
	if d.removed || d.conn == nil || d.conn.ID() != conn.ID() {
		d.mu.Unlock()
		r.conns.CompareAndDelete(conn.ID(), d)
		return false
	}

	d.conn = nil
	d.generation++
	gen := d.generation
	d.grace = time.AfterFunc(r.grace, func() { r.prune(d, gen) })
	r.conns.CompareAndDelete(conn.ID(), d)
	d.mu.Unlock()

	log.Debug().
		Str("deviceId", d.id).
		Str("connId", conn.ID()).
		Dur("grace", r.grace).
		Msg("device offline")

	return true
}

// prune drops an offline record whose grace period ran out. A restore that
// got the lock first bumps the generation, which turns this into a no-op.
func (r *Registry) prune(d *Device, gen uint64) {
	d.mu.Lock()
	if d.removed || d.conn != nil || d.generation != gen {
		d.mu.Unlock()
		return
	}
	d.removed = true
	d.grace = nil
	r.devices.CompareAndDelete(d.id, d)
	d.mu.Unlock()

	log.Info().
		Str("deviceId", d.id).
		Str("pairId", d.PairID()).
		Msg("offline device pruned")

	if r.onRemove != nil {
		r.onRemove(d)
	}
}

func (r *Registry) FindByConnection(conn Conn) (*Device, bool) {
	v, ok := r.conns.Load(conn.ID())
	if !ok {
		return nil, false
	}
	d := v.(*Device)
	if !d.isConn(conn.ID()) {
		return nil, false
	}
	return d, true
}

func (r *Registry) FindByDeviceID(id string) (*Device, bool) {
	v, ok := r.devices.Load(id)
	if !ok {
		return nil, false
	}
	d := v.(*Device)
	if d.isRemoved() {
		return nil, false
	}
	return d, true
}

func (r *Registry) FindOfflineByDeviceID(id string) (*Device, bool) {
	d, ok := r.FindByDeviceID(id)
	if !ok || d.Online() {
		return nil, false
	}
	return d, true
}

// RestoreAndMerge moves the connection of fresh onto the offline record,
// cancels its grace timer and drops fresh from the table. The returned device
// keeps the offline record's id, pair and role and is online.
func (r *Registry) RestoreAndMerge(offline, fresh *Device) (*Device, error) {
	if offline == fresh {
		return nil, apperrors.DeviceNotFound(offline.id)
	}

	first, second := offline, fresh
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()

	if offline.removed || offline.conn != nil {
		second.mu.Unlock()
		first.mu.Unlock()
		return nil, apperrors.DeviceNotFound(offline.id)
	}
	if fresh.removed || fresh.conn == nil {
		second.mu.Unlock()
		first.mu.Unlock()
		return nil, apperrors.NotFound("Connection")
	}

	conn := fresh.conn
	if offline.grace != nil {
		offline.grace.Stop()
		offline.grace = nil
	}
	offline.generation++
	offline.conn = conn

	fresh.conn = nil
	fresh.removed = true
	freshPaired := fresh.pairID != ""

	r.devices.CompareAndDelete(fresh.id, fresh)
	r.conns.Store(conn.ID(), offline)

	second.mu.Unlock()
	first.mu.Unlock()

	log.Info().
		Str("deviceId", offline.id).
		Str("mergedId", fresh.id).
		Str("connId", conn.ID()).
		Msg("device restored")

	if freshPaired && r.onRemove != nil {
		r.onRemove(fresh)
	}

	return offline, nil
}

func (r *Registry) Stats() Stats {
	var s Stats
	r.devices.Range(func(_, v any) bool {
		d := v.(*Device)
		d.mu.Lock()
		if !d.removed {
			if d.conn != nil {
				s.Online++
			} else {
				s.Offline++
			}
		}
		d.mu.Unlock()
		return true
	})
	return s
}
