package pairing

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/copypaste/relay-server-go/internal/device"
	apperrors "github.com/copypaste/relay-server-go/internal/errors"
	"github.com/copypaste/relay-server-go/internal/model"
	"github.com/copypaste/relay-server-go/internal/protocol"
)

// Pair binds one primary and at most one secondary device. A manual-code
// candidate waits in the pending slot until the primary confirms it.
//
// Lock order: Pair.mu before any device lock.
type Pair struct {
	id        string
	createdAt time.Time

	mu            sync.Mutex
	closed        bool
	primary       *device.Device
	primaryKey    string
	secondary     *device.Device
	secondaryKey  string
	secondaryKind model.TokenKind
	pending       *device.Device
	pendingKey    string
	pendingKind   model.TokenKind
	direction     model.Direction

	lastPayload  json.RawMessage
	relayedAt    time.Time
	acknowledged bool
}

func newPair(id string, primary *device.Device, publicKey string, now time.Time) *Pair {
	return &Pair{
		id:         id,
		createdAt:  now,
		primary:    primary,
		primaryKey: publicKey,
		direction:  model.DirectionAToB,
	}
}

func (p *Pair) ID() string {
	return p.id
}

func (p *Pair) CreatedAt() time.Time {
	return p.createdAt
}

// AttachSecondary binds d as the confirmed secondary. Holding a scan or invite
// token is enough proof, so no confirmation step follows.
func (p *Pair) AttachSecondary(conn device.Conn, publicKey string, d *device.Device, kind model.TokenKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkCandidateLocked(conn, d); err != nil {
		return err
	}
	if !d.Claim(p.id, model.RoleSecondary) {
		return apperrors.AlreadyPaired()
	}

	if p.pending != nil && p.pending != d {
		p.pending.Release(p.id)
	}
	p.clearPendingLocked()

	p.secondary = d
	p.secondaryKey = publicKey
	p.secondaryKind = kind
	return nil
}

// RegisterPendingSecondary stages d for the manual-code handshake. A later
// candidate replaces an earlier one that was never confirmed.
func (p *Pair) RegisterPendingSecondary(conn device.Conn, publicKey string, d *device.Device, kind model.TokenKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkCandidateLocked(conn, d); err != nil {
		return err
	}
	if !d.Claim(p.id, model.RoleUnset) {
		return apperrors.AlreadyPaired()
	}

	if p.pending != nil && p.pending != d {
		p.pending.Release(p.id)
	}
	p.pending = d
	p.pendingKey = publicKey
	p.pendingKind = kind
	return nil
}

// ConfirmPendingSecondary promotes the pending candidate to secondary.
func (p *Pair) ConfirmPendingSecondary() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return apperrors.PairNotFound()
	}
	if p.pending == nil {
		return apperrors.NothingPending()
	}
	if p.secondary != nil {
		return apperrors.SlotOccupied(string(model.RoleSecondary))
	}
	if !p.pending.Claim(p.id, model.RoleSecondary) {
		p.clearPendingLocked()
		return apperrors.NothingPending()
	}

	p.secondary = p.pending
	p.secondaryKey = p.pendingKey
	p.secondaryKind = p.pendingKind
	p.clearPendingLocked()
	return nil
}

func (p *Pair) ReconnectPrimary(d *device.Device) error {
	return p.reconnect(d, model.RolePrimary)
}

func (p *Pair) ReconnectSecondary(d *device.Device) error {
	return p.reconnect(d, model.RoleSecondary)
}

// reconnect rebinds a restored device into its slot. A slot held by a
// different live device is never taken over.
func (p *Pair) reconnect(d *device.Device, role model.Role) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return apperrors.PairNotFound()
	}
	if d.PairID() != p.id {
		return apperrors.PairMismatch()
	}

	slot := &p.primary
	if role == model.RoleSecondary {
		slot = &p.secondary
	}
	if current := *slot; current != nil && current != d && current.Online() {
		return apperrors.SlotOccupied(string(role))
	}
	if !d.Claim(p.id, role) {
		return apperrors.PairMismatch()
	}
	*slot = d
	return nil
}

func (p *Pair) ToggleDirection() model.Direction {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.direction = p.direction.Toggle()
	return p.direction
}

func (p *Pair) Direction() model.Direction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.direction
}

// HasPrimary reports whether the primary slot is held by an online device.
func (p *Pair) HasPrimary() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primary != nil && p.primary.Online()
}

// HasSecondary reports whether a confirmed secondary is online.
func (p *Pair) HasSecondary() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.secondary != nil && p.secondary.Online()
}

// Other returns the partner connection of conn. Only the primary and the
// confirmed secondary have a partner; it is absent while the partner is offline.
func (p *Pair) Other(conn device.Conn) (device.Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	other := p.otherLocked(conn)
	return other, other != nil
}

func (p *Pair) HasOther(conn device.Conn) bool {
	_, ok := p.Other(conn)
	return ok
}

// IsMember reports whether conn belongs to the primary or confirmed secondary.
func (p *Pair) IsMember(conn device.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roleOfLocked(conn) != model.RoleUnset
}

// IsPrimary reports whether conn is the primary's live connection.
func (p *Pair) IsPrimary(conn device.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roleOfLocked(conn) == model.RolePrimary
}

// Relay stores payload in the single relay slot and forwards it unchanged to
// the partner of from. Direction is not consulted. It reports whether the
// payload was handed to a live partner; an offline partner drops it.
func (p *Pair) Relay(from device.Conn, payload json.RawMessage) bool {
	p.mu.Lock()
	if p.closed || p.roleOfLocked(from) == model.RoleUnset {
		p.mu.Unlock()
		return false
	}
	p.lastPayload = payload
	p.relayedAt = time.Now()
	p.acknowledged = false
	other := p.otherLocked(from)
	p.mu.Unlock()

	if other == nil {
		return false
	}
	other.Emit(protocol.Data, payload)
	return true
}

// AcknowledgeReceived marks the relay slot as delivered. Nothing is re-sent.
func (p *Pair) AcknowledgeReceived(payload json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastPayload != nil {
		p.acknowledged = true
	}
}

// LastPayload returns the most recent relayed payload and whether the
// receiver has acknowledged it.
func (p *Pair) LastPayload() (json.RawMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPayload, p.acknowledged
}

func (p *Pair) PrimaryDeviceID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return deviceID(p.primary)
}

func (p *Pair) SecondaryDeviceID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return deviceID(p.secondary)
}

func (p *Pair) PendingDeviceID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return deviceID(p.pending)
}

func (p *Pair) PrimaryPublicKey() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primaryKey
}

func (p *Pair) SecondaryPublicKey() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.secondaryKey
}

// SecondaryKind is the token kind the confirmed secondary joined with.
func (p *Pair) SecondaryKind() model.TokenKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.secondaryKind
}

// PrimaryConn returns the primary's live connection, or nil while offline.
func (p *Pair) PrimaryConn() device.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return liveConn(p.primary)
}

// SecondaryConn returns the confirmed secondary's live connection, or nil.
func (p *Pair) SecondaryConn() device.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return liveConn(p.secondary)
}

func (p *Pair) checkCandidateLocked(conn device.Conn, d *device.Device) error {
	if p.closed {
		return apperrors.PairNotFound()
	}
	if d.ConnID() != conn.ID() {
		return apperrors.DeviceNotFound(d.ID())
	}
	if p.secondary != nil {
		return apperrors.SlotOccupied(string(model.RoleSecondary))
	}
	if d == p.primary {
		return apperrors.AlreadyPaired()
	}
	return nil
}

func (p *Pair) clearPendingLocked() {
	p.pending = nil
	p.pendingKey = ""
	p.pendingKind = ""
}

func (p *Pair) roleOfLocked(conn device.Conn) model.Role {
	if conn == nil {
		return model.RoleUnset
	}
	switch id := conn.ID(); {
	case p.primary != nil && p.primary.ConnID() == id:
		return model.RolePrimary
	case p.secondary != nil && p.secondary.ConnID() == id:
		return model.RoleSecondary
	default:
		return model.RoleUnset
	}
}

func (p *Pair) otherLocked(conn device.Conn) device.Conn {
	switch p.roleOfLocked(conn) {
	case model.RolePrimary:
		return liveConn(p.secondary)
	case model.RoleSecondary:
		return liveConn(p.primary)
	default:
		return nil
	}
}

// detachLocked frees the slot d holds, if any, and reports whether it did.
func (p *Pair) detachLocked(d *device.Device) bool {
	switch d {
	case p.secondary:
		p.secondary = nil
		p.secondaryKey = ""
		p.secondaryKind = ""
	case p.pending:
		p.clearPendingLocked()
	default:
		return false
	}
	d.Release(p.id)
	return true
}

// closeLocked marks the pair dead and returns every device it still bound.
func (p *Pair) closeLocked() []*device.Device {
	p.closed = true
	var members []*device.Device
	for _, d := range []*device.Device{p.primary, p.secondary, p.pending} {
		if d != nil {
			members = append(members, d)
		}
	}
	return members
}

func deviceID(d *device.Device) string {
	if d == nil {
		return ""
	}
	return d.ID()
}

func liveConn(d *device.Device) device.Conn {
	if d == nil {
		return nil
	}
	return d.Conn()
}
