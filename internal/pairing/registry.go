package pairing

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/copypaste/relay-server-go/internal/device"
	apperrors "github.com/copypaste/relay-server-go/internal/errors"
	"github.com/copypaste/relay-server-go/internal/model"
	"github.com/copypaste/relay-server-go/internal/token"
)

type Stats struct {
	Pairs                int `json:"pairs"`
	Complete             int `json:"complete"`
	AwaitingConfirmation int `json:"awaitingConfirmation"`
	Unacknowledged       int `json:"unacknowledged"`
}

// Registry owns every live Pair. Pairs are looked up through the device that
// belongs to them, so the device table stays the single source of membership.
type Registry struct {
	pairs   sync.Map // pair id -> *Pair
	devices *device.Registry
	tokens  *token.Registry
	now     func() time.Time
}

func NewRegistry(devices *device.Registry, tokens *token.Registry) *Registry {
	return &Registry{
		devices: devices,
		tokens:  tokens,
		now:     time.Now,
	}
}

// InitPair creates a pair owned by the device behind conn. A pair the device
// already owned is closed and its tokens revoked; a slot it held in someone
// else's pair is freed.
func (r *Registry) InitPair(conn device.Conn, publicKey string) (*Pair, error) {
	d, ok := r.devices.FindByConnection(conn)
	if !ok {
		return nil, apperrors.NotFound("Device")
	}

	if prev, ok := r.Find(d.PairID()); ok {
		r.leave(prev, d)
	}

	p := newPair(uuid.NewString(), d, publicKey, r.now())
	if !d.Claim(p.id, model.RolePrimary) {
		return nil, apperrors.AlreadyPaired()
	}
	r.pairs.Store(p.id, p)

	log.Info().
		Str("pairId", p.id).
		Str("deviceId", d.ID()).
		Msg("pair created")

	return p, nil
}

func (r *Registry) Find(pairID string) (*Pair, bool) {
	if pairID == "" {
		return nil, false
	}
	v, ok := r.pairs.Load(pairID)
	if !ok {
		return nil, false
	}
	p := v.(*Pair)
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, false
	}
	return p, true
}

// FindBySocket resolves the pair of the device behind conn, including a
// pending manual-code candidate.
func (r *Registry) FindBySocket(conn device.Conn) (*Pair, bool) {
	d, ok := r.devices.FindByConnection(conn)
	if !ok {
		return nil, false
	}
	return r.Find(d.PairID())
}

func (r *Registry) FindByDeviceID(id string) (*Pair, bool) {
	d, ok := r.devices.FindByDeviceID(id)
	if !ok {
		return nil, false
	}
	return r.Find(d.PairID())
}

// OnDeviceRemoved runs when a device record leaves the device table. Losing
// the primary ends the pair; losing anyone else frees their slot.
func (r *Registry) OnDeviceRemoved(d *device.Device) {
	p, ok := r.Find(d.PairID())
	if !ok {
		return
	}
	r.leave(p, d)
}

// leave removes d from p, closing p when d is its primary.
func (r *Registry) leave(p *Pair, d *device.Device) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.primary != d {
		detached := p.detachLocked(d)
		p.mu.Unlock()
		if detached {
			log.Info().
				Str("pairId", p.id).
				Str("deviceId", d.ID()).
				Msg("device left pair")
		}
		return
	}

	members := p.closeLocked()
	for _, m := range members {
		m.Release(p.id)
	}
	p.mu.Unlock()

	r.pairs.CompareAndDelete(p.id, p)
	revoked := r.tokens.RevokePair(p.id)

	log.Info().
		Str("pairId", p.id).
		Str("deviceId", d.ID()).
		Int("revokedTokens", revoked).
		Msg("pair closed")
}

func (r *Registry) Stats() Stats {
	var s Stats
	r.pairs.Range(func(_, v any) bool {
		p := v.(*Pair)
		p.mu.Lock()
		if !p.closed {
			s.Pairs++
			if p.secondary != nil {
				s.Complete++
			}
			if p.pending != nil {
				s.AwaitingConfirmation++
			}
			if p.lastPayload != nil && !p.acknowledged {
				s.Unacknowledged++
			}
		}
		p.mu.Unlock()
		return true
	})
	return s
}
