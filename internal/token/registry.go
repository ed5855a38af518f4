package token

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/copypaste/relay-server-go/internal/model"
	"github.com/copypaste/relay-server-go/internal/util"
)

const (
	tokenLength       = 32
	manualCodeLength  = 6
	maxCreateAttempts = 10
)

// Token authorizes joining a pair as its secondary device.
type Token struct {
	Value     string          `json:"-"`
	Kind      model.TokenKind `json:"kind"`
	PairID    string          `json:"pairId"`
	ExpiresAt time.Time       `json:"expiresAt"`

	lifetime time.Duration
}

// Lifetime is the validity window granted at creation.
func (t *Token) Lifetime() time.Duration {
	return t.lifetime
}

func (t *Token) expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Lifetimes holds how long each kind of token stays redeemable.
type Lifetimes struct {
	Scan   time.Duration
	Invite time.Duration
	Manual time.Duration
}

func (l Lifetimes) of(kind model.TokenKind) time.Duration {
	switch kind {
	case model.TokenKindInvite:
		return l.Invite
	case model.TokenKindManual:
		return l.Manual
	default:
		return l.Scan
	}
}

type Stats struct {
	Scan   int `json:"scan"`
	Invite int `json:"invite"`
	Manual int `json:"manual"`
}

type Registry struct {
	tokens    sync.Map // value -> *Token
	lifetimes Lifetimes
	now       func() time.Time
}

func NewRegistry(lifetimes Lifetimes) *Registry {
	return &Registry{
		lifetimes: lifetimes,
		now:       time.Now,
	}
}

// Create issues a token of kind for pairID. Values are unique among live tokens.
func (r *Registry) Create(pairID string, kind model.TokenKind) (*Token, error) {
	lifetime := r.lifetimes.of(kind)

	for attempts := 0; attempts < maxCreateAttempts; attempts++ {
		value, err := generateValue(kind)
		if err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}

		t := &Token{
			Value:     value,
			Kind:      kind,
			PairID:    pairID,
			ExpiresAt: r.now().Add(lifetime),
			lifetime:  lifetime,
		}
		if _, taken := r.tokens.LoadOrStore(value, t); taken {
			continue
		}

		log.Debug().
			Str("token", util.MaskCode(value)).
			Str("kind", string(kind)).
			Str("pairId", pairID).
			Time("expiresAt", t.ExpiresAt).
			Msg("token created")

		return t, nil
	}

	return nil, fmt.Errorf("generate token: no unique value after %d attempts", maxCreateAttempts)
}

// Redeem looks up value among tokens of the accepted kinds. Expired tokens and
// tokens of another kind are reported as not found. A single-use token is
// removed by the same call that returns it, so only one redeemer can win.
func (r *Registry) Redeem(value string, kinds ...model.TokenKind) (*Token, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, false
	}

	v, ok := r.tokens.Load(value)
	if !ok {
		return nil, false
	}
	t := v.(*Token)

	if t.expired(r.now()) {
		r.tokens.CompareAndDelete(value, t)
		return nil, false
	}
	if !accepts(kinds, t.Kind) {
		return nil, false
	}
	if t.Kind.SingleUse() && !r.tokens.CompareAndDelete(value, t) {
		return nil, false
	}

	return t, true
}

// RevokePair removes every token issued for pairID.
func (r *Registry) RevokePair(pairID string) int {
	revoked := 0
	r.tokens.Range(func(k, v any) bool {
		if v.(*Token).PairID == pairID && r.tokens.CompareAndDelete(k, v) {
			revoked++
		}
		return true
	})
	return revoked
}

// DeleteExpired sweeps tokens nobody redeemed before they expired.
func (r *Registry) DeleteExpired(ctx context.Context) (int64, error) {
	now := r.now()
	var deleted int64
	r.tokens.Range(func(k, v any) bool {
		if ctx.Err() != nil {
			return false
		}
		if v.(*Token).expired(now) && r.tokens.CompareAndDelete(k, v) {
			deleted++
		}
		return true
	})
	return deleted, ctx.Err()
}

func (r *Registry) Stats() Stats {
	now := r.now()
	var s Stats
	r.tokens.Range(func(_, v any) bool {
		t := v.(*Token)
		if t.expired(now) {
			return true
		}
		switch t.Kind {
		case model.TokenKindScan:
			s.Scan++
		case model.TokenKindInvite:
			s.Invite++
		case model.TokenKindManual:
			s.Manual++
		}
		return true
	})
	return s
}

func accepts(kinds []model.TokenKind, kind model.TokenKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func generateValue(kind model.TokenKind) (string, error) {
	if kind == model.TokenKindManual {
		return util.RandomString(util.CodeAlphabet, manualCodeLength)
	}
	return util.RandomString(util.TokenAlphabet, tokenLength)
}
