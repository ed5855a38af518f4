package session

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/copypaste/relay-server-go/internal/audit"
	"github.com/copypaste/relay-server-go/internal/device"
	apperrors "github.com/copypaste/relay-server-go/internal/errors"
	"github.com/copypaste/relay-server-go/internal/model"
	"github.com/copypaste/relay-server-go/internal/pairing"
	"github.com/copypaste/relay-server-go/internal/protocol"
	"github.com/copypaste/relay-server-go/internal/ratelimit"
	"github.com/copypaste/relay-server-go/internal/token"
)

const redeemWindow = time.Minute

// UsageRecorder receives anonymous activity counters. Record must not block.
type UsageRecorder interface {
	Record(eventType model.UsageEventType, kind model.TokenKind)
}

type noopUsage struct{}

func (noopUsage) Record(model.UsageEventType, model.TokenKind) {}

type handlerFunc func(ctx context.Context, conn device.Conn, msg protocol.Message) error

// Router maps inbound protocol events onto the registries and emits the
// resulting outbound events. Events of one connection must be handled in
// arrival order; different connections may be handled concurrently.
type Router struct {
	devices *device.Registry
	tokens  *token.Registry
	pairs   *pairing.Registry

	limiter     ratelimit.Limiter
	redeemLimit int
	usage       UsageRecorder

	handlers map[protocol.Event]handlerFunc
}

// NewRouter wires the router. A nil limiter disables redemption throttling and
// a nil recorder discards usage events.
func NewRouter(
	devices *device.Registry,
	tokens *token.Registry,
	pairs *pairing.Registry,
	limiter ratelimit.Limiter,
	redeemLimit int,
	usage UsageRecorder,
) *Router {
	if usage == nil {
		usage = noopUsage{}
	}
	r := &Router{
		devices:     devices,
		tokens:      tokens,
		pairs:       pairs,
		limiter:     limiter,
		redeemLimit: redeemLimit,
		usage:       usage,
	}
	r.handlers = map[protocol.Event]handlerFunc{
		protocol.RequestPrimaryConnect:               r.primaryConnect,
		protocol.RequestPrimaryFreshToken:            r.primaryFreshToken,
		protocol.RequestSecondaryConnectByQR:         r.secondaryConnectByQR,
		protocol.RequestDeviceReconnect:              r.deviceReconnect,
		protocol.RequestPrimaryManualCode:            r.primaryManualCode,
		protocol.RequestSecondaryConnectByManualCode: r.secondaryConnectByManualCode,
		protocol.RequestSecondaryManualCodeHandshake: r.secondaryManualCodeHandshake,
		protocol.RequestPrimaryManualCodeConfirmed:   r.primaryManualCodeConfirmed,
		protocol.RequestToggleDirection:              r.toggleDirection,
		protocol.SendData:                            r.sendData,
		protocol.DataReceived:                        r.dataReceived,
	}
	return r
}

// Connect gives a new connection its device identity and tells the client
// its connection id, which device-reconnect takes as previousConnID.
func (r *Router) Connect(conn device.Conn) *device.Device {
	d := r.devices.Register(conn)
	r.usage.Record(model.UsageConnection, "")
	conn.Emit(protocol.Connected, conn.ID())
	return d
}

// Disconnect parks the device behind conn for its grace period and returns
// the id of the device it was bound to at that moment, or "" if none.
func (r *Router) Disconnect(conn device.Conn) string {
	var deviceID string
	if d, ok := r.devices.FindByConnection(conn); ok {
		deviceID = d.ID()
	}
	r.devices.Unregister(conn)
	return deviceID
}

// Handle dispatches one inbound message. Malformed messages are answered with
// error-invalid-payload before any registry is touched.
func (r *Router) Handle(ctx context.Context, conn device.Conn, msg protocol.Message) {
	h, ok := r.handlers[msg.Event]
	if !ok || !msg.Event.IsInbound() {
		log.Debug().Str("connId", conn.ID()).Str("event", msg.Event.String()).Msg("unknown event")
		conn.Emit(protocol.ErrorInvalidPayload, msg.Event)
		return
	}

	err := h(ctx, conn, msg)
	if err == nil {
		return
	}

	if apperrors.HasCode(err, apperrors.ErrCodeInvalidPayload) {
		log.Debug().Err(err).Str("connId", conn.ID()).Str("event", msg.Event.String()).Msg("invalid payload")
		conn.Emit(protocol.ErrorInvalidPayload, msg.Event)
		return
	}

	log.Debug().Err(err).Str("connId", conn.ID()).Str("event", msg.Event.String()).Msg("event rejected")
}

func (r *Router) primaryConnect(ctx context.Context, conn device.Conn, msg protocol.Message) error {
	publicKey, err := msg.String(0)
	if err != nil {
		return invalid(err)
	}

	p, err := r.pairs.InitPair(conn, publicKey)
	if err != nil {
		return err
	}
	tok, err := r.tokens.Create(p.ID(), model.TokenKindScan)
	if err != nil {
		return apperrors.Internal("failed to issue token").WithCause(err)
	}

	conn.Emit(protocol.UpdatePrimaryConnected, p.PrimaryDeviceID(), tok.Value, lifetimeMillis(tok))

	audit.Log(ctx, audit.Event{
		Type:     audit.EventPairCreated,
		DeviceID: p.PrimaryDeviceID(),
		PairID:   p.ID(),
		IP:       conn.RemoteAddr(),
	})
	r.usage.Record(model.UsagePairCreated, model.TokenKindScan)
	return nil
}

func (r *Router) primaryFreshToken(ctx context.Context, conn device.Conn, msg protocol.Message) error {
	wantsInvite, err := msg.Bool(0)
	if err != nil {
		return invalid(err)
	}

	p, ok := r.pairs.FindBySocket(conn)
	if !ok || !p.IsPrimary(conn) {
		return apperrors.PairNotFound()
	}

	kind := model.TokenKindScan
	if wantsInvite {
		kind = model.TokenKindInvite
	}
	tok, err := r.tokens.Create(p.ID(), kind)
	if err != nil {
		return apperrors.Internal("failed to issue token").WithCause(err)
	}

	conn.Emit(protocol.UpdatePrimaryFreshToken, tok.Value, lifetimeMillis(tok))
	return nil
}

func (r *Router) secondaryConnectByQR(ctx context.Context, conn device.Conn, msg protocol.Message) error {
	publicKey, err := msg.String(0)
	if err != nil {
		return invalid(err)
	}
	value, err := msg.String(1)
	if err != nil {
		return invalid(err)
	}

	if !r.allowRedeem(ctx, conn, msg.Event) {
		return apperrors.RateLimitExceeded()
	}

	d, ok := r.devices.FindByConnection(conn)
	if !ok {
		return apperrors.NotFound("Device")
	}

	p, tok, ok := r.redeem(value, model.TokenKindScan, model.TokenKindInvite)
	if !ok {
		r.tokenRejected(ctx, conn, d, msg.Event)
		conn.Emit(protocol.ErrorSecondaryConnectByQRTokenNotFound)
		return apperrors.TokenNotFound()
	}

	if err := p.AttachSecondary(conn, publicKey, d, tok.Kind); err != nil {
		return err
	}

	conn.Emit(protocol.UpdateSecondaryConnectedByQR, p.SecondaryDeviceID(), p.PrimaryPublicKey(), p.Direction())
	if primary := p.PrimaryConn(); primary != nil {
		primary.Emit(protocol.UpdateOtherConnected, p.SecondaryPublicKey())
	}

	audit.Log(ctx, audit.Event{
		Type:     audit.EventSecondaryAttached,
		DeviceID: d.ID(),
		PairID:   p.ID(),
		IP:       conn.RemoteAddr(),
		Details:  map[string]interface{}{"kind": string(tok.Kind)},
	})
	r.usage.Record(model.UsageSecondaryJoined, tok.Kind)
	return nil
}

func (r *Router) deviceReconnect(ctx context.Context, conn device.Conn, msg protocol.Message) error {
	deviceID, err := msg.String(0)
	if err != nil {
		return invalid(err)
	}
	previousConnID, err := msg.OptionalString(1)
	if err != nil {
		return invalid(err)
	}

	// The old socket may still look alive if its disconnect never arrived.
	if previousConnID != "" {
		if stale, ok := r.devices.FindByDeviceID(deviceID); ok && stale.ConnID() == previousConnID {
			if staleConn := stale.Conn(); staleConn != nil {
				r.devices.Unregister(staleConn)
				if c, ok := staleConn.(interface{ Close() }); ok {
					c.Close()
				}
			}
		}
	}

	fresh, freshOK := r.devices.FindByConnection(conn)
	offline, offlineOK := r.devices.FindOfflineByDeviceID(deviceID)
	if !freshOK || !offlineOK {
		known, ok := r.devices.FindByDeviceID(deviceID)
		mightNotHaveLoggedOff := ok && known.Online() && previousConnID == ""
		return r.reconnectRejected(ctx, conn, deviceID, mightNotHaveLoggedOff)
	}

	merged, err := r.devices.RestoreAndMerge(offline, fresh)
	if err != nil {
		return r.reconnectRejected(ctx, conn, deviceID, false)
	}

	p, ok := r.pairs.FindByDeviceID(merged.ID())
	if !ok {
		return r.reconnectRejected(ctx, conn, deviceID, false)
	}

	otherConnected := false
	switch merged.Role() {
	case model.RolePrimary:
		if err := p.ReconnectPrimary(merged); err != nil {
			return err
		}
		if secondary := p.SecondaryConn(); secondary != nil {
			otherConnected = true
			secondary.Emit(protocol.UpdateOtherReconnected)
		}
	case model.RoleSecondary:
		if err := p.ReconnectSecondary(merged); err != nil {
			return err
		}
		if primary := p.PrimaryConn(); primary != nil {
			otherConnected = true
			primary.Emit(protocol.UpdateOtherReconnected)
		}
	}

	conn.Emit(protocol.UpdateDeviceReconnected, otherConnected, p.Direction())

	audit.Log(ctx, audit.Event{
		Type:     audit.EventDeviceReconnected,
		DeviceID: merged.ID(),
		PairID:   p.ID(),
		IP:       conn.RemoteAddr(),
		Details:  map[string]interface{}{"role": string(merged.Role())},
	})
	r.usage.Record(model.UsageReconnect, "")
	return nil
}

func (r *Router) primaryManualCode(ctx context.Context, conn device.Conn, msg protocol.Message) error {
	p, ok := r.pairs.FindBySocket(conn)
	if !ok || !p.IsPrimary(conn) {
		return apperrors.PairNotFound()
	}

	tok, err := r.tokens.Create(p.ID(), model.TokenKindManual)
	if err != nil {
		return apperrors.Internal("failed to issue manual code").WithCause(err)
	}

	conn.Emit(protocol.UpdatePrimaryManualCode, tok.Value, lifetimeMillis(tok))
	return nil
}

func (r *Router) secondaryConnectByManualCode(ctx context.Context, conn device.Conn, msg protocol.Message) error {
	publicKey, err := msg.String(0)
	if err != nil {
		return invalid(err)
	}
	code, err := msg.String(1)
	if err != nil {
		return invalid(err)
	}

	if !r.allowRedeem(ctx, conn, msg.Event) {
		return apperrors.RateLimitExceeded()
	}

	d, ok := r.devices.FindByConnection(conn)
	if !ok {
		return apperrors.NotFound("Device")
	}

	p, tok, ok := r.redeem(strings.ToUpper(strings.TrimSpace(code)), model.TokenKindManual)
	if !ok {
		r.tokenRejected(ctx, conn, d, msg.Event)
		conn.Emit(protocol.ErrorSecondaryConnectByManualCodeTokenNotFound)
		return apperrors.TokenNotFound()
	}

	if err := p.RegisterPendingSecondary(conn, publicKey, d, tok.Kind); err != nil {
		return err
	}

	conn.Emit(protocol.UpdateSecondaryManualCodeAccepted, p.PendingDeviceID(), p.PrimaryPublicKey(), p.Direction())

	audit.Log(ctx, audit.Event{
		Type:     audit.EventSecondaryPending,
		DeviceID: d.ID(),
		PairID:   p.ID(),
		IP:       conn.RemoteAddr(),
	})
	return nil
}

func (r *Router) secondaryManualCodeHandshake(ctx context.Context, conn device.Conn, msg protocol.Message) error {
	confirmationCode, err := msg.String(0)
	if err != nil {
		return invalid(err)
	}

	d, ok := r.devices.FindByConnection(conn)
	if !ok {
		return apperrors.NotFound("Device")
	}
	p, ok := r.pairs.Find(d.PairID())
	if !ok || p.PendingDeviceID() != d.ID() {
		return apperrors.NothingPending()
	}

	if primary := p.PrimaryConn(); primary != nil {
		primary.Emit(protocol.RequestPrimaryManualCodeConfirmation, confirmationCode)
	}
	return nil
}

func (r *Router) primaryManualCodeConfirmed(ctx context.Context, conn device.Conn, msg protocol.Message) error {
	p, ok := r.pairs.FindBySocket(conn)
	if !ok || !p.IsPrimary(conn) {
		return apperrors.PairNotFound()
	}

	if err := p.ConfirmPendingSecondary(); err != nil {
		conn.Emit(protocol.ErrorPrimaryManualCodeSecondaryNotFound)
		return err
	}

	if secondary := p.SecondaryConn(); secondary != nil {
		secondary.Emit(protocol.UpdateSecondaryConnectedByManualCode, p.SecondaryDeviceID(), p.PrimaryPublicKey(), p.Direction())
	}
	conn.Emit(protocol.UpdateOtherConnected, p.SecondaryPublicKey())

	audit.Log(ctx, audit.Event{
		Type:     audit.EventSecondaryConfirmed,
		DeviceID: p.SecondaryDeviceID(),
		PairID:   p.ID(),
		IP:       conn.RemoteAddr(),
	})
	r.usage.Record(model.UsageSecondaryJoined, model.TokenKindManual)
	return nil
}

func (r *Router) toggleDirection(ctx context.Context, conn device.Conn, msg protocol.Message) error {
	p, ok := r.pairs.FindBySocket(conn)
	if !ok || !p.IsMember(conn) {
		return apperrors.PairNotFound()
	}

	direction := p.ToggleDirection()
	for _, member := range []device.Conn{p.PrimaryConn(), p.SecondaryConn()} {
		if member != nil {
			member.Emit(protocol.UpdateToggleDirection, direction)
		}
	}
	return nil
}

func (r *Router) sendData(ctx context.Context, conn device.Conn, msg protocol.Message) error {
	payload, err := msg.Raw(0)
	if err != nil {
		return invalid(err)
	}

	p, ok := r.pairs.FindBySocket(conn)
	if !ok {
		return apperrors.PairNotFound()
	}
	if p.Relay(conn, payload) {
		r.usage.Record(model.UsageRelay, "")
	}
	return nil
}

func (r *Router) dataReceived(ctx context.Context, conn device.Conn, msg protocol.Message) error {
	payload, err := msg.Raw(0)
	if err != nil {
		return invalid(err)
	}

	p, ok := r.pairs.FindBySocket(conn)
	if !ok || !p.IsMember(conn) {
		return apperrors.PairNotFound()
	}
	if other, ok := p.Other(conn); ok {
		other.Emit(protocol.DataReceived, payload)
	}
	p.AcknowledgeReceived(payload)
	return nil
}

// redeem resolves a token of the accepted kinds to its still-live pair.
func (r *Router) redeem(value string, kinds ...model.TokenKind) (*pairing.Pair, *token.Token, bool) {
	tok, ok := r.tokens.Redeem(value, kinds...)
	if !ok {
		return nil, nil, false
	}
	p, ok := r.pairs.Find(tok.PairID)
	if !ok {
		return nil, nil, false
	}
	return p, tok, true
}

// allowRedeem throttles redemption attempts per client address and answers
// error-rate-limited when the budget is spent.
func (r *Router) allowRedeem(ctx context.Context, conn device.Conn, event protocol.Event) bool {
	if r.limiter == nil {
		return true
	}
	allowed, resetAt := r.limiter.Allow(ctx, "redeem:"+conn.RemoteAddr(), r.redeemLimit, redeemWindow)
	if allowed {
		return true
	}

	audit.Log(ctx, audit.Event{
		Type: audit.EventRateLimitExceed,
		IP:   conn.RemoteAddr(),
		Details: map[string]interface{}{
			"event": event.String(),
		},
	})
	conn.Emit(protocol.ErrorRateLimited, event, ratelimit.RetryAfter(resetAt))
	return false
}

func (r *Router) tokenRejected(ctx context.Context, conn device.Conn, d *device.Device, event protocol.Event) {
	audit.Log(ctx, audit.Event{
		Type:     audit.EventTokenRejected,
		DeviceID: d.ID(),
		IP:       conn.RemoteAddr(),
		Details:  map[string]interface{}{"event": event.String()},
	})
}

func (r *Router) reconnectRejected(ctx context.Context, conn device.Conn, deviceID string, mightNotHaveLoggedOff bool) error {
	conn.Emit(protocol.ErrorDeviceReconnectDeviceIDNotFound, mightNotHaveLoggedOff)
	audit.Log(ctx, audit.Event{
		Type:     audit.EventReconnectRejected,
		DeviceID: deviceID,
		IP:       conn.RemoteAddr(),
	})
	return apperrors.DeviceNotFound(deviceID)
}

func invalid(err error) error {
	return apperrors.InvalidPayload(err.Error()).WithCause(err)
}

func lifetimeMillis(t *token.Token) int64 {
	return t.Lifetime().Milliseconds()
}
