package model

type Role string

const (
	RoleUnset     Role = ""
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

type TokenKind string

const (
	TokenKindScan   TokenKind = "scan"
	TokenKindInvite TokenKind = "invite"
	TokenKindManual TokenKind = "manual"
)

// SingleUse reports whether a token of this kind is consumed by its first
// successful redemption. Invites stay valid until they expire.
func (k TokenKind) SingleUse() bool {
	return k != TokenKindInvite
}

// Direction marks which device's UI currently shows the send controls. It is
// advisory only and never restricts relaying.
type Direction string

const (
	DirectionAToB Direction = "a_to_b"
	DirectionBToA Direction = "b_to_a"
)

func (d Direction) Toggle() Direction {
	if d == DirectionBToA {
		return DirectionAToB
	}
	return DirectionBToA
}

type UsageEventType string

const (
	UsageConnection      UsageEventType = "connection"
	UsagePairCreated     UsageEventType = "pair_created"
	UsageSecondaryJoined UsageEventType = "secondary_joined"
	UsageReconnect       UsageEventType = "reconnect"
	UsageRelay           UsageEventType = "relay"
)
