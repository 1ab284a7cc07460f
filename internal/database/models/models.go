package models

// ExtensionType classifies how an extension is routed.
type ExtensionType string

const (
	// TypeSimple is a single device.
	TypeSimple ExtensionType = "SIMPLE"
	// TypeMultiring has a device of its own and additionally expands
	// through fork ranks like a group.
	TypeMultiring ExtensionType = "MULTIRING"
	// TypeGroup has no device and expands through fork ranks only.
	TypeGroup ExtensionType = "GROUP"
	// TypeExternal is a placeholder for a number outside the PBX.
	TypeExternal ExtensionType = "EXTERNAL"
)

// ForwardingMode controls if and when calls to an extension are redirected.
type ForwardingMode string

const (
	ForwardingDisabled      ForwardingMode = "DISABLED"
	ForwardingEnabled       ForwardingMode = "ENABLED"
	ForwardingOnBusy        ForwardingMode = "ON_BUSY"
	ForwardingOnUnavailable ForwardingMode = "ON_UNAVAILABLE"
)

// RankMode is the relation between a fork rank and its predecessor.
type RankMode string

const (
	// RankModeDefault starts ringing immediately. Only valid on the first rank.
	RankModeDefault RankMode = "DEFAULT"
	// RankModeNext adds the rank's members to the still-ringing set after the delay.
	RankModeNext RankMode = "NEXT"
	// RankModeDrop cancels the previous rank and rings this rank's members after the delay.
	RankModeDrop RankMode = "DROP"
)

// RankMemberType distinguishes regular members from auxiliary ones.
type RankMemberType string

const (
	MemberTypeDefault   RankMemberType = "DEFAULT"
	MemberTypeAuxiliary RankMemberType = "AUXILIARY"
)

// Extension is an addressable entity in the PBX: a device, a group, a
// device-plus-group hybrid, or a placeholder for an outside number.
type Extension struct {
	ID     int64
	Number string
	Name   string
	// ShortName is the compact display variant used on DECT handsets.
	ShortName string
	// YateID identifies the telephone server hosting the extension's
	// registrations. Nil means external or placeholder.
	YateID         *int64
	OutgoingNumber string
	OutgoingName   string
	DialoutAllowed bool
	Ringback       bool
	Lang           string
	Type           ExtensionType

	ForwardingMode ForwardingMode
	// ForwardingDelay is in seconds. Nil or zero means immediate.
	ForwardingDelay       *int
	ForwardingExtensionID *int64
}

// EffectiveForwardingDelay returns the forwarding delay in seconds,
// treating a nil delay as zero.
func (e *Extension) EffectiveForwardingDelay() int {
	if e.ForwardingDelay == nil {
		return 0
	}
	return *e.ForwardingDelay
}

// ImmediateForward reports whether the extension forwards unconditionally
// and without delay. In that case the extension's own device and fork
// ranks are suppressed during discovery.
func (e *Extension) ImmediateForward() bool {
	return e.ForwardingMode == ForwardingEnabled && e.EffectiveForwardingDelay() == 0
}

// NewExternalExtension builds a placeholder for a number that is not
// provisioned in the store, e.g. an unknown caller coming in over a trunk.
func NewExternalExtension(number string) *Extension {
	return &Extension{
		Number:         number,
		Name:           number,
		Type:           TypeExternal,
		ForwardingMode: ForwardingDisabled,
	}
}

// ForkRank is one ordered expansion step of a GROUP or MULTIRING extension.
type ForkRank struct {
	ID          int64
	ExtensionID int64
	Index       int
	// Delay is in seconds, relative to the previous rank.
	Delay   int
	Mode    RankMode
	Members []RankMember
}

// RankMember is a single target within a fork rank. Inactive members are
// kept for observability but never ring.
type RankMember struct {
	ExtensionID int64
	Active      bool
	Type        RankMemberType
}
