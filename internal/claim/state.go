package claim

import "fmt"

// State - состояние claim-потока, которое видит слой представления
type State int

const (
	AwaitingSuffix State = iota
	AwaitingOtpCode
	AwaitingMagicLink
	MagicLinkExpiredState
	Authenticated
)

func (s State) String() string {
	switch s {
	case AwaitingSuffix:
		return "awaiting_suffix"
	case AwaitingOtpCode:
		return "awaiting_otp_code"
	case AwaitingMagicLink:
		return "awaiting_magic_link"
	case MagicLinkExpiredState:
		return "magic_link_expired"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText позволяет отдавать состояние в JSON строкой
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event - входное событие машины состояний
type Event int

const (
	EventOtpSent Event = iota
	EventMagicLinkSent
	EventCodeVerified
	EventSessionDetected
	EventMagicLinkTimedOut
	EventSessionRestored
	EventRestart
	EventSignedOut
)

func (e Event) String() string {
	switch e {
	case EventOtpSent:
		return "otp_sent"
	case EventMagicLinkSent:
		return "magic_link_sent"
	case EventCodeVerified:
		return "code_verified"
	case EventSessionDetected:
		return "session_detected"
	case EventMagicLinkTimedOut:
		return "magic_link_timed_out"
	case EventSessionRestored:
		return "session_restored"
	case EventRestart:
		return "restart"
	case EventSignedOut:
		return "signed_out"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

type transitionKey struct {
	from  State
	event Event
}

// transitions - полная таблица допустимых переходов.
// Всё, чего здесь нет, отклоняется с InvalidTransition.
var transitions = map[transitionKey]State{
	{AwaitingSuffix, EventOtpSent}:         AwaitingOtpCode,
	{AwaitingSuffix, EventMagicLinkSent}:   AwaitingMagicLink,
	{AwaitingSuffix, EventSessionRestored}: Authenticated,
	{AwaitingSuffix, EventRestart}:         AwaitingSuffix,

	{AwaitingOtpCode, EventOtpSent}:       AwaitingOtpCode,
	{AwaitingOtpCode, EventMagicLinkSent}: AwaitingMagicLink,
	{AwaitingOtpCode, EventCodeVerified}:  Authenticated,
	{AwaitingOtpCode, EventRestart}:       AwaitingSuffix,

	{AwaitingMagicLink, EventOtpSent}:           AwaitingOtpCode,
	{AwaitingMagicLink, EventMagicLinkSent}:     AwaitingMagicLink,
	{AwaitingMagicLink, EventSessionDetected}:   Authenticated,
	{AwaitingMagicLink, EventMagicLinkTimedOut}: MagicLinkExpiredState,
	{AwaitingMagicLink, EventRestart}:           AwaitingSuffix,

	{MagicLinkExpiredState, EventRestart}: AwaitingSuffix,

	{Authenticated, EventSignedOut}: AwaitingSuffix,
}

// Transition - единственная функция переходов машины состояний
func Transition(from State, ev Event) (State, error) {
	to, ok := transitions[transitionKey{from: from, event: ev}]
	if !ok {
		return from, &Error{
			Type:    InvalidTransition,
			Message: fmt.Sprintf("action %s is not allowed in state %s", ev, from),
		}
	}
	return to, nil
}

// canChallenge сообщает, можно ли начать новую проверку суффикса из состояния s
func canChallenge(s State) bool {
	_, ok := transitions[transitionKey{from: s, event: EventOtpSent}]
	return ok
}
