// internal/auth/state.go
package auth

// State is where the portal session stands in the login protocol.
type State int

const (
	Unauthenticated State = iota
	AwaitingCredentials
	AwaitingTwoFactor
	AccountSelectionPending
	Authenticated
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "Unauthenticated"
	case AwaitingCredentials:
		return "AwaitingCredentials"
	case AwaitingTwoFactor:
		return "AwaitingTwoFactor"
	case AccountSelectionPending:
		return "AccountSelectionPending"
	case Authenticated:
		return "Authenticated"
	default:
		return "Unknown"
	}
}

// LoggedIn reports whether the primary credentials were accepted. A pending
// two-factor prompt counts, as the portal has already validated the password.
func (s State) LoggedIn() bool {
	return s == AwaitingTwoFactor || s == AccountSelectionPending || s == Authenticated
}
