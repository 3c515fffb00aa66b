package relay

import (
	"context"
	"fmt"

	"github.com/shellgate/shellgate/internal/auth"
)

// Host is the client-side view of a registered remote host. The resource
// inventory owns it; the relay only reads it.
type Host struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Address     string `json:"address"`
	Status      string `json:"status"`
}

// Ticket is a validated (host, connect user) pair produced by negotiation.
type Ticket struct {
	Host        Host
	ConnectUser string
}

// AccessDecision is the resolver's answer for one (operator, host) pair.
// It is recomputed on every negotiation and never cached: authorization can
// change between operator actions, and a stale allow is a security risk.
type AccessDecision struct {
	Allowed      bool
	ConnectUsers []string
}

// Normalize enforces the decision invariant: an allow with zero usable
// identities is invalid and collapses to a denial.
func (d AccessDecision) Normalize() AccessDecision {
	if !d.Allowed || len(d.ConnectUsers) == 0 {
		return AccessDecision{}
	}
	return d
}

// DenialReason says why a negotiation did not produce a ticket.
type DenialReason string

const (
	// DenialInsufficientPrivilege: the operator's capability set lacks the
	// connect capability; the resolver was never contacted.
	DenialInsufficientPrivilege DenialReason = "insufficient_privilege"
	// DenialNotAuthorized: the resolver answered, and the answer is no.
	DenialNotAuthorized DenialReason = "not_authorized"
	// DenialResolverUnavailable: the access check itself failed. Distinct
	// from NotAuthorized so the operator is not misled into believing they
	// lack permission when the backend is at fault.
	DenialResolverUnavailable DenialReason = "resolver_unavailable"
	// DenialSelectionAborted: several connect users were offered and the
	// operator picked none. There is no default.
	DenialSelectionAborted DenialReason = "selection_aborted"
)

// Denial is the typed negotiation failure. It is an error so callers can
// hand it up the stack, but its Reason is what the presentation layer
// renders.
type Denial struct {
	Reason DenialReason
	cause  error
}

func (d *Denial) Error() string {
	switch d.Reason {
	case DenialInsufficientPrivilege:
		return "you lack the privilege to initiate connections"
	case DenialNotAuthorized:
		return "you are not authorized to connect to this host"
	case DenialResolverUnavailable:
		if d.cause != nil {
			return fmt.Sprintf("access check failed: %v", d.cause)
		}
		return "access check failed"
	case DenialSelectionAborted:
		return "no connect user selected"
	default:
		return string(d.Reason)
	}
}

func (d *Denial) Unwrap() error {
	return d.cause
}

// AuthorizationContext is the operator's capability snapshot, fetched at
// session start and refreshed before each negotiation. It is read-only
// between refreshes; nothing mutates it in place.
type AuthorizationContext struct {
	Username     string
	Role         string
	Capabilities []string
}

// Has reports whether the capability set contains the given key.
func (a AuthorizationContext) Has(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Resolver is how the negotiator reaches the access policy resolver.
type Resolver interface {
	// ResolveConnectUsers returns the operator's decision for the host.
	// An error means the check could not be performed, never "allowed".
	ResolveConnectUsers(ctx context.Context, hostID uint) (AccessDecision, error)
}

// Picker presents an ordered connect-user choice to the operator. Pick
// returns the chosen identity, or an error when the operator aborts.
type Picker interface {
	Pick(host Host, connectUsers []string) (string, error)
}

// PickerFunc adapts a function to the Picker interface.
type PickerFunc func(host Host, connectUsers []string) (string, error)

func (f PickerFunc) Pick(host Host, connectUsers []string) (string, error) {
	return f(host, connectUsers)
}

// Negotiator runs the one-shot workflow resolving an authorized
// (host, connect user) pair. Each attempt re-resolves; nothing is reused
// from earlier negotiations.
type Negotiator struct {
	Authz    AuthorizationContext
	Resolver Resolver
	Picker   Picker
}

// Negotiate produces a validated ticket for the host, or a *Denial.
//
// The capability check in step one is a client-side fast path for UX, not a
// security boundary: the relay endpoint re-resolves authoritatively at
// connection establishment.
func (n *Negotiator) Negotiate(ctx context.Context, host Host) (Ticket, error) {
	if !n.Authz.Has(auth.CapSessionsConnect) {
		return Ticket{}, &Denial{Reason: DenialInsufficientPrivilege}
	}

	decision, err := n.Resolver.ResolveConnectUsers(ctx, host.ID)
	if err != nil {
		return Ticket{}, &Denial{Reason: DenialResolverUnavailable, cause: err}
	}
	decision = decision.Normalize()

	if !decision.Allowed {
		return Ticket{}, &Denial{Reason: DenialNotAuthorized}
	}

	if len(decision.ConnectUsers) == 1 {
		return Ticket{Host: host, ConnectUser: decision.ConnectUsers[0]}, nil
	}

	if n.Picker == nil {
		return Ticket{}, &Denial{Reason: DenialSelectionAborted}
	}
	chosen, err := n.Picker.Pick(host, decision.ConnectUsers)
	if err != nil || chosen == "" {
		return Ticket{}, &Denial{Reason: DenialSelectionAborted, cause: err}
	}
	// The picker must answer from the offered list; anything else is a
	// client bug and treated as no selection.
	if !decision.Permits(chosen) {
		return Ticket{}, &Denial{Reason: DenialSelectionAborted}
	}

	return Ticket{Host: host, ConnectUser: chosen}, nil
}

// Permits reports whether the decision allows the given connect user.
func (d AccessDecision) Permits(connectUser string) bool {
	if !d.Allowed {
		return false
	}
	for _, u := range d.ConnectUsers {
		if u == connectUser {
			return true
		}
	}
	return false
}
