// Package policy decides which remote login identities an operator may use
// on a host. It is a pure query layer over the grant store: it never writes,
// and any store fault surfaces as an error rather than an allow.
package policy

import (
	"errors"
	"fmt"

	"github.com/shellgate/shellgate/internal/auth"
	"github.com/shellgate/shellgate/internal/database"
	"gorm.io/gorm"
)

var (
	// ErrUnauthenticated means no operator identity was established.
	ErrUnauthenticated = errors.New("policy: operator not authenticated")
	// ErrHostNotFound means the target host does not exist.
	ErrHostNotFound = errors.New("policy: host not found")
)

// Decision is the outcome of an access query. Allowed is true if and only if
// ConnectUsers is non-empty; a positive decision with zero usable identities
// never leaves this package.
type Decision struct {
	Allowed      bool     `json:"allowed"`
	ConnectUsers []string `json:"connect_users"`
}

// Resolver answers access queries against the grant store.
type Resolver struct {
	DB *gorm.DB
}

// Resolve returns the set of connect users the operator may use on the host.
// A missing capability or absence of grants is a denial, not an error;
// errors are reserved for identity, host lookup, and store faults.
func (r Resolver) Resolve(operator auth.Principal, hostID uint) (Decision, error) {
	if operator.UserID == 0 {
		return Decision{}, ErrUnauthenticated
	}

	var host database.Host
	if err := r.DB.First(&host, hostID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Decision{}, ErrHostNotFound
		}
		return Decision{}, fmt.Errorf("policy query: %w", err)
	}

	if !auth.RoleHas(operator.Role, auth.CapSessionsConnect) {
		return Decision{}, nil
	}

	var grants []database.HostGrant
	if err := r.DB.Where("user_id = ? AND host_id = ?", operator.UserID, host.ID).
		Order("connect_user").Find(&grants).Error; err != nil {
		return Decision{}, fmt.Errorf("policy query: %w", err)
	}

	users := make([]string, 0, len(grants))
	seen := make(map[string]bool, len(grants))
	for _, g := range grants {
		if g.ConnectUser == "" || seen[g.ConnectUser] {
			continue
		}
		seen[g.ConnectUser] = true
		users = append(users, g.ConnectUser)
	}

	if len(users) == 0 {
		return Decision{}, nil
	}
	return Decision{Allowed: true, ConnectUsers: users}, nil
}

// Permits reports whether the decision allows the given connect user.
func (d Decision) Permits(connectUser string) bool {
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
