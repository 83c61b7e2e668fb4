// Package shield resolves an inbound recipient address to the user that
// owns it, without the core ever learning or storing anything about the
// user beyond the three attributes it needs to deliver mail.
package shield

import (
	"context"
	"errors"
	"strings"
)

// Sentinel routing errors, surfaced by inbound providers as
// provider-appropriate rejection codes (400/550 class).
var (
	ErrMalformedAddress = errors.New("shield: malformed address")
	ErrDomainNotServiced = errors.New("shield: domain not serviced")
	ErrUnknownShield     = errors.New("shield: unknown shield address")
	ErrInactiveUser      = errors.New("shield: inactive user")
)

// User is the read-only projection of a user the core ever consumes.
// Everything else about a user belongs to the external user-management
// collaborator and is out of scope here.
type User struct {
	ID                 string
	RealDeliveryAddress string
	Active             bool
}

// ShieldAddress is a read-only mapping (prefix, domain) -> owning user id.
type ShieldAddress struct {
	Prefix string
	Domain string
	UserID string
	Active bool
}

// Directory is the read-model the router queries. Its implementation
// (database, cache, remote service) is opaque to the core; it must answer
// within a small bounded time because it blocks the calling worker.
type Directory interface {
	// LookupShield returns the shield address mapping for (prefix, domain),
	// or ok=false if none exists.
	LookupShield(ctx context.Context, prefix, domain string) (ShieldAddress, bool, error)
	// LookupUser returns the user owning userID, or ok=false if none exists.
	LookupUser(ctx context.Context, userID string) (User, bool, error)
}

// RoutingContext is what a successful resolve yields to the orchestrator.
type RoutingContext struct {
	UserID              string
	RealDeliveryAddress string
	ShieldPrefix         string
}

// Router maps shield addresses to their owning user.
type Router struct {
	directory      Directory
	serviceDomains map[string]bool
}

// NewRouter creates a Router accepting mail for the given service domains.
// Domains are normalized to lowercase.
func NewRouter(directory Directory, serviceDomains []string) *Router {
	set := make(map[string]bool, len(serviceDomains))
	for _, d := range serviceDomains {
		set[strings.ToLower(strings.TrimSpace(d))] = true
	}
	return &Router{directory: directory, serviceDomains: set}
}

// Resolve maps a recipient address of the form <prefix>@<service-domain>
// to the owning user's routing context.
func (r *Router) Resolve(ctx context.Context, recipientAddress string) (RoutingContext, error) {
	addr := strings.ToLower(strings.TrimSpace(recipientAddress))

	at := strings.Index(addr, "@")
	if at <= 0 || at != strings.LastIndex(addr, "@") || at == len(addr)-1 {
		return RoutingContext{}, ErrMalformedAddress
	}
	localPart, domain := addr[:at], addr[at+1:]

	if !r.serviceDomains[domain] {
		return RoutingContext{}, ErrDomainNotServiced
	}

	shieldAddr, ok, err := r.directory.LookupShield(ctx, localPart, domain)
	if err != nil {
		return RoutingContext{}, err
	}
	if !ok || !shieldAddr.Active {
		return RoutingContext{}, ErrUnknownShield
	}

	user, ok, err := r.directory.LookupUser(ctx, shieldAddr.UserID)
	if err != nil {
		return RoutingContext{}, err
	}
	if !ok || !user.Active {
		return RoutingContext{}, ErrInactiveUser
	}

	return RoutingContext{
		UserID:              user.ID,
		RealDeliveryAddress: user.RealDeliveryAddress,
		ShieldPrefix:         localPart,
	}, nil
}
