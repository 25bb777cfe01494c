// Package ratelimit is the role- and endpoint-aware admission control that
// guards every externally triggered call.
package ratelimit

import (
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleMerchant  Role = "merchant"
	RoleDriver    Role = "driver"
	RoleCustomer  Role = "customer"
	RoleAnonymous Role = "anonymous"
)

// ParseRole maps a caller-supplied role onto a known class. Anything
// unrecognised is treated as anonymous.
func ParseRole(s string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleMerchant, RoleDriver, RoleCustomer:
		return r
	default:
		return RoleAnonymous
	}
}

type Endpoint string

const (
	EndpointGeneral  Endpoint = "general"
	EndpointLocation Endpoint = "location"
	EndpointStatus   Endpoint = "status"
	EndpointDispatch Endpoint = "dispatch"
	EndpointAccept   Endpoint = "delivery-accept"
	EndpointAuth     Endpoint = "auth"
	EndpointPayment  Endpoint = "payment"
)

// Policy holds per-window quotas. Endpoint overrides only ever tighten the
// role default.
type Policy struct {
	Window    time.Duration
	Roles     map[Role]int
	Endpoints map[Endpoint]int
}

func DefaultPolicy() Policy {
	return Policy{
		Window: time.Minute,
		Roles: map[Role]int{
			RoleAdmin:     1000,
			RoleMerchant:  300,
			RoleDriver:    300,
			RoleCustomer:  100,
			RoleAnonymous: 20,
		},
		Endpoints: map[Endpoint]int{
			EndpointAuth:    5,
			EndpointPayment: 10,
			EndpointAccept:  30,
		},
	}
}

// QuotaFor returns the request limit for one window: the role default, or
// the endpoint override when that is stricter.
func (p Policy) QuotaFor(role Role, ep Endpoint) int {
	n, ok := p.Roles[role]
	if !ok {
		n = p.Roles[RoleAnonymous]
	}
	if o, ok := p.Endpoints[ep]; ok && o < n {
		return o
	}
	return n
}
