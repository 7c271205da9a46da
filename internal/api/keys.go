package api

import (
	"crypto/subtle"
	"sync/atomic"

	"github.com/MrWong99/locus/internal/service"
)

// roleOrder fixes the order in which configured keys are compared, so that
// resolution is deterministic when two roles share a key.
var roleOrder = []service.Role{
	service.RoleDesigner,
	service.RolePlayer,
	service.RoleSensor,
	service.RoleActuator,
}

// Keyring maps presented API keys to roles.
type Keyring map[service.Role]string

// Resolve returns the role that key grants for op. When key matches several
// roles, a role allowed to perform op is preferred. Every configured key is
// compared in constant time; empty keys never match.
func (k Keyring) Resolve(key string, op service.Operation) service.Role {
	if key == "" {
		return service.RoleNone
	}
	matched, allowed := service.RoleNone, service.RoleNone
	for _, role := range roleOrder {
		want, ok := k[role]
		if !ok || want == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(want)) != 1 {
			continue
		}
		if matched == service.RoleNone {
			matched = role
		}
		if allowed == service.RoleNone && op.Allows(role) {
			allowed = role
		}
	}
	if allowed != service.RoleNone {
		return allowed
	}
	return matched
}

// KeyResolver resolves a presented API key to a role for one operation.
type KeyResolver interface {
	Resolve(key string, op service.Operation) service.Role
}

// Keys holds a [Keyring] that can be replaced while requests are in
// flight, for key rotation on config reload.
type Keys struct {
	ring atomic.Pointer[Keyring]
}

// NewKeys returns a Keys serving ring.
func NewKeys(ring Keyring) *Keys {
	k := &Keys{}
	k.Swap(ring)
	return k
}

// Swap installs ring for all subsequent lookups.
func (k *Keys) Swap(ring Keyring) {
	k.ring.Store(&ring)
}

// Resolve implements [KeyResolver] against the current keyring.
// A nil *Keys denies every key.
func (k *Keys) Resolve(key string, op service.Operation) service.Role {
	if k == nil {
		return service.RoleNone
	}
	ring := k.ring.Load()
	if ring == nil {
		return service.RoleNone
	}
	return ring.Resolve(key, op)
}
