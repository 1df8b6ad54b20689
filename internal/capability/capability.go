// Package capability implements SERAPH's capability value type: an
// immutable tuple granting bounded, generation-tagged, permissioned
// access to an object.
//
// A capability is a value, never a reference with identity — narrowing
// always yields a new Cap_t rather than mutating an existing one.
package capability

import "seraph/internal/voidreg"

// VoidSentinel is the generation value carried by a VOID capability.
const VoidSentinel uint64 = ^uint64(0)

// Perm is one bit of the permission set {READ, WRITE, EXECUTE, DERIVE, REVOKE}.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermDerive
	PermRevoke
)

// Has reports whether want is a subset of p.
func (p Perm) Has(want Perm) bool {
	return p&want == want
}

// Cap_t is an immutable capability tuple.
type Cap_t struct {
	Base uint64 // owner-assigned key: physical addr, DSM addr, or opaque pointer
	Length uint64 // exclusive access bound: valid offsets are 0..Length-1
	Generation uint64 // value that made the capability valid at derivation time
	Perms Perm
}

// Void returns the canonical VOID capability.
func Void() Cap_t {
	return Cap_t{Generation: VoidSentinel}
}

// IsVoid reports whether c is a VOID capability.
func (c Cap_t) IsVoid() bool {
	return c.Generation == VoidSentinel
}

// GenerationSource reports the current generation of an object a
// capability addresses. Objects that can be revoked (DSM pages,
// endpoints, persistent mappings,...) implement this so capability
// checks never need to reach into subsystem internals directly.
type GenerationSource interface {
	CurrentGeneration(base uint64) (gen uint64, ok bool)
}

// CheckResult is the outcome of a capability check.
type CheckResult struct {
	OK bool
	Reason voidreg.Reason
}

// Check validates cap against the object's current generation. It does
// not perform bounds/permission checks — those are the caller's job
// when performing an access (see Access below) — but applies the
// same VOID taxonomy.
func Check(cap Cap_t, src GenerationSource) CheckResult {
	if cap.IsVoid() {
		return CheckResult{OK: false, Reason: voidreg.ReasonGeneration}
	}
	gen, ok:= src.CurrentGeneration(cap.Base)
	if !ok {
		return CheckResult{OK: false, Reason: voidreg.ReasonNotFound}
	}
	if gen != cap.Generation {
		return CheckResult{OK: false, Reason: voidreg.ReasonGeneration}
	}
	return CheckResult{OK: true}
}

// Access validates cap for an offset/permission access under the
// invariant:
//
//	access(c, off, perm) succeeds iff
//	 current_gen(o) == c.generation && off < c.length && perm ⊆ c.permissions
//
// On failure the returned reason is exactly the first violated
// conjunct, checked in the order generation, bounds, permission.
func Access(cap Cap_t, src GenerationSource, offset uint64, want Perm) CheckResult {
	if cap.IsVoid() {
		return CheckResult{OK: false, Reason: voidreg.ReasonGeneration}
	}
	gen, ok:= src.CurrentGeneration(cap.Base)
	if !ok {
		return CheckResult{OK: false, Reason: voidreg.ReasonNotFound}
	}
	if gen != cap.Generation {
		return CheckResult{OK: false, Reason: voidreg.ReasonGeneration}
	}
	if offset >= cap.Length {
		return CheckResult{OK: false, Reason: voidreg.ReasonInvalidArg}
	}
	if !cap.Perms.Has(want) {
		return CheckResult{OK: false, Reason: voidreg.ReasonPermission}
	}
	return CheckResult{OK: true}
}

// Derive narrows parent into a sub-capability. It requires
// narrowedPerms ⊆ parent.Perms, subBase ≥ parent.Base,
// subBase+subLength ≤ parent.Base+parent.Length, and PermDerive set in
// parent's permissions; otherwise it returns a VOID capability and the
// PERMISSION reason.
func Derive(parent Cap_t, narrowedPerms Perm, subBase, subLength uint64) (Cap_t, voidreg.Reason) {
	if !parent.Perms.Has(PermDerive) {
		return Void(), voidreg.ReasonPermission
	}
	if narrowedPerms&^parent.Perms != 0 {
		return Void(), voidreg.ReasonPermission
	}
	if subBase < parent.Base {
		return Void(), voidreg.ReasonPermission
	}
	if subBase+subLength > parent.Base+parent.Length {
		return Void(), voidreg.ReasonPermission
	}
	return Cap_t{
		Base: subBase,
		Length: subLength,
		Generation: parent.Generation,
		Perms: narrowedPerms,
	}, voidreg.ReasonNone
}

// Revocable is any object whose access generation can be bumped.
type Revocable interface {
	Revoke(base uint64) (newGeneration uint64, ok bool)
}

// Revoke bumps the generation of the object addressed by base. All
// previously issued capabilities for it become invalid on their next
// check; there is no broadcast, discovery is lazy.
func Revoke(obj Revocable, base uint64) (uint64, bool) {
	return obj.Revoke(base)
}
