package ipc

import (
	"sync"

	"seraph/internal/capability"
	"seraph/internal/sched"
	"seraph/internal/voidreg"
)

// LendStatus is the lend-registry entry's lifecycle state.
type LendStatus int

const (
	LendEmpty LendStatus = iota
	LendActive
	LendReturned
	LendExpired
	LendRevoked
)

// lendEntry is one slot of a fixed-size per-endpoint lend registry
//.
type lendEntry struct {
	status LendStatus
	originalCap capability.Cap_t
	borrowedCap capability.Cap_t
	messageID MessageID
	startChronon sched.Chronon
	expiryChronon sched.Chronon
	borrowerEP EndpointID
	lenderStrand *sched.Strand_t
	borrowerStrand *sched.Strand_t
	voidID voidreg.ID // the LEND message's void_id, if any

	// lentGeneration is the generation stamped into the capability
	// handed to the borrower. It starts at 1 and is bumped whenever the
	// lend expires or is forcibly revoked, so a borrowed capability's
	// next Check/Access against this registry (as a
	// capability.GenerationSource) fails GENERATION even though the
	// object it addresses never itself changed generation.
	lentGeneration uint64
}

// MaxLendSlots bounds the per-endpoint lend registry.
const MaxLendSlots = 64

// lendRegistry is owned by its endpoint; only the endpoint's strand
// mutates it, and sweeps run on the scheduler's tick from the owning
// core.
type lendRegistry struct {
	mu sync.Mutex
	entries [MaxLendSlots]lendEntry
}

// allocate finds an EMPTY or terminal (RETURNED/EXPIRED/REVOKED) slot
// and installs a fresh ACTIVE lend. It returns false if the registry
// is full of still-ACTIVE entries.
func (lr *lendRegistry) allocate(e lendEntry) bool {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	for i:= range lr.entries {
		st:= lr.entries[i].status
		if st == LendEmpty || st == LendReturned || st == LendExpired || st == LendRevoked {
			e.status = LendActive
			lr.entries[i] = e
			return true
		}
	}
	return false
}

// findActiveByMessageID returns the index of the ACTIVE entry for
// messageID, or -1.
func (lr *lendRegistry) findActiveByMessageID(id MessageID) int {
	for i:= range lr.entries {
		if lr.entries[i].status == LendActive && lr.entries[i].messageID == id {
			return i
		}
	}
	return -1
}

// processLends transitions every ACTIVE entry whose expiry <= now to
// EXPIRED, dropping the borrower's inherited priority and recording a VOID of
// TIMEOUT whose predecessor is the original lend's void_id.
func (lr *lendRegistry) processLends(now sched.Chronon, void *voidreg.Registry, schedr *sched.Scheduler) {
	lr.mu.Lock()
	var toExpire []int
	for i:= range lr.entries {
		if lr.entries[i].status == LendActive && lr.entries[i].expiryChronon != 0 && lr.entries[i].expiryChronon <= now {
			toExpire = append(toExpire, i)
		}
	}
	lr.mu.Unlock()

	for _, i:= range toExpire {
		lr.mu.Lock()
		e:= &lr.entries[i]
		if e.status != LendActive {
			lr.mu.Unlock()
			continue
		}
		e.status = LendExpired
		e.lentGeneration++
		borrower:= e.borrowerStrand
		lr.mu.Unlock()

		if schedr != nil && borrower != nil {
			schedr.OnIPCReturn(borrower)
		}
		void.Record(voidreg.ReasonTimeout, e.voidID, "lend", itoaMsgID(e.messageID), "lend.go", "processLends", 0, int64(now), "lend expired")
	}
}

// CurrentGeneration implements capability.GenerationSource, keyed by the
// lent object's base address rather than the endpoint's message IDs.
// It reports the most recently stamped lentGeneration of any
// non-EMPTY entry addressing base, so a borrowed capability can be
// checked against the loan itself instead of the real object.
func (lr *lendRegistry) CurrentGeneration(base uint64) (uint64, bool) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	for i:= range lr.entries {
		e:= &lr.entries[i]
		if e.status != LendEmpty && e.originalCap.Base == base {
			return e.lentGeneration, true
		}
	}
	return 0, false
}

// Revoke implements capability.Revocable for the loan itself: it bumps
// the lentGeneration of every entry addressing base, stranding any
// capability derived from an earlier generation, without touching the
// real object's own generation source.
func (lr *lendRegistry) Revoke(base uint64) (uint64, bool) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	found:= false
	var gen uint64
	for i:= range lr.entries {
		e:= &lr.entries[i]
		if e.status != LendEmpty && e.originalCap.Base == base {
			e.lentGeneration++
			gen = e.lentGeneration
			found = true
		}
	}
	return gen, found
}

// revoke forces the ACTIVE entry matching messageID to REVOKED ahead of
// its expiry, bumping its lentGeneration and dropping the borrower's
// inherited priority. It returns false (a no-op) if no ACTIVE entry
// matches — in particular after the lend has expired or been returned,
// or when called a second time after a successful revoke.
func (lr *lendRegistry) revoke(messageID MessageID, schedr *sched.Scheduler) bool {
	lr.mu.Lock()
	i:= lr.findActiveByMessageID(messageID)
	if i < 0 {
		lr.mu.Unlock()
		return false
	}
	lr.entries[i].status = LendRevoked
	lr.entries[i].lentGeneration++
	borrower:= lr.entries[i].borrowerStrand
	lr.mu.Unlock()

	if schedr != nil && borrower != nil {
		schedr.OnIPCReturn(borrower)
	}
	return true
}

// returnLend matches messageID against an ACTIVE entry and transitions
// it ACTIVE -> RETURNED, restoring the lender's unlent state. It
// returns false (NOT_FOUND) if no ACTIVE entry matches.
func (lr *lendRegistry) returnLend(messageID MessageID, schedr *sched.Scheduler) bool {
	lr.mu.Lock()
	i:= lr.findActiveByMessageID(messageID)
	if i < 0 {
		lr.mu.Unlock()
		return false
	}
	lr.entries[i].status = LendReturned
	borrower:= lr.entries[i].borrowerStrand
	lr.mu.Unlock()

	if schedr != nil && borrower != nil {
		schedr.OnIPCReturn(borrower)
	}
	return true
}

func itoaMsgID(id MessageID) string {
	return itoaUint(uint64(id))
}

func itoaUint(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i:= len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
