// Package types defines the domain model shared by the epoch accounts hash pipeline.
package types

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Slot is a monotonic ordinal position in the ledger.
type Slot uint64

// Epoch is a fixed-length span of slots.
type Epoch uint64

// BankID identifies a ledger node. IDs are generation counters and are never reused.
type BankID uint64

// ============================================================================
// Hash
// ============================================================================

// HashSize is the length in bytes of every digest produced by the pipeline.
const HashSize = 32

// Hash is a 32-byte digest.
type Hash [HashSize]byte

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText encodes the hash as lowercase hex.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex encoded hash.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length %d, want %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// ============================================================================
// Epoch accounts hash state
// ============================================================================

// EpochAccountsHashStatus is the lifecycle tag of an epoch accounts hash.
type EpochAccountsHashStatus string

const (
	StatusNotStarted EpochAccountsHashStatus = "not_started" // never requested in this epoch
	StatusInFlight   EpochAccountsHashStatus = "in_flight"   // requested, calculation not finished
	StatusValid      EpochAccountsHashStatus = "valid"       // calculation finished
)

// EpochAccountsHashState is the tagged variant {NotStarted, InFlight(slot), Valid(hash, slot)}.
// Slot is meaningful for InFlight and Valid, Hash only for Valid.
type EpochAccountsHashState struct {
	Epoch  Epoch                   `json:"epoch"`
	Status EpochAccountsHashStatus `json:"status"`
	Slot   Slot                    `json:"slot,omitempty"`
	Hash   Hash                    `json:"hash,omitempty"`
}

func NotStarted(epoch Epoch) EpochAccountsHashState {
	return EpochAccountsHashState{Epoch: epoch, Status: StatusNotStarted}
}

func InFlight(epoch Epoch, slot Slot) EpochAccountsHashState {
	return EpochAccountsHashState{Epoch: epoch, Status: StatusInFlight, Slot: slot}
}

func Valid(epoch Epoch, slot Slot, hash Hash) EpochAccountsHashState {
	return EpochAccountsHashState{Epoch: epoch, Status: StatusValid, Slot: slot, Hash: hash}
}

// IsValid reports whether the state carries a finished hash.
func (s EpochAccountsHashState) IsValid() bool {
	return s.Status == StatusValid
}

func (s EpochAccountsHashState) String() string {
	switch s.Status {
	case StatusInFlight:
		return fmt.Sprintf("InFlight(epoch=%d, slot=%d)", s.Epoch, s.Slot)
	case StatusValid:
		return fmt.Sprintf("Valid(epoch=%d, slot=%d, hash=%s)", s.Epoch, s.Slot, s.Hash)
	default:
		return fmt.Sprintf("NotStarted(epoch=%d)", s.Epoch)
	}
}

// ============================================================================
// Requests
// ============================================================================

// BankView is the ancestor-set reference handed from the ledger to the pipeline.
// Implementations must be immutable once IsFrozen reports true.
type BankView interface {
	ID() BankID
	Slot() Slot
	Ancestors() []Slot
	IsFrozen() bool
}

// RequestKind is a bit set of the background work due for a rooted slot.
// The zero value means no work is due.
type RequestKind uint8

const (
	RequestEpochAccountsHash RequestKind = 1 << iota
	RequestFullSnapshot
	RequestIncrementalSnapshot
	RequestAccountsHashVerifier
)

// RequestNone is a request that only advances the worker's view of rooted slots.
const RequestNone RequestKind = 0

// Has reports whether every bit of flag is set.
func (k RequestKind) Has(flag RequestKind) bool {
	return flag != 0 && k&flag == flag
}

// IsSnapshot reports whether a full or incremental snapshot is due.
func (k RequestKind) IsSnapshot() bool {
	return k&(RequestFullSnapshot|RequestIncrementalSnapshot) != 0
}

func (k RequestKind) String() string {
	if k == RequestNone {
		return "none"
	}
	var parts []string
	if k.Has(RequestEpochAccountsHash) {
		parts = append(parts, "epoch_accounts_hash")
	}
	if k.Has(RequestFullSnapshot) {
		parts = append(parts, "full_snapshot")
	}
	if k.Has(RequestIncrementalSnapshot) {
		parts = append(parts, "incremental_snapshot")
	}
	if k.Has(RequestAccountsHashVerifier) {
		parts = append(parts, "accounts_hash_verifier")
	}
	return strings.Join(parts, "+")
}

// Request is one unit of background work tied to a rooted slot.
type Request struct {
	Slot       Slot
	Kind       RequestKind
	BaseSlot   Slot // full snapshot slot an incremental snapshot builds on
	Bank       BankView
	EnqueuedAt time.Time
}

// PrunedBank notifies the background worker that a ledger node was dropped.
type PrunedBank struct {
	ID   BankID
	Slot Slot
}

// ============================================================================
// Packages
// ============================================================================

// PackageKind identifies what a package is for.
type PackageKind string

const (
	PackageAccountsHashVerifier PackageKind = "accounts_hash_verifier"
	PackageEpochAccountsHash    PackageKind = "epoch_accounts_hash"
	PackageFullSnapshot         PackageKind = "full_snapshot"
	PackageIncrementalSnapshot  PackageKind = "incremental_snapshot"
)

// IsKnown reports whether k is one of the defined kinds.
func (k PackageKind) IsKnown() bool {
	switch k {
	case PackageAccountsHashVerifier, PackageEpochAccountsHash, PackageFullSnapshot, PackageIncrementalSnapshot:
		return true
	}
	return false
}

// IsSnapshot reports whether packages of this kind are eligible for archiving.
func (k PackageKind) IsSnapshot() bool {
	return k == PackageFullSnapshot || k == PackageIncrementalSnapshot
}

// Package is a computed accounts hash plus the metadata needed to verify and archive it.
type Package struct {
	ID                string      `json:"id"`
	Slot              Slot        `json:"slot"`
	Epoch             Epoch       `json:"epoch"`
	Kind              PackageKind `json:"kind"`
	BaseSlot          Slot        `json:"base_slot,omitempty"`
	AccountsHash      Hash        `json:"accounts_hash"`
	EpochAccountsHash *Hash       `json:"epoch_accounts_hash,omitempty"` // nil until the epoch's hash is Valid
	CreatedAt         int64       `json:"created_at"`                    // Unix milliseconds
}

// ============================================================================
// Snapshot configuration
// ============================================================================

// SnapshotConfig is the archiving cadence. Zero intervals disable the kind;
// both zero is load-only mode.
type SnapshotConfig struct {
	FullIntervalSlots        Slot `yaml:"full_interval_slots"`
	IncrementalIntervalSlots Slot `yaml:"incremental_interval_slots"`
}

// IsLoadOnly reports whether archiving is disabled.
func (c SnapshotConfig) IsLoadOnly() bool {
	return c.FullIntervalSlots == 0 && c.IncrementalIntervalSlots == 0
}
