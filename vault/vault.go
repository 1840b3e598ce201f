// Package vault implements PIN storage and verification for the access
// gate.
//
// A vault holds at most two PIN records: the main PIN, which unlocks the
// real environment, and an optional decoy PIN, which unlocks a deliberately
// unremarkable one. PINs are never stored; each record keeps only a random
// salt and the Argon2id hash derived from it. Repeated verification
// failures drive an exponential, purely client-local lockout.
package vault

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/veilchat/crypto"
)

// AccessMode identifies which environment a successful PIN verification
// resolves to.
type AccessMode uint8

const (
	// ModeMain is the real messaging environment.
	ModeMain AccessMode = iota
	// ModeDecoy is the decoy environment shown for the panic PIN.
	ModeDecoy
)

// String returns a human-readable mode name.
func (m AccessMode) String() string {
	if m == ModeDecoy {
		return "decoy"
	}
	return "main"
}

// PinRecord is the stored form of a PIN: a per-record random salt and the
// Argon2id hash derived from it. The plaintext PIN never appears here.
type PinRecord struct {
	Salt       []byte
	Hash       []byte
	Iterations uint32
}

// LockoutState tracks consecutive verification failures and the time
// before which further attempts are rejected without hashing.
type LockoutState struct {
	FailedAttempts int
	LockedUntil    time.Time
}

// Store persists vault state between runs. Implementations must never
// transmit records off the device.
type Store interface {
	SavePinRecord(slot string, rec *PinRecord) error
	LoadPinRecord(slot string) (*PinRecord, error) // (nil, nil) when absent
	SaveLockout(ls LockoutState) error
	LoadLockout() (LockoutState, error)
	DeletePinRecords() error
}

// Record slots in the store.
const (
	SlotMain  = "main"
	SlotDecoy = "decoy"
)

// Lockout tuning. The window doubles with each consecutive failure and is
// capped at lockoutBase << lockoutMaxShift.
const (
	lockoutBase     = 60 * time.Second
	lockoutMaxShift = 10
)

var (
	// ErrInvalidPinFormat is returned for PINs that are not 4-8 digits.
	ErrInvalidPinFormat = errors.New("pin must be 4-8 numeric digits")
	// ErrPinMismatch is returned when a PIN matches no stored record.
	ErrPinMismatch = errors.New("pin does not match")
	// ErrDecoyEqualsMain is returned when a decoy PIN would hash-equal the
	// main PIN.
	ErrDecoyEqualsMain = errors.New("decoy pin must differ from main pin")
	// ErrNoMainPin is returned when an operation requires a main PIN that
	// has not been set up yet.
	ErrNoMainPin = errors.New("main pin has not been set up")
)

// LockedOutError reports that verification is temporarily disabled.
type LockedOutError struct {
	Remaining time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("locked out for another %s", e.Remaining.Round(time.Second))
}

// Vault verifies PINs against stored records and enforces lockout.
type Vault struct {
	store Store
	clock crypto.TimeProvider

	main    *PinRecord
	decoy   *PinRecord
	lockout LockoutState

	mu sync.Mutex
}

// New creates a vault backed by the given store and loads any persisted
// records.
func New(store Store) (*Vault, error) {
	return NewWithTimeProvider(store, crypto.DefaultTimeProvider{})
}

// NewWithTimeProvider creates a vault with a custom time provider.
func NewWithTimeProvider(store Store, tp crypto.TimeProvider) (*Vault, error) {
	if store == nil {
		return nil, errors.New("vault store is required")
	}
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}

	v := &Vault{store: store, clock: tp}

	var err error
	if v.main, err = store.LoadPinRecord(SlotMain); err != nil {
		return nil, fmt.Errorf("failed to load main pin record: %w", err)
	}
	if v.decoy, err = store.LoadPinRecord(SlotDecoy); err != nil {
		return nil, fmt.Errorf("failed to load decoy pin record: %w", err)
	}
	if v.lockout, err = store.LoadLockout(); err != nil {
		return nil, fmt.Errorf("failed to load lockout state: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "New",
		"has_main":  v.main != nil,
		"has_decoy": v.decoy != nil,
		"failures":  v.lockout.FailedAttempts,
	}).Debug("Vault loaded")

	return v, nil
}

// HasPin reports whether a main PIN record exists.
func (v *Vault) HasPin() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.main != nil
}

// HasDecoy reports whether a decoy PIN record exists.
func (v *Vault) HasDecoy() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.decoy != nil
}

// ValidatePinFormat checks that a PIN is 4-8 numeric digits.
func ValidatePinFormat(pin string) error {
	if len(pin) < 4 || len(pin) > 8 {
		return ErrInvalidPinFormat
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return ErrInvalidPinFormat
		}
	}
	return nil
}

// Setup creates or replaces the main PIN record and clears any lockout.
func (v *Vault) Setup(pin string) error {
	if err := ValidatePinFormat(pin); err != nil {
		return err
	}

	rec, err := newRecord(pin)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.store.SavePinRecord(SlotMain, rec); err != nil {
		return fmt.Errorf("failed to persist main pin record: %w", err)
	}
	v.main = rec
	v.resetLockoutLocked()

	logrus.WithField("function", "Setup").Info("Main pin record created")
	return nil
}

// SetupDecoy creates or replaces the decoy PIN record. The candidate is
// hashed in the main record's salt domain and compared against the main
// hash, so equality is detected without ever retaining the main PIN in
// plaintext.
func (v *Vault) SetupDecoy(pin string) error {
	if err := ValidatePinFormat(pin); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.main == nil {
		return ErrNoMainPin
	}

	inMainDomain := crypto.DeriveKey([]byte(pin), v.main.Salt)
	same := crypto.ConstantTimeEqual(inMainDomain[:], v.main.Hash)
	crypto.ZeroBytes(inMainDomain[:])
	if same {
		return ErrDecoyEqualsMain
	}

	rec, err := newRecord(pin)
	if err != nil {
		return err
	}

	if err := v.store.SavePinRecord(SlotDecoy, rec); err != nil {
		return fmt.Errorf("failed to persist decoy pin record: %w", err)
	}
	v.decoy = rec

	logrus.WithField("function", "SetupDecoy").Info("Decoy pin record created")
	return nil
}

// Verify checks a PIN against the main record. While a lockout window is
// active it rejects immediately without hashing.
func (v *Vault) Verify(pin string) (bool, error) {
	mode, err := v.VerifyAndResolveMode(pin)
	if err != nil {
		var locked *LockedOutError
		if errors.As(err, &locked) {
			return false, err
		}
		return false, nil
	}
	return mode == ModeMain, nil
}

// VerifyAndResolveMode checks a PIN against the main record first, then
// the decoy record, and returns the resolved access mode. A match resets
// the failure counter; a miss increments it and extends the lockout
// window.
func (v *Vault) VerifyAndResolveMode(pin string) (AccessMode, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if remaining := v.lockRemainingLocked(); remaining > 0 {
		return 0, &LockedOutError{Remaining: remaining}
	}

	if v.main == nil {
		return 0, ErrNoMainPin
	}

	if matchRecord(pin, v.main) {
		v.resetLockoutLocked()
		return ModeMain, nil
	}
	if v.decoy != nil && matchRecord(pin, v.decoy) {
		v.resetLockoutLocked()
		return ModeDecoy, nil
	}

	v.recordFailureLocked()
	return 0, ErrPinMismatch
}

// LockRemaining returns how long the current lockout window has left, or
// zero when attempts are allowed.
func (v *Vault) LockRemaining() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lockRemainingLocked()
}

// FailedAttempts returns the consecutive-failure counter.
func (v *Vault) FailedAttempts() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lockout.FailedAttempts
}

// Reset wipes all PIN records and lockout state. This is the fallback for
// a forgotten PIN: the caller must have re-authenticated upstream first.
func (v *Vault) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.store.DeletePinRecords(); err != nil {
		return fmt.Errorf("failed to delete pin records: %w", err)
	}
	v.main = nil
	v.decoy = nil
	v.resetLockoutLocked()

	logrus.WithField("function", "Reset").Warn("Vault reset, all pin records deleted")
	return nil
}

func (v *Vault) lockRemainingLocked() time.Duration {
	if v.lockout.LockedUntil.IsZero() {
		return 0
	}
	remaining := v.lockout.LockedUntil.Sub(v.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (v *Vault) recordFailureLocked() {
	v.lockout.FailedAttempts++
	v.lockout.LockedUntil = v.clock.Now().Add(LockoutWindow(v.lockout.FailedAttempts))

	if err := v.store.SaveLockout(v.lockout); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "recordFailureLocked",
			"error":    err.Error(),
		}).Error("Failed to persist lockout state")
	}

	logrus.WithFields(logrus.Fields{
		"function": "recordFailureLocked",
		"failures": v.lockout.FailedAttempts,
		"window":   LockoutWindow(v.lockout.FailedAttempts).String(),
	}).Warn("Pin verification failed")
}

func (v *Vault) resetLockoutLocked() {
	v.lockout = LockoutState{}
	if err := v.store.SaveLockout(v.lockout); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "resetLockoutLocked",
			"error":    err.Error(),
		}).Error("Failed to persist lockout reset")
	}
}

// LockoutWindow returns the lockout duration after the given number of
// consecutive failures: 60s doubling per failure, capped at 60s << 10.
func LockoutWindow(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	shift := failures - 1
	if shift > lockoutMaxShift {
		shift = lockoutMaxShift
	}
	return lockoutBase << uint(shift)
}

func newRecord(pin string) (*PinRecord, error) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	hash := crypto.DeriveKey([]byte(pin), salt)
	return &PinRecord{
		Salt:       salt,
		Hash:       append([]byte(nil), hash[:]...),
		Iterations: crypto.Argon2idTime,
	}, nil
}

func matchRecord(pin string, rec *PinRecord) bool {
	derived := crypto.DeriveKey([]byte(pin), rec.Salt)
	ok := crypto.ConstantTimeEqual(derived[:], rec.Hash)
	crypto.ZeroBytes(derived[:])
	return ok
}
