// Package gate implements the access-control state machine in front of
// the messaging core: stealth → PIN entry → unlocked (main or decoy) →
// back to stealth on lock.
//
// The gate is an explicit finite-state machine with enumerated states and
// transition methods, testable without any rendering framework. While
// unlocked it holds the raw PIN transiently in memory as the
// key-derivation input for the decryption pipeline; locking destroys it.
package gate

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/veilchat/crypto"
	"github.com/opd-ai/veilchat/vault"
)

// State is one of the gate's enumerated states.
type State uint8

const (
	// StateStealth shows only the news-reader façade.
	StateStealth State = iota
	// StatePinEntry is the PIN prompt.
	StatePinEntry
	// StateUnlocked is the live messaging environment, main or decoy.
	StateUnlocked
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StatePinEntry:
		return "pin_entry"
	case StateUnlocked:
		return "unlocked"
	default:
		return "stealth"
	}
}

// IdleTimeout presets for the blur-to-lock timer. IdleNever disables it.
const (
	Idle10s  = 10 * time.Second
	Idle30s  = 30 * time.Second
	Idle60s  = 60 * time.Second
	Idle5min = 5 * time.Minute
	IdleNever time.Duration = 0
)

// doubleCancelWindow is how close together two cancel gestures must land
// to trigger a lock.
const doubleCancelWindow = time.Second

// stealthFlag is the persisted locked/unlocked marker: "true" means
// stealth (locked).
const stealthFlag = "stealth"

var (
	// ErrIdentityRequired means no authenticated identity exists
	// upstream; the caller must route to the external sign-in flow.
	ErrIdentityRequired = errors.New("authenticated identity required before pin entry")
	// ErrNotPinEntry is returned for a PIN submission outside PinEntry.
	ErrNotPinEntry = errors.New("gate is not at pin entry")
	// ErrConfirmMismatch is returned during first-time setup when the
	// confirmation PIN differs from the first entry.
	ErrConfirmMismatch = errors.New("confirmation pin does not match")
)

// FlagStore persists the stealth flag between runs.
type FlagStore interface {
	SetFlag(key, value string) error
	GetFlag(key string) (string, error)
}

// Gate drives the access-control state machine.
type Gate struct {
	vault *vault.Vault
	flags FlagStore
	clock crypto.TimeProvider

	hasIdentity func() bool

	state       State
	mode        vault.AccessMode
	pin         []byte // transient raw PIN, KDF input; wiped on lock
	pendingPin  string // first entry during first-time setup
	idleTimeout time.Duration
	idleTimer   *time.Timer
	lastCancel  time.Time

	onUnlocked func(mode vault.AccessMode, pin []byte)
	onLocked   func()

	mu sync.Mutex
}

// New creates a gate in stealth over the given vault.
func New(v *vault.Vault, flags FlagStore, hasIdentity func() bool) *Gate {
	return NewWithTimeProvider(v, flags, hasIdentity, crypto.DefaultTimeProvider{})
}

// NewWithTimeProvider creates a gate with a custom time provider.
func NewWithTimeProvider(v *vault.Vault, flags FlagStore, hasIdentity func() bool, tp crypto.TimeProvider) *Gate {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	g := &Gate{
		vault:       v,
		flags:       flags,
		clock:       tp,
		hasIdentity: hasIdentity,
		state:       StateStealth,
		idleTimeout: Idle60s,
	}
	g.persistStealth(true)
	return g
}

// OnUnlocked registers the callback fired on a successful unlock. The pin
// slice is owned by the gate and wiped on lock; callers must not retain
// it.
func (g *Gate) OnUnlocked(fn func(mode vault.AccessMode, pin []byte)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onUnlocked = fn
}

// OnLocked registers the callback fired on every lock transition, after
// the PIN has been destroyed.
func (g *Gate) OnLocked(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onLocked = fn
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Mode returns the access mode while unlocked.
func (g *Gate) Mode() (vault.AccessMode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode, g.state == StateUnlocked
}

// SetIdleTimeout selects the blur-to-lock duration. IdleNever disables
// the idle lock.
func (g *Gate) SetIdleTimeout(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.idleTimeout = d
}

// RequestUnlock moves stealth → PIN entry, provided an authenticated
// identity exists upstream.
func (g *Gate) RequestUnlock() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateStealth {
		return nil
	}
	if g.hasIdentity != nil && !g.hasIdentity() {
		return ErrIdentityRequired
	}
	g.state = StatePinEntry
	g.pendingPin = ""

	logrus.WithField("function", "RequestUnlock").Debug("Gate moved to pin entry")
	return nil
}

// FirstTimeSetup reports whether the next submission is part of the
// initial enter/confirm sequence.
func (g *Gate) FirstTimeSetup() bool {
	return !g.vault.HasPin()
}

// PendingConfirm reports whether a first entry has been stored and the
// prompt should ask for confirmation.
func (g *Gate) PendingConfirm() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pendingPin != ""
}

// SubmitPin handles a PIN submission at the prompt.
//
// On first-ever use the PIN must be entered twice: the first call stores
// it pending, the second must match before the vault record is created
// and the gate unlocks into main mode. On subsequent uses the vault
// resolves the mode; failures feed the lockout.
func (g *Gate) SubmitPin(pin string) error {
	g.mu.Lock()
	if g.state != StatePinEntry {
		g.mu.Unlock()
		return ErrNotPinEntry
	}
	g.mu.Unlock()

	if !g.vault.HasPin() {
		return g.submitFirstTime(pin)
	}

	mode, err := g.vault.VerifyAndResolveMode(pin)
	if err != nil {
		return err
	}
	g.unlock(mode, pin)
	return nil
}

func (g *Gate) submitFirstTime(pin string) error {
	if err := vault.ValidatePinFormat(pin); err != nil {
		return err
	}

	g.mu.Lock()
	if g.pendingPin == "" {
		g.pendingPin = pin
		g.mu.Unlock()
		return nil
	}
	pending := g.pendingPin
	g.pendingPin = ""
	g.mu.Unlock()

	if pending != pin {
		return ErrConfirmMismatch
	}
	if err := g.vault.Setup(pin); err != nil {
		return err
	}
	g.unlock(vault.ModeMain, pin)
	return nil
}

func (g *Gate) unlock(mode vault.AccessMode, pin string) {
	g.mu.Lock()
	g.state = StateUnlocked
	g.mode = mode
	g.pin = []byte(pin)
	onUnlocked := g.onUnlocked
	pinBytes := g.pin
	g.mu.Unlock()

	g.persistStealth(false)

	logrus.WithFields(logrus.Fields{
		"function": "unlock",
		"mode":     mode.String(),
	}).Info("Gate unlocked")

	if onUnlocked != nil {
		onUnlocked(mode, pinBytes)
	}
}

// Lock returns to stealth: the in-memory PIN is destroyed first, then
// the locked callback tears down sessions and channels.
func (g *Gate) Lock() {
	g.mu.Lock()
	if g.state == StateStealth {
		g.mu.Unlock()
		return
	}
	g.state = StateStealth
	g.pendingPin = ""
	if g.pin != nil {
		crypto.ZeroBytes(g.pin)
		g.pin = nil
	}
	if g.idleTimer != nil {
		g.idleTimer.Stop()
		g.idleTimer = nil
	}
	onLocked := g.onLocked
	g.mu.Unlock()

	g.persistStealth(true)

	logrus.WithField("function", "Lock").Info("Gate locked")

	if onLocked != nil {
		onLocked()
	}
}

// CancelPressed registers a cancel gesture; two within one second lock
// the gate.
func (g *Gate) CancelPressed() {
	g.mu.Lock()
	now := g.clock.Now()
	double := !g.lastCancel.IsZero() && now.Sub(g.lastCancel) <= doubleCancelWindow
	g.lastCancel = now
	locked := g.state != StateStealth
	g.mu.Unlock()

	if double && locked {
		g.Lock()
	}
}

// WindowBlurred starts the idle-lock timer, when one is configured.
func (g *Gate) WindowBlurred() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateUnlocked || g.idleTimeout == IdleNever {
		return
	}
	if g.idleTimer != nil {
		g.idleTimer.Stop()
	}
	g.idleTimer = time.AfterFunc(g.idleTimeout, g.Lock)
}

// WindowFocused cancels a pending idle lock.
func (g *Gate) WindowFocused() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idleTimer != nil {
		g.idleTimer.Stop()
		g.idleTimer = nil
	}
}

// VisibilityHidden locks immediately: OS-level screen lock or the page
// being hidden must never leave the chat exposed.
func (g *Gate) VisibilityHidden() {
	g.Lock()
}

func (g *Gate) persistStealth(locked bool) {
	if g.flags == nil {
		return
	}
	value := "false"
	if locked {
		value = "true"
	}
	if err := g.flags.SetFlag(stealthFlag, value); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "persistStealth",
			"error":    err.Error(),
		}).Error("Failed to persist stealth flag")
	}
}
