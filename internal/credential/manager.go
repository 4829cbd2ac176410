package credential

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/sync/singleflight"

	log "github.com/nghyane/samba-mux/internal/logging"
)

// ManagerConfig holds the lifecycle tuning knobs. The renewal backoff
// constants are deliberately conservative: 5 attempts, exponential from
// 2s, capped at 5 minutes.
type ManagerConfig struct {
	// MarginFraction of the credential lifetime reserved before expiry
	// for proactive renewal.
	MarginFraction float64
	// MarginFloor and MarginCap clamp the computed margin.
	MarginFloor time.Duration
	MarginCap   time.Duration

	// RetryMaxAttempts bounds background renewal attempts before the
	// loop gives up and the manager reports the failed state.
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// AcquireTimeout bounds a single acquisition round trip.
	AcquireTimeout time.Duration
}

// DefaultManagerConfig returns the production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MarginFraction:   0.05,
		MarginFloor:      30 * time.Second,
		MarginCap:        time.Hour,
		RetryMaxAttempts: 5,
		RetryBaseDelay:   2 * time.Second,
		RetryMaxDelay:    5 * time.Minute,
		AcquireTimeout:   60 * time.Second,
	}
}

// Status is a point-in-time snapshot for health consumers. It never
// carries the token itself.
type Status struct {
	State     State
	ExpiresIn time.Duration
	Renewing  bool
}

// Manager keeps the shared credential slot populated: synchronous
// acquisition on first use, proactive renewal before expiry, forced
// renewal after an upstream rejection, and single-flight de-duplication so
// at most one acquirer call is in flight system-wide.
type Manager struct {
	store    *Store
	acquirer Acquirer
	cfg      ManagerConfig

	sf       singleflight.Group
	renewing atomic.Bool
	failed   atomic.Bool

	timerMu sync.Mutex
	timer   *time.Timer

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager wires the store and acquirer together. The store may already
// hold a credential (warm restart); its renewal timer is scheduled.
func NewManager(store *Store, acquirer Acquirer, cfg ManagerConfig) *Manager {
	def := DefaultManagerConfig()
	if cfg.MarginFraction <= 0 || cfg.MarginFraction >= 1 {
		cfg.MarginFraction = def.MarginFraction
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = def.RetryMaxDelay
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    store,
		acquirer: acquirer,
		cfg:      cfg,
		bgCtx:    ctx,
		bgCancel: cancel,
	}
	if cred := store.Read(); cred != nil {
		m.scheduleRenewal(cred)
	}
	return m
}

// margin returns the proactive-renewal window for a credential lifetime.
func (m *Manager) margin(lifetime time.Duration) time.Duration {
	margin := time.Duration(float64(lifetime) * m.cfg.MarginFraction)
	if m.cfg.MarginFloor > 0 && margin < m.cfg.MarginFloor {
		margin = m.cfg.MarginFloor
	}
	if m.cfg.MarginCap > 0 && margin > m.cfg.MarginCap {
		margin = m.cfg.MarginCap
	}
	if margin >= lifetime {
		margin = lifetime / 2
	}
	return margin
}

// GetValid returns a usable credential, acquiring one synchronously when
// the slot is empty or invalid. Callers arriving while a renewal is in
// flight attach to it instead of starting a second login.
func (m *Manager) GetValid(ctx context.Context) (*Credential, error) {
	now := time.Now()
	if cred := m.store.Read(); cred.Usable(now) {
		if cred.StateAt(now, m.margin(cred.Lifetime())) == StateExpiring {
			m.renewBackground()
		}
		return cred, nil
	}

	ch := m.sf.DoChan("renew", m.renewOnce)
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credential), nil
	case <-ctx.Done():
		// The renewal keeps running for other waiters; only this
		// caller gives up.
		return nil, NewAuthError("renewal wait", ctx.Err())
	}
}

// renewOnce is the single-flight body: one acquisition round trip,
// installing the result on success. Late waiters that attached after a
// concurrent renewal already installed a credential get it from the
// double-check instead of a second login. A credential inside the expiring
// window does not short-circuit, so proactive renewal still replaces it.
func (m *Manager) renewOnce() (any, error) {
	now := time.Now()
	if cred := m.store.Read(); cred.Usable(now) &&
		cred.StateAt(now, m.margin(cred.Lifetime())) == StateValid {
		return cred, nil
	}

	ctx, cancel := context.WithTimeout(m.bgCtx, m.cfg.AcquireTimeout)
	defer cancel()

	cred, err := m.acquirer.Acquire(ctx)
	if err != nil {
		if IsAuthError(err) {
			return nil, err
		}
		return nil, NewAuthError("acquire", err)
	}
	m.install(cred)
	return cred, nil
}

// install publishes a fresh credential and resets the renewal timer.
func (m *Manager) install(cred *Credential) {
	m.store.Install(cred)
	m.failed.Store(false)
	m.scheduleRenewal(cred)
}

func (m *Manager) scheduleRenewal(cred *Credential) {
	margin := m.margin(cred.Lifetime())
	fireIn := time.Until(cred.ExpiresAt.Add(-margin))
	if fireIn < 0 {
		fireIn = 0
	}

	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(fireIn, func() {
		log.Debugf("credential entering expiring window, starting proactive renewal")
		m.renewBackground()
	})
}

// renewBackground runs the retrying renewal loop at most once at a time.
// Each attempt goes through the same single-flight key as synchronous
// callers, so the at-most-one-acquirer invariant holds across both paths.
func (m *Manager) renewBackground() {
	// A timer callback can still fire while Close is waiting; never add to
	// the WaitGroup once shutdown has begun.
	if m.bgCtx.Err() != nil {
		return
	}
	if !m.renewing.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.renewing.Store(false)

		policy := retrypolicy.NewBuilder[any]().
			WithMaxAttempts(m.cfg.RetryMaxAttempts).
			WithBackoff(m.cfg.RetryBaseDelay, m.cfg.RetryMaxDelay).
			Build()

		_, err := failsafe.With(policy).WithContext(m.bgCtx).Get(func() (any, error) {
			res, err, _ := m.sf.Do("renew", m.renewOnce)
			return res, err
		})
		if err != nil {
			if m.bgCtx.Err() != nil {
				return
			}
			m.failed.Store(true)
			log.WithError(err).Errorf("background credential renewal exhausted after %d attempts", m.cfg.RetryMaxAttempts)
			return
		}
		log.Debugf("background credential renewal complete")
	}()
}

// ReportRejected is called when upstream rejects a credential. The rejected
// credential is compared against the installed one so that a stale
// credential observed by many concurrent requests triggers only one
// invalidation and one renewal.
func (m *Manager) ReportRejected(rejected *Credential) {
	cur := m.store.Read()
	if cur == nil || rejected == nil {
		return
	}
	if !cur.SameIdentity(rejected) {
		// Already superseded; the reporter saw an old credential.
		return
	}
	if cur.Revoked() {
		return
	}
	if m.store.Invalidate() == nil {
		return
	}
	log.Warnf("credential rejected upstream, forcing renewal")
	m.renewBackground()
}

// Snapshot returns the lifecycle state for /health and /info consumers.
func (m *Manager) Snapshot() Status {
	now := time.Now()
	cred := m.store.Read()

	st := Status{Renewing: m.renewing.Load()}
	if cred == nil {
		st.State = StateNone
	} else {
		st.State = cred.StateAt(now, m.margin(cred.Lifetime()))
		st.ExpiresIn = cred.ExpiresIn(now)
	}
	if m.failed.Load() && (cred == nil || !cred.Usable(now)) {
		st.State = StateFailed
	}
	return st
}

// Close stops the renewal timer and background loop. Pending synchronous
// acquisitions are cancelled.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		m.timerMu.Lock()
		if m.timer != nil {
			m.timer.Stop()
		}
		m.timerMu.Unlock()
		m.bgCancel()
	})
	m.wg.Wait()
}
