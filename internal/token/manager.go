package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/apihub-kr/apihub/internal/backoff"
	"github.com/apihub-kr/apihub/internal/lock"
	"github.com/apihub-kr/apihub/internal/metrics"
	"github.com/apihub-kr/apihub/pkg/domain"
)

const (
	// refreshMargin is how much remaining validity triggers a proactive
	// refresh. Provider tokens live ~24h; 300s keeps in-flight requests
	// from racing the expiry.
	refreshMargin = 300 * time.Second

	lockTTL          = 10 * time.Second
	lockPollInterval = 500 * time.Millisecond
	lockWait         = 5 * time.Second
	lockRetries      = 5
	lockRetryBase    = 500 * time.Millisecond

	refreshRetries    = 3
	refreshRetryBase  = time.Second
	maxRefreshBackoff = 4 * time.Second
)

// ErrLockContention means the refresh lock could not be acquired and no
// other holder produced a fresh token within the wait budget.
var ErrLockContention = errors.New("token refresh lock contention")

// Refresher performs the provider's OAuth2 token issue call and returns
// the new access token with its lifetime in seconds.
type Refresher interface {
	Refresh(ctx context.Context, provider domain.Provider) (accessToken string, expiresIn int64, err error)
}

// Manager coordinates token refresh across all workers through the
// store: one refresh lock per provider, token records readable by
// everyone. It satisfies the client TokenSource contract.
type Manager struct {
	rdb        *redis.Client
	locks      *lock.Lock
	refreshers map[domain.Provider]Refresher
	ownerID    string
	logger     *slog.Logger
	now        func() time.Time

	retryBase    time.Duration
	pollInterval time.Duration
	waitBudget   time.Duration
}

func NewManager(rdb *redis.Client, refreshers map[domain.Provider]Refresher, ownerID string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		rdb:          rdb,
		locks:        lock.New(rdb),
		refreshers:   refreshers,
		ownerID:      ownerID,
		logger:       logger,
		now:          time.Now,
		retryBase:    refreshRetryBase,
		pollInterval: lockPollInterval,
		waitBudget:   lockWait,
	}
}

func tokenKey(provider domain.Provider) string {
	return fmt.Sprintf("api:token:%s", provider)
}

func lockKey(provider domain.Provider) string {
	return fmt.Sprintf("api:token:%s:lock", provider)
}

// GetToken returns a token with at least the refresh margin of validity
// left, refreshing under the distributed lock when needed.
func (m *Manager) GetToken(ctx context.Context, provider domain.Provider) (string, error) {
	rec, err := m.readRecord(ctx, provider)
	if err != nil {
		return "", err
	}
	if rec != nil && rec.ValidFor(m.now().Unix()) > int64(refreshMargin.Seconds()) {
		return rec.AccessToken, nil
	}
	rec, err = m.refreshWithLock(ctx, provider, false)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// ForceRefresh discards the cached token and refreshes regardless of
// remaining validity. Used when the provider rejects the token.
func (m *Manager) ForceRefresh(ctx context.Context, provider domain.Provider) (string, error) {
	rec, err := m.refreshWithLock(ctx, provider, true)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// Status reports the stored record without touching it. nil means no
// token has been issued yet.
func (m *Manager) Status(ctx context.Context, provider domain.Provider) (*domain.TokenRecord, error) {
	return m.readRecord(ctx, provider)
}

func (m *Manager) readRecord(ctx context.Context, provider domain.Provider) (*domain.TokenRecord, error) {
	raw, err := m.rdb.Get(ctx, tokenKey(provider)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token record for %s: %w", provider, err)
	}
	var rec domain.TokenRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode token record for %s: %w", provider, err)
	}
	return &rec, nil
}

// refreshWithLock serializes the provider refresh across workers. The
// losing workers wait for the winner's record instead of issuing their
// own refresh calls.
func (m *Manager) refreshWithLock(ctx context.Context, provider domain.Provider, force bool) (*domain.TokenRecord, error) {
	key := lockKey(provider)

	for attempt := 0; attempt <= lockRetries; attempt++ {
		acquired, err := m.locks.Acquire(ctx, key, m.ownerID, lockTTL)
		if err != nil {
			return nil, err
		}
		if acquired {
			rec, err := m.refreshHoldingLock(ctx, provider, force)
			if _, relErr := m.locks.Release(ctx, key, m.ownerID); relErr != nil {
				m.logger.Warn("token lock release failed", "provider", provider, "err", relErr)
			}
			return rec, err
		}

		// Someone else is refreshing. Poll the token record; if the
		// holder finishes, use its result.
		if rec := m.awaitFreshRecord(ctx, provider); rec != nil {
			return rec, nil
		}
		m.logger.Warn("token refresh lock contention, retrying",
			"provider", provider, "attempt", attempt+1)
		if !sleepOrDone(ctx, backoff.Linear(lockRetryBase, attempt, m.waitBudget)) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: provider %s", ErrLockContention, provider)
}

// refreshHoldingLock runs with the lock held. It re-reads the record
// first because another worker may have refreshed between our staleness
// check and the acquire.
func (m *Manager) refreshHoldingLock(ctx context.Context, provider domain.Provider, force bool) (*domain.TokenRecord, error) {
	if !force {
		rec, err := m.readRecord(ctx, provider)
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.ValidFor(m.now().Unix()) > int64(refreshMargin.Seconds()) {
			return rec, nil
		}
	}

	refresher, ok := m.refreshers[provider]
	if !ok {
		return nil, fmt.Errorf("no token refresher configured for %s", provider)
	}

	prev, err := m.readRecord(ctx, provider)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < refreshRetries; attempt++ {
		accessToken, expiresIn, err := refresher.Refresh(ctx, provider)
		if err == nil {
			rec, werr := m.writeRecord(ctx, provider, prev, accessToken, expiresIn)
			if werr != nil {
				return nil, werr
			}
			metrics.TokenRefreshTotal.WithLabelValues(string(provider), "success").Inc()
			m.logger.Info("token refreshed", "provider", provider,
				"expires_in", expiresIn, "refresh_count", rec.RefreshCount)
			return rec, nil
		}
		lastErr = err
		m.logger.Warn("token refresh attempt failed",
			"provider", provider, "attempt", attempt+1, "err", err)
		if attempt < refreshRetries-1 {
			if !sleepOrDone(ctx, backoff.Exponential(m.retryBase, attempt, maxRefreshBackoff)) {
				return nil, ctx.Err()
			}
		}
	}
	metrics.TokenRefreshTotal.WithLabelValues(string(provider), "failure").Inc()
	return nil, fmt.Errorf("refresh token for %s: %w", provider, lastErr)
}

// writeRecord stores the new token with TTL equal to its lifetime so an
// abandoned record cannot outlive its validity.
func (m *Manager) writeRecord(ctx context.Context, provider domain.Provider, prev *domain.TokenRecord, accessToken string, expiresIn int64) (*domain.TokenRecord, error) {
	now := m.now().Unix()
	rec := &domain.TokenRecord{
		AccessToken:  accessToken,
		ExpiresAt:    now + expiresIn,
		RefreshedAt:  now,
		RefreshCount: 1,
	}
	if prev != nil {
		rec.RefreshCount = prev.RefreshCount + 1
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode token record: %w", err)
	}
	ttl := time.Duration(expiresIn) * time.Second
	if err := m.rdb.Set(ctx, tokenKey(provider), raw, ttl).Err(); err != nil {
		return nil, fmt.Errorf("store token record for %s: %w", provider, err)
	}
	return rec, nil
}

// awaitFreshRecord polls the token record every 500ms for up to 5s and
// returns it once it carries more than the refresh margin of validity.
func (m *Manager) awaitFreshRecord(ctx context.Context, provider domain.Provider) *domain.TokenRecord {
	deadline := m.now().Add(m.waitBudget)
	for m.now().Before(deadline) {
		rec, err := m.readRecord(ctx, provider)
		if err == nil && rec != nil && rec.ValidFor(m.now().Unix()) > int64(refreshMargin.Seconds()) {
			return rec
		}
		if !sleepOrDone(ctx, m.pollInterval) {
			return nil
		}
	}
	return nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
