package publish_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanforge/socialcore/internal/domain"
	"github.com/fanforge/socialcore/internal/limiter"
	"github.com/fanforge/socialcore/internal/oauth"
	"github.com/fanforge/socialcore/internal/publish"
)

// fixedAccountRepo serves a single account.
type fixedAccountRepo struct {
	account *domain.SocialAccount
}

func (r *fixedAccountRepo) Upsert(context.Context, *domain.SocialAccount) error { return nil }

func (r *fixedAccountRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.SocialAccount, error) {
	if r.account != nil && r.account.ID == id {
		return r.account, nil
	}
	return nil, domain.ErrNotFound
}

func (r *fixedAccountRepo) GetByUserProvider(_ context.Context, userID uuid.UUID, provider domain.Provider) (*domain.SocialAccount, error) {
	if r.account != nil && r.account.UserID == userID && r.account.Provider == provider {
		return r.account, nil
	}
	return nil, domain.ErrNotFound
}

func (r *fixedAccountRepo) ListByUser(context.Context, uuid.UUID) ([]*domain.SocialAccount, error) {
	return nil, nil
}

func (r *fixedAccountRepo) ListExpiring(context.Context, time.Duration, int) ([]*domain.SocialAccount, error) {
	return nil, nil
}

func (r *fixedAccountRepo) SwapTokens(context.Context, uuid.UUID, int64, domain.TokenPair) error {
	return nil
}

func (r *fixedAccountRepo) SetStatus(context.Context, uuid.UUID, domain.AccountStatus) error {
	return nil
}

func (r *fixedAccountRepo) SetStatusByExternalID(context.Context, domain.Provider, string, domain.AccountStatus) error {
	return nil
}

func (r *fixedAccountRepo) Delete(context.Context, uuid.UUID) error { return nil }

// memPostRepo is an in-memory PostRepository enforcing the pending quota the
// way the real store does.
type memPostRepo struct {
	mu    sync.Mutex
	posts map[uuid.UUID]*domain.PlatformPost
}

func newMemPostRepo() *memPostRepo {
	return &memPostRepo{posts: make(map[uuid.UUID]*domain.PlatformPost)}
}

func (r *memPostRepo) CreatePending(_ context.Context, p *domain.PlatformPost, quota int, window time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	since := time.Now().Add(-window)
	pending := 0
	var oldest time.Time
	for _, existing := range r.posts {
		if existing.AccountID == p.AccountID && !existing.Status.Terminal() && existing.CreatedAt.After(since) {
			pending++
			if oldest.IsZero() || existing.CreatedAt.Before(oldest) {
				oldest = existing.CreatedAt
			}
		}
	}
	if pending >= quota {
		resetAt := time.Now().Add(window)
		if !oldest.IsZero() {
			resetAt = oldest.Add(window)
		}
		return &domain.QuotaError{Limit: quota, Pending: pending, ResetAt: resetAt}
	}

	cp := *p
	r.posts[p.ID] = &cp
	return nil
}

func (r *memPostRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.PlatformPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memPostRepo) GetByPublishID(_ context.Context, provider domain.Provider, publishID string) (*domain.PlatformPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.posts {
		if p.Provider == provider && p.PublishID == publishID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memPostRepo) SetPublishID(_ context.Context, id uuid.UUID, publishID string, status domain.PostStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.PublishID = publishID
	p.Status = status
	return nil
}

func (r *memPostRepo) MarkFailed(_ context.Context, id uuid.UUID, errorCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.posts[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Status = domain.PostFailed
	p.ErrorCode = errorCode
	return nil
}

func (r *memPostRepo) AdvanceStatus(_ context.Context, provider domain.Provider, publishID string, status domain.PostStatus, errorCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.posts {
		if p.Provider == provider && p.PublishID == publishID {
			if !p.Status.CanTransition(status) {
				return domain.ErrInvalidTransition
			}
			p.Status = status
			p.ErrorCode = errorCode
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *memPostRepo) ListByAccount(_ context.Context, accountID uuid.UUID, limit int) ([]*domain.PlatformPost, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.PlatformPost
	for _, p := range r.posts {
		if p.AccountID == accountID && len(out) < limit {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fixedTokenSource returns a canned token or error.
type fixedTokenSource struct {
	token string
	err   error
}

func (s *fixedTokenSource) GetValidToken(context.Context, uuid.UUID) (string, error) {
	return s.token, s.err
}

// fakePublisher records calls and returns a canned result.
type fakePublisher struct {
	result *publish.Result
	err    error
	calls  int
	token  string
	req    publish.Request
}

func (f *fakePublisher) Publish(_ context.Context, token string, req publish.Request) (*publish.Result, error) {
	f.calls++
	f.token = token
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func activeAccount(provider domain.Provider) *domain.SocialAccount {
	return &domain.SocialAccount{
		ID:                uuid.New(),
		UserID:            uuid.New(),
		Provider:          provider,
		ExternalAccountID: "ext-1",
		Status:            domain.AccountActive,
	}
}

func newTestService(t *testing.T, account *domain.SocialAccount, pub publish.Publisher, tokens publish.TokenSource, quota int) (*publish.Service, *memPostRepo) {
	t.Helper()

	posts := newMemPostRepo()
	lim := limiter.New(t.Context(), 100, time.Minute)
	svc := publish.NewService(&fixedAccountRepo{account: account}, posts, tokens, lim, quota, 24*time.Hour)
	svc.RegisterPublisher(account.Provider, pub)
	return svc, posts
}

func TestPublish_HappyPath(t *testing.T) {
	t.Parallel()

	account := activeAccount(domain.ProviderTikTok)
	pub := &fakePublisher{result: &publish.Result{PublishID: "upload-1", Status: domain.PostProcessing}}
	svc, posts := newTestService(t, account, pub, &fixedTokenSource{token: "tok"}, 5)

	post, err := svc.Publish(t.Context(), account.UserID, domain.ProviderTikTok, "https://m.example.com/v.mp4", "hi")

	require.NoError(t, err)
	assert.Equal(t, "upload-1", post.PublishID)
	assert.Equal(t, domain.PostProcessing, post.Status)
	assert.Equal(t, "tok", pub.token)
	assert.Equal(t, "ext-1", pub.req.ExternalAccountID)

	stored, err := posts.GetByID(t.Context(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostProcessing, stored.Status)
}

func TestPublish_QuotaExhausted(t *testing.T) {
	t.Parallel()

	account := activeAccount(domain.ProviderTikTok)
	pub := &fakePublisher{result: &publish.Result{PublishID: "u", Status: domain.PostProcessing}}
	svc, _ := newTestService(t, account, pub, &fixedTokenSource{token: "tok"}, 2)

	for i := range 2 {
		pub.result = &publish.Result{PublishID: uuid.NewString(), Status: domain.PostProcessing}
		_, err := svc.Publish(t.Context(), account.UserID, domain.ProviderTikTok, "https://m.example.com/v.mp4", "")
		require.NoError(t, err, "publish %d within quota", i+1)
	}

	_, err := svc.Publish(t.Context(), account.UserID, domain.ProviderTikTok, "https://m.example.com/v.mp4", "")

	require.Error(t, err)
	var qe *domain.QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 2, qe.Limit)
	assert.Equal(t, 2, qe.Pending)
	assert.False(t, qe.ResetAt.IsZero())
	assert.Equal(t, 2, pub.calls, "the platform must not see the over-quota attempt")
}

// countingPublisher is a goroutine-safe Publisher issuing unique publish IDs.
type countingPublisher struct {
	mu    sync.Mutex
	calls int
}

func (f *countingPublisher) Publish(context.Context, string, publish.Request) (*publish.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &publish.Result{PublishID: uuid.NewString(), Status: domain.PostProcessing}, nil
}

func TestPublish_ConcurrentCallersCannotExceedQuota(t *testing.T) {
	t.Parallel()

	const (
		quota   = 3
		callers = 8
	)

	account := activeAccount(domain.ProviderTikTok)
	pub := &countingPublisher{}
	svc, posts := newTestService(t, account, pub, &fixedTokenSource{token: "tok"}, quota)

	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Publish(t.Context(), account.UserID, domain.ProviderTikTok, "https://m.example.com/v.mp4", "")
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var qe *domain.QuotaError
		require.ErrorAs(t, err, &qe, "every rejection must carry the quota detail")
		assert.Equal(t, quota, qe.Limit)
	}
	assert.Equal(t, quota, succeeded, "exactly the quota may pass, no matter the interleaving")
	assert.Equal(t, quota, pub.calls, "the platform must not see any over-quota attempt")

	listed, err := posts.ListByAccount(t.Context(), account.ID, callers)
	require.NoError(t, err)
	assert.Len(t, listed, quota)
}

func TestPublish_RateLimited(t *testing.T) {
	t.Parallel()

	account := activeAccount(domain.ProviderTikTok)
	pub := &fakePublisher{result: &publish.Result{PublishID: "u-1", Status: domain.PostProcessing}}

	posts := newMemPostRepo()
	lim := limiter.New(t.Context(), 1, time.Minute)
	svc := publish.NewService(&fixedAccountRepo{account: account}, posts, &fixedTokenSource{token: "tok"}, lim, 10, 24*time.Hour)
	svc.RegisterPublisher(domain.ProviderTikTok, pub)

	_, err := svc.Publish(t.Context(), account.UserID, domain.ProviderTikTok, "https://m.example.com/v.mp4", "")
	require.NoError(t, err)

	_, err = svc.Publish(t.Context(), account.UserID, domain.ProviderTikTok, "https://m.example.com/v.mp4", "")

	require.Error(t, err)
	var rle *domain.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Greater(t, rle.RetryAfter, time.Duration(0))
}

func TestPublish_ProviderFailureMarksPostFailed(t *testing.T) {
	t.Parallel()

	account := activeAccount(domain.ProviderTikTok)
	pub := &fakePublisher{err: &oauth.ProviderError{
		Provider: domain.ProviderTikTok,
		Op:       "initialize",
		Code:     "spam_risk",
		Err:      errors.New("rejected"),
	}}
	svc, posts := newTestService(t, account, pub, &fixedTokenSource{token: "tok"}, 5)

	_, err := svc.Publish(t.Context(), account.UserID, domain.ProviderTikTok, "https://m.example.com/v.mp4", "")

	require.Error(t, err)

	listed, listErr := posts.ListByAccount(t.Context(), account.ID, 10)
	require.NoError(t, listErr)
	require.Len(t, listed, 1)
	assert.Equal(t, domain.PostFailed, listed[0].Status)
	assert.Equal(t, "spam_risk", listed[0].ErrorCode)
}

func TestPublish_NeedsReauthAccount(t *testing.T) {
	t.Parallel()

	account := activeAccount(domain.ProviderTikTok)
	account.Status = domain.AccountNeedsReauth
	pub := &fakePublisher{result: &publish.Result{PublishID: "u", Status: domain.PostProcessing}}
	svc, _ := newTestService(t, account, pub, &fixedTokenSource{token: "tok"}, 5)

	_, err := svc.Publish(t.Context(), account.UserID, domain.ProviderTikTok, "https://m.example.com/v.mp4", "")

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNeedsReauth)
	assert.Zero(t, pub.calls)
}

func TestPublish_TokenFailureLeavesNoOrphanPending(t *testing.T) {
	t.Parallel()

	account := activeAccount(domain.ProviderTikTok)
	pub := &fakePublisher{result: &publish.Result{PublishID: "u", Status: domain.PostProcessing}}
	tokens := &fixedTokenSource{err: domain.ErrNeedsReauth}
	svc, posts := newTestService(t, account, pub, tokens, 5)

	_, err := svc.Publish(t.Context(), account.UserID, domain.ProviderTikTok, "https://m.example.com/v.mp4", "")

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNeedsReauth)

	listed, listErr := posts.ListByAccount(t.Context(), account.ID, 10)
	require.NoError(t, listErr)
	assert.Empty(t, listed, "no pending row may be left when no attempt was made")
}

func TestPublish_UnknownProvider(t *testing.T) {
	t.Parallel()

	account := activeAccount(domain.ProviderTikTok)
	pub := &fakePublisher{}
	svc, _ := newTestService(t, account, pub, &fixedTokenSource{token: "tok"}, 5)

	_, err := svc.Publish(t.Context(), account.UserID, domain.ProviderInstagram, "https://m.example.com/p.jpg", "")

	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
}
