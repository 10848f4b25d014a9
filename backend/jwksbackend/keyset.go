package jwksbackend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/metricskey"
	jose "github.com/go-jose/go-jose/v3"
)

// DefaultMinRefreshInterval limits how often the remote key set is fetched
// when a signature does not match any cached key
const DefaultMinRefreshInterval = time.Minute

// MaxKeySetSize is the limit of JWKS document size in bytes
const MaxKeySetSize = 1 << 20

// KeySet provides keys to verify signatures
type KeySet interface {
	// Keys returns the current keys
	Keys(ctx context.Context) ([]jose.JSONWebKey, error)
	// Refresh returns the keys after an attempt to update them
	Refresh(ctx context.Context) ([]jose.JSONWebKey, error)
}

// StaticKeySet is a KeySet with fixed keys
type StaticKeySet struct {
	keys []jose.JSONWebKey
}

// NewStaticKeySet returns StaticKeySet
func NewStaticKeySet(keys ...jose.JSONWebKey) *StaticKeySet {
	return &StaticKeySet{keys: keys}
}

// ParseKeySet returns StaticKeySet from JWKS document
func ParseKeySet(doc []byte) (*StaticKeySet, error) {
	var ks jose.JSONWebKeySet
	if err := json.Unmarshal(doc, &ks); err != nil {
		return nil, errors.WithMessage(err, "failed to decode keys")
	}
	return NewStaticKeySet(ks.Keys...), nil
}

// Keys implements KeySet
func (s *StaticKeySet) Keys(_ context.Context) ([]jose.JSONWebKey, error) {
	return s.keys, nil
}

// Refresh implements KeySet
func (s *StaticKeySet) Refresh(_ context.Context) ([]jose.JSONWebKey, error) {
	return s.keys, nil
}

// RemoteOption configures RemoteKeySet
type RemoteOption func(*RemoteKeySet)

// WithHTTPClient sets the client used to fetch keys
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(r *RemoteKeySet) {
		r.client = client
	}
}

// WithMinRefreshInterval sets the minimum interval between fetches
func WithMinRefreshInterval(d time.Duration) RemoteOption {
	return func(r *RemoteKeySet) {
		r.minRefresh = d
	}
}

// RemoteKeySet is a KeySet that fetches a JWKS document with HTTP GET
// and caches the keys.
//
// The returned KeySet is a long lived object, reuse a common remote key set
// instead of creating new ones as needed.
type RemoteKeySet struct {
	jwksURL    string
	host       string
	ctx        context.Context
	client     *http.Client
	minRefresh time.Duration

	// guard all other fields
	mu sync.RWMutex

	// inflight suppresses parallel fetches and allows
	// multiple goroutines to wait for its result
	inflight *inflight

	cachedKeys []jose.JSONWebKey
	fetchedAt  time.Time
	// attemptedAt is the time of the last fetch, successful or not
	attemptedAt time.Time
}

// NewRemoteKeySet returns RemoteKeySet.
// The ctx bounds the lifetime of the fetches,
// a caller cancelling its own request does not abort a shared fetch.
func NewRemoteKeySet(ctx context.Context, jwksURL string, opts ...RemoteOption) (*RemoteKeySet, error) {
	u, err := url.Parse(jwksURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, errors.Errorf("invalid JWKS URL: %q", jwksURL)
	}

	r := &RemoteKeySet{
		jwksURL:    jwksURL,
		host:       u.Host,
		ctx:        ctx,
		client:     http.DefaultClient,
		minRefresh: DefaultMinRefreshInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// URL returns the location of the key set
func (r *RemoteKeySet) URL() string {
	return r.jwksURL
}

type inflight struct {
	doneCh chan struct{}

	keys []jose.JSONWebKey
	err  error
}

func newInflight() *inflight {
	return &inflight{doneCh: make(chan struct{})}
}

// wait returns a channel that is closed when the request is done
func (i *inflight) wait() <-chan struct{} {
	return i.doneCh
}

// done can only be called by a single goroutine
func (i *inflight) done(keys []jose.JSONWebKey, err error) {
	i.keys = keys
	i.err = err
	close(i.doneCh)
}

// result cannot be called until the wait() channel is closed
func (i *inflight) result() ([]jose.JSONWebKey, error) {
	return i.keys, i.err
}

// Keys implements KeySet, the keys are fetched on first use
func (r *RemoteKeySet) Keys(ctx context.Context) ([]jose.JSONWebKey, error) {
	r.mu.RLock()
	keys, fetched := r.cachedKeys, !r.fetchedAt.IsZero()
	r.mu.RUnlock()

	if fetched {
		return keys, nil
	}
	return r.keysFromRemote(ctx)
}

// Refresh implements KeySet, the cached keys are returned
// if a fetch was attempted within the minimum refresh interval
func (r *RemoteKeySet) Refresh(ctx context.Context) ([]jose.JSONWebKey, error) {
	r.mu.RLock()
	keys, fetchedAt, attemptedAt := r.cachedKeys, r.fetchedAt, r.attemptedAt
	r.mu.RUnlock()

	if !fetchedAt.IsZero() && time.Since(attemptedAt) < r.minRefresh {
		return keys, nil
	}
	return r.keysFromRemote(ctx)
}

func (r *RemoteKeySet) keysFromRemote(ctx context.Context) ([]jose.JSONWebKey, error) {
	r.mu.Lock()
	if r.inflight == nil {
		inf := newInflight()
		r.inflight = inf

		// this goroutine owns the inflight request,
		// it releases it by setting the field to nil once done
		go func() {
			keys, err := r.updateKeys()

			inf.done(keys, err)

			r.mu.Lock()
			defer r.mu.Unlock()

			now := time.Now()
			r.attemptedAt = now
			if err == nil {
				r.cachedKeys = keys
				r.fetchedAt = now
			}
			r.inflight = nil
		}()
	}
	inflight := r.inflight
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-inflight.wait():
		return inflight.result()
	}
}

func (r *RemoteKeySet) updateKeys() ([]jose.JSONWebKey, error) {
	defer metricskey.PerfKeySetFetch.MeasureSince(time.Now(), r.host)

	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, r.jwksURL, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to fetch keys")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxKeySetSize+1))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to read response body")
	}

	if resp.StatusCode != http.StatusOK {
		if len(body) > 256 {
			body = body[:256]
		}
		return nil, errors.Errorf("get keys failed: %s %s", resp.Status, body)
	}
	if len(body) > MaxKeySetSize {
		return nil, errors.Errorf("key set exceeds %d bytes", MaxKeySetSize)
	}

	var keySet jose.JSONWebKeySet
	if err = json.Unmarshal(body, &keySet); err != nil {
		return nil, errors.Errorf("failed to decode keys: %v", err)
	}

	logger.KV(xlog.DEBUG, "url", r.jwksURL, "keys", len(keySet.Keys))
	return keySet.Keys, nil
}
