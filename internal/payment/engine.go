// Package payment drives the 402 challenge exchange: parse the challenge,
// sign an authorization through an injected signer, and cache the signed
// header per (endpoint host, model) so later requests skip the round-trip.
package payment

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// HeaderAuthorization carries the signed payment authorization upstream.
const HeaderAuthorization = "X-Payment-Authorization"

const (
	defaultRecordTTL = 5 * time.Minute
	safetySkew       = 30 * time.Second
	signTimeout      = 5 * time.Second
)

// record is one pre-auth cache entry. price is the last amount the signature
// covered; a new challenge asking for more than price invalidates reuse.
type record struct {
	price      *big.Rat
	header     []byte
	validUntil time.Time
	expiresAt  time.Time
}

// Engine owns the pre-auth cache and the signing discipline. Safe for
// concurrent use; the mutex guards only map access, never a signer call.
type Engine struct {
	signer Signer
	log    *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]record

	sf singleflight.Group
}

// NewEngine builds an engine around the injected signer.
func NewEngine(signer Signer, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		signer: signer,
		log:    log,
		now:    time.Now,
		cache:  make(map[string]record),
	}
}

// Address reports the wallet address behind the signer.
func (e *Engine) Address() string {
	return e.signer.Address()
}

func cacheKey(endpointHost, model string) string {
	return endpointHost + "\x00" + model
}

// Prepare returns the cached authorization header for (endpoint host, model),
// if one exists and is still comfortably inside its validity window. A miss
// returns ok=false and the caller sends without payment headers, expecting a
// possible 402.
func (e *Engine) Prepare(endpointHost, model string) ([]byte, bool) {
	key := cacheKey(endpointHost, model)
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.cache[key]
	if !ok {
		return nil, false
	}
	if !now.Before(rec.expiresAt.Add(-safetySkew)) {
		delete(e.cache, key)
		return nil, false
	}
	return rec.header, true
}

// Satisfy signs an authorization for the given challenge and returns the
// header value ready for the retry. Callers racing on the same stale
// (endpoint host, model) pair coalesce on one signature: the singleflight key
// is the cache key, so only one signer call happens per expiration window.
func (e *Engine) Satisfy(ctx context.Context, endpointHost, model string, challengeBody []byte, requestDigest [32]byte) ([]byte, error) {
	ch, err := ParseChallenge(challengeBody, e.now())
	if err != nil {
		return nil, err
	}
	amount, _ := ch.amountRat()
	key := cacheKey(endpointHost, model)

	header, err, shared := e.sf.Do(key, func() (any, error) {
		// Another caller may have refreshed the record while this one waited
		// on the flight; reuse it if it still covers the asked amount.
		now := e.now()
		e.mu.Lock()
		if rec, ok := e.cache[key]; ok &&
			now.Before(rec.expiresAt.Add(-safetySkew)) &&
			rec.price.Cmp(amount) >= 0 {
			e.mu.Unlock()
			return rec.header, nil
		}
		e.mu.Unlock()

		signCtx, cancel := context.WithTimeout(ctx, signTimeout)
		defer cancel()
		start := e.now()
		hdr, err := e.signer.Sign(signCtx, ch, requestDigest)
		if err != nil {
			return nil, err
		}
		e.log.Debug("signed payment authorization",
			slog.String("endpoint", endpointHost),
			slog.String("model", model),
			slog.String("amount", ch.Amount),
			slog.Duration("took", e.now().Sub(start)),
		)

		rec := record{
			price:      amount,
			header:     hdr,
			validUntil: ch.validUntilTime(),
			expiresAt:  e.clampExpiry(ch.validUntilTime()),
		}
		e.mu.Lock()
		e.cache[key] = rec
		e.mu.Unlock()
		return hdr, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		e.log.Debug("payment signature shared across concurrent requests",
			slog.String("endpoint", endpointHost),
			slog.String("model", model),
		)
	}
	return header.([]byte), nil
}

// Observe feeds the upstream outcome back into the cache. A 2xx refreshes the
// entry's expiry inside the signed validity window; a 402 means the price or
// recipient changed, so the entry is dropped and the next request walks the
// full challenge flow.
func (e *Engine) Observe(endpointHost, model string, status int) {
	key := cacheKey(endpointHost, model)

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case status >= 200 && status < 300:
		rec, ok := e.cache[key]
		if !ok {
			return
		}
		rec.expiresAt = e.clampExpiry(rec.validUntil)
		e.cache[key] = rec
	case status == 402:
		delete(e.cache, key)
	}
}

// Invalidate drops the pre-auth entry for a pair outright.
func (e *Engine) Invalidate(endpointHost, model string) {
	e.mu.Lock()
	delete(e.cache, cacheKey(endpointHost, model))
	e.mu.Unlock()
}

// clampExpiry bounds a record's life to min(validUntil - skew, now + TTL).
func (e *Engine) clampExpiry(validUntil time.Time) time.Time {
	byTTL := e.now().Add(defaultRecordTTL)
	byChallenge := validUntil.Add(-safetySkew)
	if byChallenge.Before(byTTL) {
		return byChallenge
	}
	return byTTL
}
