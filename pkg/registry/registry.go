// Package registry is the method table behind the RPC surface. Handlers are
// plain functions over (ctx, call). Cross-cutting concerns (input schema
// validation, per-client rate limiting, circuit breaking, result caching,
// timeouts, sink persistence) are declared per method at registration time
// and applied by Dispatch in a fixed order.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/cobehq/cobe/pkg/metrics"
)

// Call is the per-request context a handler sees.
type Call struct {
	Method   string
	ClientID string
	Params   map[string]any
}

// Handler services one method. A returned *Error passes through unchanged;
// any other error is classified by Dispatch.
type Handler func(ctx context.Context, call *Call) (any, error)

// RateLimitRule is a per-client token bucket.
type RateLimitRule struct {
	Capacity     int
	RefillPerSec float64
}

// CacheRule caches successful results keyed by a fingerprint of KeyFields.
type CacheRule struct {
	TTL       time.Duration
	KeyFields []string
	MaxSize   int
}

// CircuitRule wraps the handler in a circuit breaker.
type CircuitRule struct {
	Failures      uint32
	Trip          time.Duration
	HalfOpenAfter time.Duration
}

// HandlerConfig declares a method's cross-cutting behavior.
type HandlerConfig struct {
	RateLimit *RateLimitRule
	Cache     *CacheRule
	Timeout   time.Duration
	Circuit   *CircuitRule
	Persist   bool
}

// PersistFunc mirrors a successful result to the relational sink when a
// method is registered with Persist: true.
type PersistFunc func(ctx context.Context, method string, call *Call, result any)

type entry struct {
	handler Handler
	config  HandlerConfig
	breaker *gobreaker.CircuitBreaker
	cache   *expirable.LRU[string, any]

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// Registry dispatches method calls through the declared decorators.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*entry

	validate *validator.Validate
	latency  *metrics.LatencyWindow
	persist  PersistFunc
}

// New creates an empty registry. persist may be nil when no sink is wired.
func New(persist PersistFunc) *Registry {
	return &Registry{
		methods:  make(map[string]*entry),
		validate: validator.New(),
		latency:  metrics.NewLatencyWindow(),
		persist:  persist,
	}
}

// Register installs a handler. Re-registering a method replaces it.
func (r *Registry) Register(method string, handler Handler, config HandlerConfig) {
	e := &entry{
		handler:  handler,
		config:   config,
		limiters: make(map[string]*rate.Limiter),
	}
	if c := config.Circuit; c != nil {
		e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    method,
			Timeout: c.Trip,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= c.Failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("Circuit state changed", "method", name, "from", from.String(), "to", to.String())
			},
		})
	}
	if c := config.Cache; c != nil {
		size := c.MaxSize
		if size <= 0 {
			size = 256
		}
		e.cache = expirable.NewLRU[string, any](size, nil, c.TTL)
	}
	r.mu.Lock()
	r.methods[method] = e
	r.mu.Unlock()
}

// Methods returns the registered method names, sorted.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.methods))
	for m := range r.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// LatencySummary returns the recent dispatch latency digest.
func (r *Registry) LatencySummary() metrics.Summary {
	return r.latency.Summary()
}

// Dispatch runs one call: rate limit, circuit, cache, handler, record.
// The returned error is always a *Error.
func (r *Registry) Dispatch(ctx context.Context, method, clientID string, params map[string]any) (any, *Error) {
	start := time.Now()
	result, rpcErr := r.dispatch(ctx, method, clientID, params)
	elapsed := time.Since(start)

	outcome := "ok"
	if rpcErr != nil {
		outcome = "error"
	}
	metrics.DispatchDuration.WithLabelValues(method, outcome).Observe(elapsed.Seconds())
	r.latency.Observe(elapsed)
	return result, rpcErr
}

func (r *Registry) dispatch(ctx context.Context, method, clientID string, params map[string]any) (any, *Error) {
	r.mu.RLock()
	e, ok := r.methods[method]
	r.mu.RUnlock()
	if !ok {
		return nil, NewError(CodeMethodNotFound, fmt.Sprintf("method not found: %s", method))
	}

	if rl := e.config.RateLimit; rl != nil {
		if !e.limiter(clientID, rl).Allow() {
			return nil, NewError(CodeRateLimitExceeded, fmt.Sprintf("rate limit exceeded for %s", method))
		}
	}

	var cacheKey string
	if e.cache != nil {
		cacheKey = fingerprint(method, params, e.config.Cache.KeyFields)
		if v, hit := e.cache.Get(cacheKey); hit {
			return v, nil
		}
	}

	call := &Call{Method: method, ClientID: clientID, Params: params}
	invoke := func(ctx context.Context) (any, error) {
		if e.config.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
			defer cancel()
		}
		return e.handler(ctx, call)
	}

	var result any
	var err error
	if e.breaker != nil {
		result, err = e.breaker.Execute(func() (any, error) { return invoke(ctx) })
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, NewError(CodeCircuitOpen, fmt.Sprintf("circuit open for %s", method))
		}
	} else {
		result, err = invoke(ctx)
	}
	if err != nil {
		return nil, r.classify(method, err)
	}

	if e.cache != nil {
		e.cache.Add(cacheKey, result)
	}
	if e.config.Persist && r.persist != nil {
		r.persist(ctx, method, call, result)
	}
	return result, nil
}

func (e *entry) limiter(clientID string, rl *RateLimitRule) *rate.Limiter {
	e.limiterMu.Lock()
	defer e.limiterMu.Unlock()
	l, ok := e.limiters[clientID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rl.RefillPerSec), rl.Capacity)
		e.limiters[clientID] = l
	}
	return l
}

// classify maps a handler error onto the wire taxonomy. *Error passes
// through; validator failures become INVALID_PARAMS; deadline expiry becomes
// a TIMEOUT handler error; everything else is INTERNAL_ERROR.
func (r *Registry) classify(method string, err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var valErrs validator.ValidationErrors
	if errors.As(err, &valErrs) {
		return InvalidParams(valErrs.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return HandlerError("TIMEOUT", fmt.Sprintf("%s deadline exceeded", method))
	}
	slog.Error("Unclassified handler failure", "method", method, "error", err)
	return NewError(CodeInternalError, err.Error())
}

// DecodeParams maps the raw params onto a typed struct and runs its
// validate tags. Handlers call this first; failures surface as
// INVALID_PARAMS.
func (r *Registry) DecodeParams(params map[string]any, out any) error {
	blob, err := json.Marshal(params)
	if err != nil {
		return InvalidParams(err.Error())
	}
	if err := json.Unmarshal(blob, out); err != nil {
		return InvalidParams(err.Error())
	}
	if err := r.validate.Struct(out); err != nil {
		return InvalidParams(err.Error())
	}
	return nil
}

// fingerprint hashes the cache key fields (all params when unset) into a
// stable cache key.
func fingerprint(method string, params map[string]any, keyFields []string) string {
	subset := params
	if len(keyFields) > 0 {
		subset = make(map[string]any, len(keyFields))
		for _, f := range keyFields {
			if v, ok := params[f]; ok {
				subset[f] = v
			}
		}
	}
	keys := make([]string, 0, len(subset))
	for k := range subset {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	h.Write([]byte(method))
	for _, k := range keys {
		blob, _ := json.Marshal(subset[k])
		h.Write([]byte(k))
		h.Write(blob)
	}
	return hex.EncodeToString(h.Sum(nil))
}
