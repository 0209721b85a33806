// Package policy implements the Policy Adapter Layer (C11): evaluate()
// with a two-tier cache (in-memory LRU + optional distributed) in front of
// three backend modes (remote, embedded CEL, fallback hash-only). Compiled
// CEL programs are cached under a RWMutex, keyed by expression text;
// CompatibleVersion compares policy-bundle versions with semver.
package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"

	"github.com/constitutional-labs/agentbus/pkg/bus"
)

// Result is the outcome of evaluating a policy.
type Result struct {
	Allowed  bool
	Reasons  []string
	Metadata map[string]any
	// Degraded is set when the result came from the fallback backend
	// rather than remote or embedded evaluation.
	Degraded bool
}

// Backend evaluates a single policy_path/input pair.
type Backend interface {
	Evaluate(ctx context.Context, policyPath string, input map[string]any) (Result, error)
	Name() string
}

// DistributedCache is the optional second cache tier (e.g. Redis). Get
// returns ok=false on miss.
type DistributedCache interface {
	Get(ctx context.Context, key string) (Result, bool, error)
	Set(ctx context.Context, key string, result Result, ttl time.Duration) error
}

// Adapter is the Policy Adapter Layer facade: evaluate() backed by an
// in-memory LRU cache, an optional distributed cache, and an ordered list
// of backends tried in sequence on failure.
type Adapter struct {
	mu       sync.Mutex
	lru      *lru
	dist     DistributedCache
	distTTL  time.Duration
	backends []Backend
	hash     string // constitutional hash segmenting all cache keys
}

// New builds an Adapter. backends are tried in order (typically remote,
// then embedded, then fallback); cacheSize bounds the in-memory LRU.
func New(cacheSize int, dist DistributedCache, distTTL time.Duration, backends ...Backend) *Adapter {
	return &Adapter{
		lru:      newLRU(cacheSize),
		dist:     dist,
		distTTL:  distTTL,
		backends: backends,
		hash:     bus.ConstitutionalHash,
	}
}

func cacheKey(hash, policyPath string, input map[string]any) (string, error) {
	canon, err := bus.CanonicalizeContent(input)
	if err != nil {
		return "", fmt.Errorf("policy: canonicalize input: %w", err)
	}
	sum := sha256.Sum256(append([]byte(hash+"|"+policyPath+"|"), canon...))
	return hex.EncodeToString(sum[:]), nil
}

// Evaluate runs the full lookup chain: in-memory LRU, then distributed
// cache, then backends in order, falling back on failure. Fallback mode
// always records a warning (Result.Degraded) so callers can detect
// degraded operation.
func (a *Adapter) Evaluate(ctx context.Context, policyPath string, input map[string]any) (Result, error) {
	key, err := cacheKey(a.hash, policyPath, input)
	if err != nil {
		return Result{}, err
	}

	if result, ok := a.getLocal(key); ok {
		return result, nil
	}

	if a.dist != nil {
		if result, ok, err := a.dist.Get(ctx, key); err == nil && ok {
			a.putLocal(key, result)
			return result, nil
		}
	}

	var lastErr error
	for _, backend := range a.backends {
		result, err := backend.Evaluate(ctx, policyPath, input)
		if err != nil {
			lastErr = err
			continue
		}
		a.putLocal(key, result)
		if a.dist != nil {
			_ = a.dist.Set(ctx, key, result, a.distTTL)
		}
		return result, nil
	}

	if lastErr != nil {
		return Result{}, fmt.Errorf("policy: all backends exhausted: %w", lastErr)
	}
	return Result{}, fmt.Errorf("policy: no backends configured")
}

func (a *Adapter) getLocal(key string) (Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lru.get(key)
}

func (a *Adapter) putLocal(key string, result Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lru.put(key, result)
}

// --- in-memory bounded LRU, keyed by (policy_path, input_hash) hash ---

type lru struct {
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key   string
	value Result
}

func newLRU(capacity int) *lru {
	if capacity <= 0 {
		capacity = 1
	}
	return &lru{capacity: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *lru) get(key string) (Result, bool) {
	el, ok := c.items[key]
	if !ok {
		return Result{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *lru) put(key string, value Result) {
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = value
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruEntry{key: key, value: value})
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}

// --- Embedded (CEL) backend ---

// EmbeddedCEL evaluates policies compiled as CEL boolean expressions
// against a dynamic "input" variable, caching compiled programs by
// expression text to avoid recompiling hot policies.
type EmbeddedCEL struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
	// policies maps a policy_path to its CEL expression text.
	policies map[string]string
}

// NewEmbeddedCEL builds a CEL evaluator over the given policy_path→expr
// table.
func NewEmbeddedCEL(policies map[string]string) (*EmbeddedCEL, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL env: %w", err)
	}
	return &EmbeddedCEL{
		env:      env,
		prgCache: make(map[string]cel.Program),
		policies: policies,
	}, nil
}

func (e *EmbeddedCEL) Name() string { return "embedded" }

func (e *EmbeddedCEL) Evaluate(ctx context.Context, policyPath string, input map[string]any) (Result, error) {
	expr, ok := e.policies[policyPath]
	if !ok {
		return Result{}, fmt.Errorf("policy: no embedded rule for %s", policyPath)
	}

	prg, err := e.program(expr)
	if err != nil {
		return Result{}, err
	}

	out, _, err := prg.Eval(map[string]any{"input": input})
	if err != nil {
		return Result{}, fmt.Errorf("policy: eval %s: %w", policyPath, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return Result{}, fmt.Errorf("policy: %s did not evaluate to bool", policyPath)
	}

	reasons := []string{}
	if !allowed {
		reasons = append(reasons, "embedded policy "+policyPath+" denied")
	}
	return Result{Allowed: allowed, Reasons: reasons}, nil
}

func (e *EmbeddedCEL) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit := e.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile %q: %w", expr, issues.Err())
	}
	p, err := e.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("policy: build program: %w", err)
	}
	e.prgCache[expr] = p
	return p, nil
}

// --- Fallback backend: constitutional hash check only, always available ---

// Fallback always succeeds, checking only the constitutional hash present
// in input["constitutional_hash"]. It is the last resort in a backend
// chain and always marks its result Degraded.
type Fallback struct{}

func NewFallback() *Fallback { return &Fallback{} }

func (f *Fallback) Name() string { return "fallback" }

func (f *Fallback) Evaluate(ctx context.Context, policyPath string, input map[string]any) (Result, error) {
	hash, _ := input["constitutional_hash"].(string)
	allowed := bus.CompareHash(hash)
	reasons := []string{"fallback: hash-only evaluation, no policy logic applied"}
	return Result{Allowed: allowed, Reasons: reasons, Degraded: true}, nil
}

// --- Remote backend: HTTP to an external policy engine ---

// RemoteEvaluator is implemented by the actual HTTP transport; kept as an
// interface so tests can substitute a fake without a real server.
type RemoteEvaluator interface {
	Evaluate(ctx context.Context, policyPath string, input map[string]any) (Result, error)
}

// Remote wraps a RemoteEvaluator as a Backend.
type Remote struct {
	eval RemoteEvaluator
}

func NewRemote(eval RemoteEvaluator) *Remote { return &Remote{eval: eval} }

func (r *Remote) Name() string { return "remote" }

func (r *Remote) Evaluate(ctx context.Context, policyPath string, input map[string]any) (Result, error) {
	return r.eval.Evaluate(ctx, policyPath, input)
}

// CompatibleVersion reports whether the cached policy bundle's version
// satisfies the given semver constraint (e.g. ">= 1.2.0, < 2.0.0"). The
// Adapter's cache lookup does not call it; cache entries carry no bundle
// version.
func CompatibleVersion(cachedVersion, constraint string) (bool, error) {
	v, err := semver.NewVersion(cachedVersion)
	if err != nil {
		return false, fmt.Errorf("policy: parse version %q: %w", cachedVersion, err)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("policy: parse constraint %q: %w", constraint, err)
	}
	return c.Check(v), nil
}
