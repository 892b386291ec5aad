// Package hooks validates tool invocations performed by specialists. The
// pre-tool path evaluates a fixed policy set (deny, rewrite, warn, system
// path block) over (tool, params); decisions are cached briefly, audited on
// an append-only stream, and rate limited per session.
package hooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/cobehq/cobe/pkg/config"
	"github.com/cobehq/cobe/pkg/events"
	"github.com/cobehq/cobe/pkg/metrics"
	"github.com/cobehq/cobe/pkg/store"
)

// ErrSessionRateLimited rejects a session exceeding its hook budget.
var ErrSessionRateLimited = errors.New("session hook rate limit exceeded")

// Decision is the validator's verdict on one tool invocation.
type Decision struct {
	Allow    bool           `json:"allow"`
	Reason   string         `json:"reason,omitempty"`
	Modified map[string]any `json:"modified,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Cached   bool           `json:"cached,omitempty"`
}

// dangerousPatterns deny a command outright.
var dangerousPatterns = []string{
	"rm -rf /",
	"rm -fr /",
	"mkfs",
	"dd if=",
	":(){",
	"> /dev/sd",
	"chmod -r 777 /",
	"chown -r",
}

// warnPatterns allow with a warning attached.
var warnPatterns = []string{
	"find / ",
	"tar -c",
	"du -a /",
}

// systemPathPrefixes block writes.
var systemPathPrefixes = []string{
	"/etc/", "/usr/", "/bin/", "/sbin/", "/boot/", "/sys/", "/proc/", "/dev/",
}

// writeTools are the tools the system-path block applies to.
var writeTools = map[string]bool{
	"write": true, "edit": true, "create_file": true,
}

// Validator evaluates hook policies.
type Validator struct {
	config config.HooksConfig
	bus    *events.Bus
	store  *store.Store
	cache  *expirable.LRU[string, Decision]

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewValidator wires the validator. bus carries the audit trail; store
// holds the stable last-rejection keys.
func NewValidator(cfg config.HooksConfig, bus *events.Bus, st *store.Store) *Validator {
	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}
	return &Validator{
		config:   cfg,
		bus:      bus,
		store:    st,
		cache:    expirable.NewLRU[string, Decision](size, nil, cfg.CacheTTL),
		limiters: make(map[string]*rate.Limiter),
	}
}

// PreTool evaluates the policy set against one tool invocation.
func (v *Validator) PreTool(ctx context.Context, sessionID, tool string, params map[string]any) (*Decision, error) {
	if !v.sessionLimiter(sessionID).Allow() {
		return nil, ErrSessionRateLimited
	}

	key := decisionKey(tool, params)
	if d, hit := v.cache.Get(key); hit {
		metrics.HookDecisions.WithLabelValues("cache_hit").Inc()
		d.Cached = true
		return &d, nil
	}

	decision := v.evaluate(tool, params)
	v.cache.Add(key, *decision)
	v.audit(ctx, sessionID, tool, decision)
	return decision, nil
}

// PostTool passes the tool result through, applying any registered
// transformers. The default pipeline is empty.
func (v *Validator) PostTool(ctx context.Context, sessionID, tool string, result map[string]any, transformers ...func(map[string]any) map[string]any) (map[string]any, error) {
	for _, tr := range transformers {
		result = tr(result)
	}
	return result, nil
}

// UserPrompt screens a user prompt before it reaches a specialist. Prompts
// are allowed; oversized ones carry a warning.
func (v *Validator) UserPrompt(ctx context.Context, sessionID, prompt string) (*Decision, error) {
	if !v.sessionLimiter(sessionID).Allow() {
		return nil, ErrSessionRateLimited
	}
	d := &Decision{Allow: true}
	if len(prompt) > 100_000 {
		d.Warnings = append(d.Warnings, "prompt exceeds 100KB")
	}
	v.audit(ctx, sessionID, "user_prompt", d)
	return d, nil
}

// TodoWrite validates a todo-list update: entries need content, and very
// long lists warn.
func (v *Validator) TodoWrite(ctx context.Context, sessionID string, todos []map[string]any) (*Decision, error) {
	if !v.sessionLimiter(sessionID).Allow() {
		return nil, ErrSessionRateLimited
	}
	d := &Decision{Allow: true}
	for i, todo := range todos {
		content, _ := todo["content"].(string)
		if strings.TrimSpace(content) == "" {
			d.Allow = false
			d.Reason = fmt.Sprintf("todo %d has empty content", i)
			break
		}
	}
	if d.Allow && len(todos) > 50 {
		d.Warnings = append(d.Warnings, "todo list exceeds 50 entries")
	}
	v.audit(ctx, sessionID, "todo_write", d)
	return d, nil
}

// LastRejection returns the stable-keyed reason of the session's most
// recent denial, or "" when none.
func (v *Validator) LastRejection(ctx context.Context, sessionID string) (string, error) {
	reason, err := v.store.Client().Get(ctx, rejectionKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", nil
	}
	return reason, nil
}

func (v *Validator) evaluate(tool string, params map[string]any) *Decision {
	command, _ := params["command"].(string)
	lowered := strings.ToLower(command)

	for _, pat := range dangerousPatterns {
		if strings.Contains(lowered, pat) {
			return &Decision{
				Allow:  false,
				Reason: fmt.Sprintf("dangerous command blocked: %q", pat),
			}
		}
	}

	if writeTools[strings.ToLower(tool)] {
		path := pathParam(params)
		for _, prefix := range systemPathPrefixes {
			if strings.HasPrefix(path, prefix) {
				return &Decision{
					Allow:  false,
					Reason: fmt.Sprintf("write to system path %s is not allowed", path),
				}
			}
		}
	}

	d := &Decision{Allow: true}

	// Rewrite: privileged execution is stripped rather than denied.
	if strings.HasPrefix(strings.TrimSpace(command), "sudo ") {
		stripped := strings.TrimPrefix(strings.TrimSpace(command), "sudo ")
		d.Modified = cloneParams(params)
		d.Modified["command"] = stripped
		d.Warnings = append(d.Warnings, "sudo stripped from command")
	}

	for _, pat := range warnPatterns {
		if strings.Contains(lowered, pat) {
			d.Warnings = append(d.Warnings, fmt.Sprintf("large operation: %q", pat))
		}
	}
	return d
}

func (v *Validator) audit(ctx context.Context, sessionID, tool string, d *Decision) {
	verdict := "allow"
	if !d.Allow {
		verdict = "deny"
		if err := v.store.Client().Set(ctx, rejectionKey(sessionID), d.Reason, 0).Err(); err != nil {
			slog.Warn("Failed to persist rejection reason", "session_id", sessionID, "error", err)
		}
	} else if len(d.Warnings) > 0 {
		verdict = "warn"
	}
	metrics.HookDecisions.WithLabelValues(verdict).Inc()

	if _, err := v.bus.Publish(ctx, "hooks", "hook.decision", map[string]any{
		"session_id": sessionID,
		"tool":       tool,
		"decision":   verdict,
		"reason":     d.Reason,
		"warnings":   d.Warnings,
		"ts":         time.Now().UnixMilli(),
	}); err != nil {
		slog.Warn("Failed to audit hook decision", "session_id", sessionID, "error", err)
	}
}

func (v *Validator) sessionLimiter(sessionID string) *rate.Limiter {
	v.limiterMu.Lock()
	defer v.limiterMu.Unlock()
	l, ok := v.limiters[sessionID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(v.config.SessionRateLimit), v.config.SessionRateBurst)
		v.limiters[sessionID] = l
	}
	return l
}

func rejectionKey(sessionID string) string {
	return store.KeyPrefix + "hooks:rejection:" + sessionID
}

// decisionKey fingerprints (tool, params) for the decision cache.
func decisionKey(tool string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	h.Write([]byte(tool))
	for _, k := range keys {
		blob, _ := json.Marshal(params[k])
		h.Write([]byte(k))
		h.Write(blob)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func pathParam(params map[string]any) string {
	for _, k := range []string{"path", "file_path", "filename"} {
		if p, ok := params[k].(string); ok && p != "" {
			return p
		}
	}
	return ""
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, val := range params {
		out[k] = val
	}
	return out
}
