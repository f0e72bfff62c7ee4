// Package pipeline implements the Request Pipeline: the single HTTP
// handler that composes authorization, rate limiting, key rotation,
// upstream dispatch, error classification, and tracing for every proxied
// request.
package pipeline

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/almazom/kmi-gateway/infrastructure/httputil"
	"github.com/almazom/kmi-gateway/infrastructure/logging"
	"github.com/almazom/kmi-gateway/infrastructure/middleware"
	"github.com/almazom/kmi-gateway/infrastructure/resilience"
	"github.com/almazom/kmi-gateway/infrastructure/security"
	"github.com/almazom/kmi-gateway/internal/classify"
	"github.com/almazom/kmi-gateway/internal/clock"
	"github.com/almazom/kmi-gateway/internal/dispatch"
	"github.com/almazom/kmi-gateway/internal/gwconfig"
	"github.com/almazom/kmi-gateway/internal/gwstate"
	"github.com/almazom/kmi-gateway/internal/health"
	"github.com/almazom/kmi-gateway/internal/ratelimit"
	"github.com/almazom/kmi-gateway/internal/registry"
	"github.com/almazom/kmi-gateway/internal/rotation"
	"github.com/almazom/kmi-gateway/internal/tracesink"
)

// Pipeline wires components A-K behind one HTTP handler.
type Pipeline struct {
	cfg        gwconfig.Config
	reg        *registry.Registry
	store      *gwstate.Store
	trace      *tracesink.Sink
	health     *health.Refresher
	global     *ratelimit.Limiter
	perKey     *ratelimit.Limiter
	dispatcher *dispatch.Dispatcher
	clock      clock.Clock
	logger     *logging.Logger

	proxyTokenHash [32]byte

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
}

// New constructs a Pipeline from its fully-wired dependencies.
func New(cfg gwconfig.Config, reg *registry.Registry, store *gwstate.Store, trace *tracesink.Sink, refresher *health.Refresher, global, perKey *ratelimit.Limiter, dispatcher *dispatch.Dispatcher, clk clock.Clock, logger *logging.Logger) *Pipeline {
	return &Pipeline{
		cfg: cfg, reg: reg, store: store, trace: trace, health: refresher,
		global: global, perKey: perKey, dispatcher: dispatcher, clock: clk, logger: logger,
		proxyTokenHash: sha256.Sum256([]byte(cfg.ProxyToken)),
		breakers:       map[string]*resilience.CircuitBreaker{},
	}
}

// breakerFor returns the per-key circuit breaker, creating it on first use.
// This sits alongside the classifier's response-driven cooldowns to guard
// against a key whose upstream connection is simply unreachable: repeated
// connection failures trip the breaker so later requests fail fast instead
// of paying the Dispatcher's full retry budget against a dead host.
func (p *Pipeline) breakerFor(label string) *resilience.CircuitBreaker {
	p.breakersMu.Lock()
	defer p.breakersMu.Unlock()
	cb, ok := p.breakers[label]
	if !ok {
		cb = resilience.New(resilience.DefaultConfig())
		p.breakers[label] = cb
	}
	return cb
}

// ServeHTTP implements the state machine:
//
//	RECEIVED -> AUTHORIZED -> ADMITTED -> KEY_SELECTED -> KEY_ADMITTED
//	         -> [DRY_RUN] DONE_200
//	         -> DISPATCHED -> CLASSIFIED -> RELAYED -> DONE
//	         -> FAIL_5xx
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := p.clock.Now()
	requestID := clock.NewRequestID()
	path := strings.TrimPrefix(r.URL.Path, p.cfg.NormalizedBasePath())
	path = strings.TrimPrefix(path, "/")

	// 1. RECEIVED -> AUTHORIZED.
	if p.cfg.ProxyToken != "" && !p.authorize(r) {
		p.writeServiceError(w, r, middleware.ErrUnauthorized("present a valid Authorization: Bearer <token> or X-KMI-Proxy-Token header"))
		return
	}

	// 2. AUTHORIZED -> ADMITTED.
	now := p.clock.Now()
	if !p.global.Allow("", now) {
		p.writeServiceError(w, r, middleware.ErrGlobalLimit("global rate limit exceeded, retry shortly"))
		return
	}

	// 3. ADMITTED -> KEY_SELECTED.
	sel, snapshotActive, snapshotRotation, ok := p.selectKey(now)
	if !ok {
		p.writeServiceError(w, r, middleware.ErrNoEligibleKeys("no API key is currently eligible; check key health and cooldowns"))
		return
	}

	// 4. KEY_SELECTED -> KEY_ADMITTED.
	if !p.perKey.Allow(sel.Credential.Label, now) {
		p.store.CommitSelection(snapshotActive, snapshotRotation)
		p.writeServiceError(w, r, middleware.ErrPerKeyLimit("per-key rate limit exceeded, retry shortly or allow rotation"))
		return
	}

	hint, firstWord := extractPromptHint(r)

	// 5. KEY_ADMITTED -> DONE (dry run).
	if p.cfg.DryRun {
		dryRunBase := p.cfg.UpstreamBaseURL
		if sel.Credential.BaseURLOverride != "" {
			dryRunBase = sel.Credential.BaseURLOverride
		}
		dryRunURL, _ := dispatch.BuildUpstreamURL(dryRunBase, path, r.URL.RawQuery)
		p.store.RecordRequest(sel.Credential.Label, http.StatusOK)
		p.emitTrace(requestID, r.Method, path, http.StatusOK, start, sel, hint, firstWord, "")
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"dry_run":      true,
			"upstream_url": dryRunURL,
			"method":       r.Method,
			"path":         path,
			"key_label":    sel.Credential.Label,
		})
		return
	}

	// 6. KEY_ADMITTED -> DISPATCHED.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		p.writeServiceError(w, r, middleware.ErrBadRequest("failed to read request body"))
		return
	}

	upstreamBase := p.cfg.UpstreamBaseURL
	if sel.Credential.BaseURLOverride != "" {
		upstreamBase = sel.Credential.BaseURLOverride
	}
	targetURL, err := dispatch.BuildUpstreamURL(upstreamBase, path, r.URL.RawQuery)
	if err != nil {
		p.writeServiceError(w, r, middleware.ErrBadRequest("failed to build upstream request"))
		return
	}
	headers := dispatch.SanitizeHeaders(r.Header, sel.Credential.Secret)

	breaker := p.breakerFor(sel.Credential.Label)
	var resp *http.Response
	dispatchErr := breaker.Execute(r.Context(), func() error {
		var doErr error
		resp, doErr = p.dispatcher.Do(r.Context(), r.Method, targetURL, headers, body)
		return doErr
	})
	if dispatchErr == resilience.ErrCircuitOpen || dispatchErr == resilience.ErrTooManyRequests {
		p.store.RecordRequest(sel.Credential.Label, http.StatusServiceUnavailable)
		p.emitTrace(requestID, r.Method, path, http.StatusServiceUnavailable, start, sel, hint, firstWord, "circuit_open")
		p.writeServiceError(w, r, middleware.ErrCircuitOpen("this key's upstream connection is temporarily circuit-broken"))
		return
	}
	if dispatchErr != nil {
		p.store.RecordRequest(sel.Credential.Label, http.StatusServiceUnavailable)
		p.emitTrace(requestID, r.Method, path, http.StatusServiceUnavailable, start, sel, hint, firstWord, "upstream_error")
		p.writeServiceError(w, r, middleware.ErrUpstreamTransport("upstream connection failed after retries"))
		return
	}
	defer resp.Body.Close()

	// 7-8. DISPATCHED -> CLASSIFIED -> RELAYED.
	p.classifyAndCommit(sel.Credential.Label, resp, now)

	// 9. RELAYED -> DONE.
	p.emitTrace(requestID, r.Method, path, resp.StatusCode, start, sel, hint, firstWord, errorCodeFor(resp.StatusCode))
	relay(w, resp)
}

// writeServiceError writes a taxonomy error (spec §7) as the client-facing
// JSON error envelope, carrying the request's trace ID through like any
// other error response.
func (p *Pipeline) writeServiceError(w http.ResponseWriter, r *http.Request, se *middleware.ServiceError) {
	httputil.WriteErrorResponse(w, r, se.HTTPStatus, string(se.Code), se.Message, se.Details)
}

func (p *Pipeline) authorize(r *http.Request) bool {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.Header.Get("X-KMI-Proxy-Token")
	}
	if token == "" {
		return false
	}
	presented := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(presented[:], p.proxyTokenHash[:]) == 1
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) {
		return ""
	}
	if strings.ToLower(header[:len(prefix)]) != prefix {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// selectKey implements the ADMITTED -> KEY_SELECTED transition under the
// state lock, returning the pre-commit snapshot for a possible rollback at
// the next transition.
func (p *Pipeline) selectKey(now time.Time) (rotation.Selection, int, int, bool) {
	p.store.Lock()
	defer p.store.Unlock()

	doc := p.store.DocumentUnlocked()
	snapshotActive := doc.ActiveIndex
	snapshotRotation := doc.RotationIndex

	keyStateOf := func(label string) gwstate.KeyState { return doc.Keys[label] }
	var healthOf rotation.HealthFunc
	if p.health != nil {
		healthOf = func(label string) *health.Info {
			return p.health.Cache().ResolveForSelection(label, healthConfig(p.cfg))
		}
	}

	if doc.AutoRotate && p.cfg.AutoRotateAllowed {
		sel := rotation.SelectRoundRobin(p.reg, doc.RotationIndex, now, keyStateOf, healthOf)
		if !sel.Found {
			return rotation.Selection{}, snapshotActive, snapshotRotation, false
		}
		doc.RotationIndex = sel.RotationIndex
		doc.ActiveIndex = sel.Index
		ks := doc.Keys[sel.Credential.Label]
		ks.LastUsedAt = timePtr(now)
		doc.Keys[sel.Credential.Label] = ks
		p.store.MarkDirty()
		return sel, snapshotActive, snapshotRotation, true
	}

	// "active, else next eligible": try the current active key first.
	active, hasActive := p.reg.ActiveKey(doc.ActiveIndex)
	if hasActive && rotation.IsEligible(active, keyStateOf(active.Label), now, healthOfOrNil(healthOf, active.Label)) {
		sel := rotation.Selection{Credential: active, Index: doc.ActiveIndex, Found: true}
		ks := doc.Keys[active.Label]
		ks.LastUsedAt = timePtr(now)
		doc.Keys[active.Label] = ks
		p.store.MarkDirty()
		return sel, snapshotActive, snapshotRotation, true
	}

	sel := rotation.SelectRoundRobin(p.reg, doc.RotationIndex, now, keyStateOf, healthOf)
	if !sel.Found {
		return rotation.Selection{}, snapshotActive, snapshotRotation, false
	}
	doc.ActiveIndex = sel.Index
	ks := doc.Keys[sel.Credential.Label]
	ks.LastUsedAt = timePtr(now)
	doc.Keys[sel.Credential.Label] = ks
	p.store.MarkDirty()
	return sel, snapshotActive, snapshotRotation, true
}

func healthOfOrNil(healthOf rotation.HealthFunc, label string) *health.Info {
	if healthOf == nil {
		return nil
	}
	return healthOf(label)
}

func healthConfig(cfg gwconfig.Config) health.Config {
	return health.Config{
		UsageCacheSeconds:         cfg.UsageCacheSeconds,
		BlocklistRecheckSeconds:   cfg.BlocklistRecheckSeconds,
		BlocklistRecheckMax:       cfg.BlocklistRecheckMax,
		RequireUsageBeforeRequest: cfg.RequireUsageBeforeRequest,
		FailOpenOnEmptyCache:      cfg.FailOpenOnEmptyCache,
	}
}

func timePtr(t time.Time) *time.Time { return &t }

// classifyAndCommit implements DISPATCHED -> CLASSIFIED -> RELAYED: record
// the request, then apply the classifier's cooldown/block verdict. Each
// store call takes the state lock on its own; the lock is not held across
// them.
func (p *Pipeline) classifyAndCommit(label string, resp *http.Response, now time.Time) {
	p.store.RecordRequest(label, resp.StatusCode)

	var bodyPreview []byte
	if resp.StatusCode == 402 || (resp.StatusCode >= 400 && resp.StatusCode != 401 && resp.StatusCode != 403 && resp.StatusCode != 429) {
		bodyPreview, resp.Body = peekBody(resp.Body)
	}

	result := classify.Classify(resp.StatusCode, bodyPreview, resp.Header.Get("Retry-After"), now, classify.Config{
		RotationCooldownSeconds: p.cfg.RotationCooldownSeconds,
		PaymentBlockSeconds:     p.cfg.PaymentBlockSeconds,
		ExtraPaymentTokens:      p.cfg.PaymentBlockTokens,
	})

	switch result.Outcome {
	case classify.OutcomeExhaust:
		p.store.MarkExhausted(label, int(result.Duration.Seconds()))
	case classify.OutcomeBlock:
		reason := gwstate.BlockReasonManual
		if result.Reason == classify.BlockReasonAuth {
			reason = gwstate.BlockReasonAuth
		} else if result.Reason == classify.BlockReasonPaymentRequired {
			reason = gwstate.BlockReasonPaymentRequired
		}
		p.store.MarkBlocked(label, reason, int(result.Duration.Seconds()))
	}
}

// peekBody reads up to 64KiB to let the classifier inspect the body for
// billing-token matches, then reconstructs a ReadCloser so the client
// still receives the full original stream.
func peekBody(body io.ReadCloser) ([]byte, io.ReadCloser) {
	const maxPeek = 64 * 1024
	buf := make([]byte, maxPeek)
	n, _ := io.ReadFull(body, buf)
	preview := buf[:n]
	return preview, struct {
		io.Reader
		io.Closer
	}{Reader: io.MultiReader(strings.NewReader(string(preview)), body), Closer: body}
}

func errorCodeFor(status int) string {
	switch {
	case status == 429:
		return "rate_limited"
	case status >= 500:
		return "upstream_error"
	default:
		return ""
	}
}

func (p *Pipeline) emitTrace(requestID, method, path string, status int, start time.Time, sel rotation.Selection, hint, firstWord, errorCode string) {
	// Prompt text is client-controlled and observability-only; scrub it the
	// same way outbound logs are scrubbed so a pasted token or key never
	// ends up sitting in trace.jsonl.
	p.trace.Emit(tracesink.Entry{
		Timestamp:     start.In(p.cfg.TimeZone),
		RequestID:     requestID,
		Method:        method,
		Path:          path,
		Status:        status,
		LatencyMS:     p.clock.Now().Sub(start).Milliseconds(),
		KeyLabel:      sel.Credential.Label,
		KeyHash:       sel.Credential.SecretHash,
		RotationIndex: sel.RotationIndex,
		PromptHint:    security.SanitizeString(hint),
		PromptWord:    security.SanitizeString(firstWord),
		ErrorCode:     errorCode,
	})
}

func relay(w http.ResponseWriter, resp *http.Response) {
	for name, values := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func isHopByHop(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	default:
		return false
	}
}

const maxHintWords = 6
const maxHintChars = 60

// extractPromptHint best-effort parses the request body as JSON (the
// caller must pass an *http.Request whose body has not yet been
// consumed) and extracts an observability-only hint. It never fails the
// request: any error yields empty strings.
func extractPromptHint(r *http.Request) (hint, firstWord string) {
	if !strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "json") {
		return "", ""
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		r.Body = http.NoBody
		return "", ""
	}
	r.Body = io.NopCloser(strings.NewReader(string(body)))

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ""
	}

	text := findPromptText(payload)
	if text == "" {
		return "", ""
	}
	return truncateHint(text)
}

func findPromptText(payload map[string]interface{}) string {
	if messages, ok := payload["messages"].([]interface{}); ok {
		for i := len(messages) - 1; i >= 0; i-- {
			msg, ok := messages[i].(map[string]interface{})
			if !ok {
				continue
			}
			if text := contentText(msg["content"]); text != "" {
				return text
			}
		}
	}
	for _, key := range []string{"prompt", "input", "query", "text"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func contentText(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case map[string]interface{}:
		if s, ok := v["text"].(string); ok {
			return s
		}
	case []interface{}:
		for i := len(v) - 1; i >= 0; i-- {
			if s := contentText(v[i]); s != "" {
				return s
			}
		}
	}
	return ""
}

func truncateHint(text string) (hint, firstWord string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", ""
	}
	firstWord = fields[0]

	limited := fields
	truncatedWords := false
	if len(limited) > maxHintWords {
		limited = limited[:maxHintWords]
		truncatedWords = true
	}
	joined := strings.Join(limited, " ")

	truncatedChars := false
	if len(joined) > maxHintChars {
		joined = string(trimToRuneBoundary([]rune(joined), maxHintChars))
		truncatedChars = true
	}

	if truncatedWords || truncatedChars {
		joined += "…"
	}
	return joined, firstWord
}

func trimToRuneBoundary(runes []rune, limit int) []rune {
	if len(runes) <= limit {
		return runes
	}
	trimmed := runes[:limit]
	for len(trimmed) > 0 && unicode.IsSpace(trimmed[len(trimmed)-1]) {
		trimmed = trimmed[:len(trimmed)-1]
	}
	return trimmed
}
