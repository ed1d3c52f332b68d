package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const (
	// DefaultEntrypoint is the decision rule evaluated when none is configured.
	DefaultEntrypoint = "pdti/batch/decision"

	defaultDecisionCacheSize = 1024
)

var errNoModules = errors.New("policy engine requires at least one rego module")

// EngineOptions control how the batch policy engine is built.
type EngineOptions struct {
	// Entrypoint is the decision path evaluated by Evaluate. Empty selects
	// DefaultEntrypoint.
	Entrypoint      string
	// Modules maps module names to Rego source.
	Modules         map[string]string
	// CacheMaxEntries bounds the decision cache. Zero selects the default size;
	// negative disables caching.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Engine evaluates batch decisions against one compiled set of Rego modules.
// Each decision path is prepared once and reused.
type Engine struct {
	compiler   *ast.Compiler
	entrypoint string
	logger     *slog.Logger

	mu        sync.Mutex
	queries   map[string]rego.PreparedEvalQuery
	decisions *lru.Cache
}

// NewEngine compiles the modules and prepares the default decision path so
// broken policies fail at startup.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	if len(opts.Modules) == 0 {
		return nil, errNoModules
	}
	compiler, err := ast.CompileModules(opts.Modules)
	if err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	entry := strings.Trim(strings.TrimSpace(opts.Entrypoint), "/")
	if entry == "" {
		entry = DefaultEntrypoint
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		compiler:   compiler,
		entrypoint: entry,
		logger:     logger,
		queries:    make(map[string]rego.PreparedEvalQuery),
	}
	switch size := opts.CacheMaxEntries; {
	case size == 0:
		e.decisions = lru.New(defaultDecisionCacheSize)
	case size > 0:
		e.decisions = lru.New(size)
	}

	if _, err := e.query(ctx, entry); err != nil {
		return nil, err
	}
	return e, nil
}

// Evaluate runs the default decision path.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	return e.evaluate(ctx, e.entrypoint, input)
}

// Bind returns a Filter that evaluates the given decision path. The path is
// prepared immediately so a typo surfaces at startup.
func (e *Engine) Bind(ctx context.Context, entrypoint string) (Filter, error) {
	entry := strings.Trim(strings.TrimSpace(entrypoint), "/")
	if entry == "" {
		return nil, errors.New("policy entrypoint is empty")
	}
	if _, err := e.query(ctx, entry); err != nil {
		return nil, err
	}
	return boundFilter{engine: e, entrypoint: entry}, nil
}

type boundFilter struct {
	engine     *Engine
	entrypoint string
}

func (f boundFilter) Evaluate(ctx context.Context, input Input) (Decision, error) {
	return f.engine.evaluate(ctx, f.entrypoint, input)
}

func (e *Engine) evaluate(ctx context.Context, entry string, input Input) (Decision, error) {
	key, cacheable := decisionKey(entry, input)
	if cacheable && e.decisions != nil {
		e.mu.Lock()
		cached, ok := e.decisions.Get(key)
		e.mu.Unlock()
		if ok {
			return cached.(Decision).clone(), nil
		}
	}

	prepared, err := e.query(ctx, entry)
	if err != nil {
		return Decision{}, err
	}

	e.logger.Debug("evaluating batch policy",
		"entrypoint", entry,
		"request_id", input.RequestID,
		"phase", input.Phase,
		"operations", len(input.Operations),
	)
	results, err := prepared.Eval(ctx, rego.EvalInput(inputDocument(input)))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate %s: %w", entry, err)
	}

	// An undefined rule lets the batch through.
	decision := Decision{Action: ActionContinue}
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		decision, err = decodeDecision(results[0].Expressions[0].Value)
		if err != nil {
			return Decision{}, fmt.Errorf("decode %s: %w", entry, err)
		}
	}

	if cacheable && e.decisions != nil {
		e.mu.Lock()
		e.decisions.Add(key, decision.clone())
		e.mu.Unlock()
	}
	return decision, nil
}

func (e *Engine) query(ctx context.Context, entry string) (rego.PreparedEvalQuery, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prepared, ok := e.queries[entry]; ok {
		return prepared, nil
	}
	prepared, err := rego.New(
		rego.Query("data."+strings.ReplaceAll(entry, "/", ".")),
		rego.Compiler(e.compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("prepare %s: %w", entry, err)
	}
	e.queries[entry] = prepared
	return prepared, nil
}

// decisionKey identifies inputs that must produce the same decision. Request
// ids are excluded. Free-form attributes are not keyed, so inputs carrying
// them are never cached.
func decisionKey(entry string, input Input) (string, bool) {
	if len(input.Attributes) > 0 || input.DirectoryID == "" || input.Phase == "" {
		return "", false
	}
	var b strings.Builder
	for _, part := range []string{
		entry, input.DirectoryID, input.Standard, input.Phase,
		strconv.FormatBool(input.Federated),
		strconv.Itoa(input.EntryCount), strconv.Itoa(input.ErrorCount),
	} {
		b.WriteString(part)
		b.WriteByte(0x1e)
	}
	for _, op := range input.Operations {
		b.WriteString(strings.Join([]string{op.Kind, op.BaseDN, op.Scope, op.Filter, op.DN}, "\x1f"))
		b.WriteByte(0x1e)
	}
	return b.String(), true
}

func inputDocument(input Input) map[string]any {
	ops := make([]any, 0, len(input.Operations))
	for _, op := range input.Operations {
		ops = append(ops, map[string]any{
			"kind":    op.Kind,
			"base_dn": op.BaseDN,
			"scope":   op.Scope,
			"filter":  op.Filter,
			"dn":      op.DN,
		})
	}
	attrs := make(map[string]any, len(input.Attributes))
	for k, v := range input.Attributes {
		attrs[k] = v
	}
	return map[string]any{
		"directory_id": input.DirectoryID,
		"standard":     input.Standard,
		"phase":        input.Phase,
		"federated":    input.Federated,
		"operations":   ops,
		"entry_count":  input.EntryCount,
		"error_count":  input.ErrorCount,
		"attributes":   attrs,
	}
}

// decodeDecision reads a decision document of the form
// {"action": "abort", "reason": "...", "annotations": {"ticket": "SEC-12"}}.
// Scalar annotation values are rendered as text; nested values are dropped.
func decodeDecision(value any) (Decision, error) {
	doc, ok := value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("decision must be an object, got %T", value)
	}
	action, err := parseAction(doc["action"])
	if err != nil {
		return Decision{}, err
	}
	decision := Decision{Action: action}
	switch reason := doc["reason"].(type) {
	case nil:
	case string:
		decision.Reason = reason
	default:
		return Decision{}, fmt.Errorf("reason must be a string, got %T", reason)
	}

	raw, _ := doc["annotations"].(map[string]any)
	for key, v := range raw {
		var text string
		switch typed := v.(type) {
		case string:
			text = typed
		case bool, float64, int, int64:
			text = fmt.Sprint(typed)
		default:
			// json.Number and friends from the OPA result.
			if s, ok := typed.(fmt.Stringer); ok {
				text = s.String()
			} else {
				continue
			}
		}
		if decision.Annotations == nil {
			decision.Annotations = make(map[string]string, len(raw))
		}
		decision.Annotations[key] = text
	}
	return decision, nil
}

func parseAction(value any) (Action, error) {
	if value == nil {
		return ActionContinue, nil
	}
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("action must be a string, got %T", value)
	}
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "continue", "allow":
		return ActionContinue, nil
	case "skip":
		return ActionSkip, nil
	case "abort", "deny", "block":
		return ActionAbort, nil
	default:
		return "", fmt.Errorf("unknown action %q", text)
	}
}

func (d Decision) clone() Decision {
	if d.Annotations != nil {
		annotations := make(map[string]string, len(d.Annotations))
		for k, v := range d.Annotations {
			annotations[k] = v
		}
		d.Annotations = annotations
	}
	return d
}
