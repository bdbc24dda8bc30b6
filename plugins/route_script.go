package plugins

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/kingrea/lattice-compliance/internal/contextstore"
	"github.com/kingrea/lattice-compliance/internal/domain"
	"github.com/kingrea/lattice-compliance/internal/router"
)

const routeFuncName = "Next"

// ScriptPolicy is a router.Policy backed by an interpreted Go file that
// declares one of:
//
//	func Next(current string, snapshot map[string]any) (string, error)
//	func Next(current string, snapshot map[string]any) (string, []string, error)
//
// The optional []string result lists flags to raise. The snapshot maps
// context keys to plain values: findings become maps with producer, subject,
// verdict, confidence, synthetic and disputed fields; flags and requirements
// keep their scalar values. Inputs are not exposed.
type ScriptPolicy struct {
	path string
	mu   sync.Mutex
	fn   reflect.Value
}

// LoadRoutePolicy interprets path and binds its Next function.
func LoadRoutePolicy(path string) (*ScriptPolicy, error) {
	i, err := interpretFile(path)
	if err != nil {
		return nil, err
	}
	fn, err := i.Eval(routeFuncName)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s must define %s(string, map[string]any): %w", path, routeFuncName, err)
	}
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("plugin: %s: %s is not a function", path, routeFuncName)
	}
	fnType := fn.Type()
	if fnType.NumIn() != 2 || fnType.NumOut() < 2 || fnType.NumOut() > 3 {
		return nil, fmt.Errorf("plugin: %s: %s must take (string, map[string]any) and return (string[, []string], error)", path, routeFuncName)
	}
	return &ScriptPolicy{path: path, fn: fn}, nil
}

// Path is the script the policy was loaded from.
func (p *ScriptPolicy) Path() string {
	return p.path
}

// Next evaluates the script for current.
func (p *ScriptPolicy) Next(current string, snapshot contextstore.Reader) (router.Decision, error) {
	args := []reflect.Value{reflect.ValueOf(current), reflect.ValueOf(scriptSnapshot(snapshot))}
	p.mu.Lock()
	results := p.fn.Call(args)
	p.mu.Unlock()
	last := results[len(results)-1]
	if err := errorResult(last, routeFuncName); err != nil {
		return router.Decision{}, err
	}
	next, ok := results[0].Interface().(string)
	if !ok {
		return router.Decision{}, fmt.Errorf("%s must return a node name", routeFuncName)
	}
	decision := router.Decision{Next: strings.TrimSpace(next), Reason: "script " + p.path}
	if len(results) == 3 && results[1].IsValid() && !results[1].IsNil() {
		flags, ok := results[1].Interface().([]string)
		if !ok {
			return router.Decision{}, fmt.Errorf("%s flags must be []string", routeFuncName)
		}
		decision.Flags = append([]string(nil), flags...)
	}
	return decision, nil
}

func scriptSnapshot(snapshot contextstore.Reader) map[string]any {
	out := map[string]any{}
	if snapshot == nil {
		return out
	}
	for _, entry := range snapshot.GetAll("") {
		if strings.HasPrefix(entry.Key, domain.InputsPrefix) {
			continue
		}
		switch v := entry.Value.(type) {
		case domain.Finding:
			out[entry.Key] = map[string]any{
				"producer":   v.Producer,
				"subject":    v.Subject,
				"verdict":    string(v.Verdict),
				"confidence": v.Confidence,
				"synthetic":  v.Synthetic,
				"disputed":   v.Disputed,
			}
		default:
			out[entry.Key] = v
		}
	}
	return out
}
