package listener

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmespath/go-jmespath"

	"github.com/Ramsey-B/fern/pkg/models"
)

// ExpressionFilter evaluates a JMESPath expression against the serialized notification.
type ExpressionFilter struct {
	expression string
	compiled   *jmespath.JMESPath
}

// NewExpressionFilter compiles the expression, e.g. "changes[?type=='EVENT_ADDED'] | length(@) > `0`".
func NewExpressionFilter(expression string) (*ExpressionFilter, error) {
	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expression, err)
	}
	return &ExpressionFilter{expression: expression, compiled: compiled}, nil
}

// Matches reports whether the expression result is truthy for the notification.
func (f *ExpressionFilter) Matches(event *models.IndexerEvent) (bool, error) {
	data, err := toGeneric(event.View())
	if err != nil {
		return false, err
	}
	result, err := f.compiled.Search(data)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate expression %q: %w", f.expression, err)
	}
	return truthy(result), nil
}

// toGeneric converts a value to the map/slice form JMESPath searches.
func toGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification: %w", err)
	}
	return out, nil
}

func truthy(result any) bool {
	switch v := result.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}

// Filtered wraps a listener so it only accepts notifications matching the expression.
type Filtered struct {
	Listener
	filter *ExpressionFilter
}

func NewFiltered(l Listener, filter *ExpressionFilter) *Filtered {
	return &Filtered{Listener: l, filter: filter}
}

func (f *Filtered) Accept(event *models.IndexerEvent) bool {
	if !f.Listener.Accept(event) {
		return false
	}
	ok, err := f.filter.Matches(event)
	return err == nil && ok
}

func (f *Filtered) OnIndexerEvent(ctx context.Context, event *models.IndexerEvent) error {
	return f.Listener.OnIndexerEvent(ctx, event)
}
