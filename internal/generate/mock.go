package generate

import (
	"context"
	"fmt"
	"sync/atomic"
)

// MockGenerator returns canned values and counts calls. Used by tests and by
// `loomctl plan --dry-run`.
type MockGenerator struct {
	// Values maps field hint -> value for GenerateValue.
	Values map[string]string

	// Records maps type name -> field values for GenerateFields.
	Records map[string]map[string]any

	// Err, when set, is returned by every call.
	Err error

	valueCalls int64
	fieldCalls int64
}

func (m *MockGenerator) GenerateValue(_ context.Context, hint, _ string) (string, error) {
	atomic.AddInt64(&m.valueCalls, 1)
	if m.Err != nil {
		return "", m.Err
	}
	if v, ok := m.Values[hint]; ok {
		return v, nil
	}
	return fmt.Sprintf("generated %s", hint), nil
}

func (m *MockGenerator) GenerateFields(_ context.Context, typeName, _ string, fields map[string]string, _ string) (map[string]any, error) {
	atomic.AddInt64(&m.fieldCalls, 1)
	if m.Err != nil {
		return nil, m.Err
	}
	if rec, ok := m.Records[typeName]; ok {
		out := make(map[string]any, len(rec))
		for k, v := range rec {
			out[k] = v
		}
		return out, nil
	}
	out := make(map[string]any, len(fields))
	for name := range fields {
		out[name] = fmt.Sprintf("generated %s", name)
	}
	return out, nil
}

// ValueCalls returns how many times GenerateValue ran.
func (m *MockGenerator) ValueCalls() int { return int(atomic.LoadInt64(&m.valueCalls)) }

// FieldCalls returns how many times GenerateFields ran.
func (m *MockGenerator) FieldCalls() int { return int(atomic.LoadInt64(&m.fieldCalls)) }
