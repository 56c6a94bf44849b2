package vision

import (
	"context"
	"sync"
	"time"
)

// Mock implements Classifier for testing.
type Mock struct {
	// NameValue is the reported classifier name.
	NameValue string

	// ClassifyFunc is called when Classify is invoked.
	ClassifyFunc func(ctx context.Context, jpeg []byte) (*Prediction, error)

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation.
type MockCall struct {
	Method string
	Time   time.Time
}

// NewMock creates a mock classifier that always returns the given category.
func NewMock(name string, category Category) *Mock {
	return &Mock{
		NameValue: name,
		ClassifyFunc: func(ctx context.Context, jpeg []byte) (*Prediction, error) {
			return &Prediction{Category: category, Label: category.String()}, nil
		},
	}
}

// MockWithError creates a mock classifier that always fails.
func MockWithError(name string, err error) *Mock {
	return &Mock{
		NameValue: name,
		ClassifyFunc: func(ctx context.Context, jpeg []byte) (*Prediction, error) {
			return nil, err
		},
	}
}

// MockSequence creates a mock classifier that returns the given categories
// in order, repeating the last one when the sequence is exhausted.
func MockSequence(name string, categories ...Category) *Mock {
	var mu sync.Mutex
	i := 0
	return &Mock{
		NameValue: name,
		ClassifyFunc: func(ctx context.Context, jpeg []byte) (*Prediction, error) {
			mu.Lock()
			defer mu.Unlock()
			c := categories[i]
			if i < len(categories)-1 {
				i++
			}
			return &Prediction{Category: c, Label: c.String()}, nil
		},
	}
}

// Name returns the mock's name.
func (m *Mock) Name() string {
	if m.NameValue == "" {
		return "mock"
	}
	return m.NameValue
}

// Classify calls ClassifyFunc and records the call.
func (m *Mock) Classify(ctx context.Context, jpeg []byte) (*Prediction, error) {
	m.record("Classify")
	if m.ClassifyFunc != nil {
		return m.ClassifyFunc(ctx, jpeg)
	}
	return nil, WrapError(m.Name(), ErrNoPrediction)
}

// record adds a call to the tracking list.
func (m *Mock) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{
		Method: method,
		Time:   time.Now(),
	})
}

// CallCount returns the number of times a method was called.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// Reset clears all recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Verify Mock implements Classifier at compile time.
var _ Classifier = (*Mock)(nil)
