package validate

import (
	"context"
	"errors"
	"testing"

	"github.com/recyclesort/go-sorter/pkg/vision"
)

var errService = errors.New("service down")

func TestBothAgree(t *testing.T) {
	a := vision.NewMock("a", vision.Can)
	b := vision.NewMock("b", vision.Can)
	v := New(a, b)

	res := v.Classify(context.Background(), []byte("frame"), nil)

	if res.Category != vision.Can {
		t.Errorf("expected Can, got %v", res.Category)
	}
	if res.Agreement != BothAgreed {
		t.Errorf("expected BothAgreed, got %v", res.Agreement)
	}
	if a.CallCount("Classify") != 1 || b.CallCount("Classify") != 1 {
		t.Errorf("expected zero retries, calls a=%d b=%d",
			a.CallCount("Classify"), b.CallCount("Classify"))
	}
}

func TestRetryAgreed(t *testing.T) {
	// First attempt disagrees (Can vs Bottle), retry agrees on Bottle.
	a := vision.MockSequence("a", vision.Can, vision.Bottle)
	b := vision.NewMock("b", vision.Bottle)
	v := New(a, b)

	res := v.Classify(context.Background(), []byte("frame"), nil)

	if res.Category != vision.Bottle {
		t.Errorf("expected Bottle, got %v", res.Category)
	}
	if res.Agreement != RetryAgreed {
		t.Errorf("expected RetryAgreed, got %v", res.Agreement)
	}
	if a.CallCount("Classify") != 2 || b.CallCount("Classify") != 2 {
		t.Errorf("expected exactly one retry, calls a=%d b=%d",
			a.CallCount("Classify"), b.CallCount("Classify"))
	}
}

func TestTieBreakFavorsB(t *testing.T) {
	// Persistent disagreement across both attempts.
	a := vision.NewMock("a", vision.Can)
	b := vision.NewMock("b", vision.Bottle)
	v := New(a, b)

	res := v.Classify(context.Background(), []byte("frame"), nil)

	if res.Category != vision.Bottle {
		t.Errorf("tie-break must favor classifier B, got %v", res.Category)
	}
	if res.Agreement != TieBreak {
		t.Errorf("expected TieBreak, got %v", res.Agreement)
	}
}

func TestSingleSourceOnly(t *testing.T) {
	a := vision.MockWithError("a", errService)
	b := vision.NewMock("b", vision.Can)
	v := New(a, b)

	res := v.Classify(context.Background(), []byte("frame"), nil)

	if res.Category != vision.Can {
		t.Errorf("expected Can, got %v", res.Category)
	}
	if res.Agreement != SingleSourceOnly {
		t.Errorf("expected SingleSourceOnly, got %v", res.Agreement)
	}
	if b.CallCount("Classify") != 1 {
		t.Errorf("single success must not retry, calls b=%d", b.CallCount("Classify"))
	}
}

func TestSingleSourceOnRetry(t *testing.T) {
	// Both fail at first; only B recovers on retry.
	bCalls := 0
	a := vision.MockWithError("a", errService)
	b := &vision.Mock{
		NameValue: "b",
		ClassifyFunc: func(ctx context.Context, jpeg []byte) (*vision.Prediction, error) {
			bCalls++
			if bCalls == 1 {
				return nil, errService
			}
			return &vision.Prediction{Category: vision.Can, Label: "can"}, nil
		},
	}
	v := New(a, b)

	res := v.Classify(context.Background(), []byte("frame"), nil)

	if res.Category != vision.Can {
		t.Errorf("expected Can, got %v", res.Category)
	}
	if res.Agreement != SingleSourceOnly {
		t.Errorf("expected SingleSourceOnly, got %v", res.Agreement)
	}
}

func TestBothFailedDefaultsToGarbage(t *testing.T) {
	a := vision.MockWithError("a", errService)
	b := vision.MockWithError("b", errService)
	v := New(a, b)

	res := v.Classify(context.Background(), []byte("frame"), nil)

	if res.Category != vision.Garbage {
		t.Errorf("fail-safe category must be Garbage, got %v", res.Category)
	}
	if res.Agreement != BothFailed {
		t.Errorf("expected BothFailed, got %v", res.Agreement)
	}
	if a.CallCount("Classify") != 2 || b.CallCount("Classify") != 2 {
		t.Errorf("expected one retry before giving up, calls a=%d b=%d",
			a.CallCount("Classify"), b.CallCount("Classify"))
	}
}

func TestRetryUsesFreshFrame(t *testing.T) {
	var retryFrames [][]byte
	a := &vision.Mock{
		NameValue: "a",
		ClassifyFunc: func(ctx context.Context, jpeg []byte) (*vision.Prediction, error) {
			retryFrames = append(retryFrames, jpeg)
			return &vision.Prediction{Category: vision.Can, Label: "can"}, nil
		},
	}
	b := vision.NewMock("b", vision.Bottle)
	v := New(a, b)

	fresh := func() ([]byte, bool) { return []byte("fresh"), true }
	v.Classify(context.Background(), []byte("orig"), fresh)

	if len(retryFrames) != 2 {
		t.Fatalf("expected two attempts, got %d", len(retryFrames))
	}
	if string(retryFrames[0]) != "orig" {
		t.Errorf("first attempt must use the captured frame, got %q", retryFrames[0])
	}
	if string(retryFrames[1]) != "fresh" {
		t.Errorf("retry must use the supplied fresh frame, got %q", retryFrames[1])
	}
}

func TestRetryFallsBackToOriginalFrame(t *testing.T) {
	var frames [][]byte
	a := &vision.Mock{
		NameValue: "a",
		ClassifyFunc: func(ctx context.Context, jpeg []byte) (*vision.Prediction, error) {
			frames = append(frames, jpeg)
			return &vision.Prediction{Category: vision.Can, Label: "can"}, nil
		},
	}
	b := vision.NewMock("b", vision.Bottle)
	v := New(a, b)

	// Supplier has nothing fresh.
	fresh := func() ([]byte, bool) { return nil, false }
	v.Classify(context.Background(), []byte("orig"), fresh)

	if len(frames) != 2 || string(frames[1]) != "orig" {
		t.Errorf("retry must fall back to the original frame, frames=%q", frames)
	}
}

func TestRetryDisabled(t *testing.T) {
	a := vision.NewMock("a", vision.Can)
	b := vision.NewMock("b", vision.Bottle)
	v := New(a, b, WithRetry(false))

	res := v.Classify(context.Background(), []byte("frame"), nil)

	if res.Agreement != TieBreak {
		t.Errorf("disagreement without retry should tie-break, got %v", res.Agreement)
	}
	if a.CallCount("Classify") != 1 {
		t.Errorf("retry disabled but classifier called %d times", a.CallCount("Classify"))
	}
}
