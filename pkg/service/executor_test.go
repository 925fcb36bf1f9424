package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/olereon/imaginarium-sub002/pkg/service"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want service.ErrorClass
	}{
		{"wrapped transient", service.Transient(errors.New("rate limited")), service.TransientFailure},
		{"deeply wrapped transient", errors.Wrap(service.Transient(errors.New("429")), "calling provider"), service.TransientFailure},
		{"deadline exceeded", context.DeadlineExceeded, service.TransientFailure},
		{"wrapped deadline", errors.Wrap(context.DeadlineExceeded, "attempt"), service.TransientFailure},
		{"wrapped permanent", service.Permanent(errors.New("bad config")), service.PermanentFailure},
		{"unclassified", errors.New("something broke"), service.PermanentFailure},
		{"cancelled", context.Canceled, service.PermanentFailure},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, service.Classify(tc.err))
		})
	}
}

func TestTransientPermanentWrappers(t *testing.T) {
	assert.NoError(t, service.Transient(nil))
	assert.NoError(t, service.Permanent(nil))

	inner := errors.New("boom")
	wrapped := service.Transient(inner)
	assert.EqualError(t, wrapped, "boom")
	assert.ErrorIs(t, wrapped, inner)
}

func TestRegistryLookup(t *testing.T) {
	registry := service.NewRegistry()
	exec := service.NodeExecutorFunc(func(ctx context.Context, call service.NodeCall) (service.NodeResult, error) {
		return service.NodeResult{}, nil
	})
	registry.Register("llm", exec, service.NodeTypeInfo{Optional: true, Timeout: 10 * time.Second})

	_, info, ok := registry.Lookup("llm")
	assert.True(t, ok)
	assert.True(t, info.Optional)
	assert.Equal(t, 10*time.Second, info.Timeout)

	_, _, ok = registry.Lookup("ghost")
	assert.False(t, ok)
	assert.Equal(t, service.NodeTypeInfo{}, registry.Info("ghost"), "unknown types get the critical default policy")
}

func TestBuiltinInput(t *testing.T) {
	registry := service.NewRegistry()
	service.RegisterBuiltins(registry)
	exec, _, ok := registry.Lookup("input")
	assert.True(t, ok)

	result, err := exec.Execute(context.Background(), service.NodeCall{Config: map[string]string{"value": "hello"}})
	assert.NoError(t, err)
	assert.Equal(t, "hello", result.Outputs["output"])
}

func TestBuiltinTransform(t *testing.T) {
	registry := service.NewRegistry()
	service.RegisterBuiltins(registry)
	exec, _, ok := registry.Lookup("transform")
	assert.True(t, ok)

	result, err := exec.Execute(context.Background(), service.NodeCall{
		Config: map[string]string{"template": "{{a}} and {{b}}"},
		Inputs: map[string]string{"a": "salt", "b": "pepper"},
	})
	assert.NoError(t, err)
	assert.Equal(t, "salt and pepper", result.Outputs["output"])

	_, err = exec.Execute(context.Background(), service.NodeCall{NodeID: "n1"})
	assert.Error(t, err)
	assert.Equal(t, service.PermanentFailure, service.Classify(err))
}

func TestBuiltinDelayHonoursContext(t *testing.T) {
	registry := service.NewRegistry()
	service.RegisterBuiltins(registry)
	exec, _, ok := registry.Lookup("delay")
	assert.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := exec.Execute(ctx, service.NodeCall{Config: map[string]string{"duration": "5s"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, service.TransientFailure, service.Classify(err))

	_, err = exec.Execute(context.Background(), service.NodeCall{NodeID: "d1", Config: map[string]string{"duration": "not-a-duration"}})
	assert.Error(t, err)
	assert.Equal(t, service.PermanentFailure, service.Classify(err))
}
