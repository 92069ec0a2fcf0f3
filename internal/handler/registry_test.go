package handler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittynXR/maowbot-sub000/internal/errs"
	"github.com/kittynXR/maowbot-sub000/internal/event"
	"github.com/kittynXR/maowbot-sub000/internal/execution"
)

var passFactory = FilterFactory(func(Config) (Filter, error) {
	return FilterFunc(func(context.Context, *event.Envelope) (Verdict, error) { return Pass, nil }), nil
})

var echoFactory = ActionFactory(func(cfg Config) (Action, error) {
	return ActionFunc(func(context.Context, *execution.Context) (Output, error) {
		return Output{"echo": cfg["message"]}, nil
	}), nil
})

var messageSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"message"},
	"properties": map[string]interface{}{
		"message": map[string]interface{}{"type": "string", "minLength": 1},
	},
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "always_pass", Builtin: true}, passFactory))
	require.NoError(t, r.Register(Descriptor{Name: "echo", Schema: messageSchema}, echoFactory))

	f, err := r.Resolve("always_pass")
	require.NoError(t, err)
	assert.Equal(t, KindFilter, f.Kind())

	d, ok := r.Descriptor("echo")
	require.True(t, ok)
	assert.Equal(t, KindAction, d.Kind, "kind is taken from the factory when omitted")
	assert.True(t, d.Enabled)

	_, err = r.Resolve("missing")
	assert.ErrorIs(t, err, errs.ErrUnknownHandler)
}

func TestRegistry_Duplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "echo"}, echoFactory))
	err := r.Register(Descriptor{Name: "echo"}, echoFactory)
	assert.ErrorIs(t, err, errs.ErrDuplicateHandler)
}

func TestRegistry_KindMismatchAndBadSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Descriptor{Name: "x", Kind: KindFilter}, echoFactory)
	assert.ErrorIs(t, err, errs.ErrConfig)

	err = r.Register(Descriptor{Name: "y", Schema: map[string]interface{}{"type": 42}}, echoFactory)
	assert.ErrorIs(t, err, errs.ErrConfig)

	err = r.Register(Descriptor{}, echoFactory)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestRegistry_ValidateConfig(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "echo", Schema: messageSchema}, echoFactory))

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{"message": "hi"}, false},
		{"missing required", Config{}, true},
		{"nil config", nil, true},
		{"wrong type", Config{"message": 12}, true},
		{"empty string", Config{"message": ""}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.ValidateConfig("echo", tc.cfg)
			if tc.wantErr {
				assert.ErrorIs(t, err, errs.ErrConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRegistry_NewAction(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "echo", Schema: messageSchema}, echoFactory))
	require.NoError(t, r.Register(Descriptor{Name: "always_pass"}, passFactory))

	a, err := r.NewAction("echo", Config{"message": "hi"})
	require.NoError(t, err)
	out, err := a.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", out["echo"])

	_, err = r.NewAction("echo", Config{})
	assert.ErrorIs(t, err, errs.ErrConfig)

	_, err = r.NewAction("always_pass", nil)
	assert.ErrorIs(t, err, errs.ErrUnknownHandler)

	_, err = r.NewFilter("echo", Config{"message": "hi"})
	assert.ErrorIs(t, err, errs.ErrUnknownHandler)
}

func TestRegistry_FactoryErrorIsConfigError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("bad pattern")
	require.NoError(t, r.Register(Descriptor{Name: "broken"}, FilterFactory(func(Config) (Filter, error) {
		return nil, boom
	})))
	_, err := r.NewFilter("broken", nil)
	assert.ErrorIs(t, err, errs.ErrConfig)
	assert.ErrorIs(t, err, boom)
}

func TestRegistry_SetEnabled(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "echo"}, echoFactory))

	require.NoError(t, r.SetEnabled("echo", false))
	_, err := r.Resolve("echo")
	assert.ErrorIs(t, err, errs.ErrUnknownHandler)

	require.NoError(t, r.SetEnabled("echo", true))
	_, err = r.Resolve("echo")
	assert.NoError(t, err)

	assert.ErrorIs(t, r.SetEnabled("nope", true), errs.ErrUnknownHandler)
}

func TestRegistry_Descriptors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "b_filter"}, passFactory))
	require.NoError(t, r.Register(Descriptor{Name: "a_action"}, echoFactory))
	require.NoError(t, r.Register(Descriptor{Name: "a_filter"}, passFactory))

	var names []string
	for _, d := range r.Descriptors(KindFilter) {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"a_filter", "b_filter"}, names)
	assert.Len(t, r.Descriptors(""), 3)

	assert.True(t, r.Unregister("a_filter"))
	assert.False(t, r.Unregister("a_filter"))
	assert.Len(t, r.Descriptors(KindFilter), 1)
}

func TestRegistry_ConcurrentRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "echo"}, echoFactory))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(Descriptor{Name: "plugin_" + string(rune('a'+i)), PluginID: "p"}, echoFactory)
		}(i)
		go func() {
			defer wg.Done()
			_, err := r.NewAction("echo", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, r.Descriptors(KindAction), 9)
}
