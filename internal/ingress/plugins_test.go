package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittynXR/maowbot-sub000/internal/errs"
	"github.com/kittynXR/maowbot-sub000/internal/handler/builtin"
	"github.com/kittynXR/maowbot-sub000/internal/logging"
)

type fakeRequester struct {
	subject  string
	params   map[string]string
	deadline bool
	reply    string
	err      error
}

func (f *fakeRequester) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.subject = subj
	_, f.deadline = ctx.Deadline()
	if err := json.Unmarshal(data, &f.params); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &nats.Msg{Subject: subj, Data: []byte(f.reply)}, nil
}

func TestRemotePlugin(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		err     error
		want    map[string]interface{}
		wantErr string
	}{
		{name: "output", reply: `{"output":{"result":17}}`, want: map[string]interface{}{"result": float64(17)}},
		{name: "plugin error", reply: `{"error":"dice jammed"}`, wantErr: "dice jammed"},
		{name: "bad reply", reply: `nope`, wantErr: "invalid reply"},
		{name: "no responders", err: nats.ErrNoResponders, wantErr: "no responders"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &fakeRequester{reply: tt.reply, err: tt.err}
			fn := RemotePlugin(req, "maowbot.plugins", "dice", "roll")

			out, err := fn(context.Background(), map[string]string{"sides": "20"})
			assert.Equal(t, "maowbot.plugins.dice.roll", req.subject)
			assert.Equal(t, "20", req.params["sides"])
			assert.True(t, req.deadline, "calls without a deadline get a default one")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestPluginRegistrar(t *testing.T) {
	table := builtin.NewPluginTable()
	req := &fakeRequester{reply: `{"output":{"ok":true}}`}
	handle := PluginRegistrar("maowbot.plugins", table, req, logging.Discard())
	announce := func(body string) {
		handle(&nats.Msg{Subject: "maowbot.plugins.register", Data: []byte(body)})
	}

	announce(`{"plugin_id":"dice","functions":["roll","flip"]}`)
	assert.Equal(t, []string{"dice"}, table.Plugins())
	fn, err := table.Lookup("dice", "flip")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := fn(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "maowbot.plugins.dice.flip", req.subject)

	// a reload replaces the function list
	announce(`{"plugin_id":"dice","functions":["roll"]}`)
	_, err = table.Lookup("dice", "flip")
	assert.ErrorIs(t, err, errs.ErrUnknownHandler)
	_, err = table.Lookup("dice", "roll")
	assert.NoError(t, err)

	announce(`{"plugin_id":"dice","functions":["roll","roll"]}`)
	assert.Empty(t, table.Plugins(), "a rejected load leaves nothing half-registered")

	announce(`{"plugin_id":"dice","functions":["roll"]}`)
	announce(`{"plugin_id":"dice","unload":true}`)
	assert.Empty(t, table.Plugins())

	announce(`{"functions":["roll"]}`)
	announce(`{`)
	assert.Empty(t, table.Plugins())
}

func TestRegisterPlugin_Errors(t *testing.T) {
	table := builtin.NewPluginTable()
	err := registerPlugin("p", table, &fakeRequester{}, []byte(`{"functions":["x"]}`))
	assert.EqualError(t, err, "plugin_id is required")

	err = registerPlugin("p", table, &fakeRequester{}, []byte(`{"plugin_id":"a","functions":["x","x"]}`))
	assert.True(t, errors.Is(err, errs.ErrDuplicateHandler))
}
