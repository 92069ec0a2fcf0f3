package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kittynXR/maowbot-sub000/internal/handler/builtin"
)

// pluginCallTimeout bounds a remote call whose context has no deadline.
const pluginCallTimeout = 5 * time.Second

// Requester sends a request and waits for one reply. *nats.Conn satisfies it.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// PluginAnnouncement is published on <prefix>.register by an out-of-process
// plugin. A load replaces whatever the plugin registered before; Unload
// drops it.
type PluginAnnouncement struct {
	PluginID  string   `json:"plugin_id"`
	Functions []string `json:"functions"`
	Unload    bool     `json:"unload,omitempty"`
}

// pluginReply is what a plugin answers to a call.
type pluginReply struct {
	Output map[string]interface{} `json:"output"`
	Error  string                 `json:"error,omitempty"`
}

// RemotePlugin returns a function that calls pluginID.function over
// request/reply on <prefix>.<pluginID>.<function>.
func RemotePlugin(req Requester, prefix, pluginID, function string) builtin.PluginFunc {
	subject := prefix + "." + pluginID + "." + function
	return func(ctx context.Context, params map[string]string) (map[string]interface{}, error) {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, pluginCallTimeout)
			defer cancel()
		}
		msg, err := req.RequestWithContext(ctx, subject, data)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", subject, err)
		}
		var reply pluginReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			return nil, fmt.Errorf("invalid reply from %s: %w", subject, err)
		}
		if reply.Error != "" {
			return nil, fmt.Errorf("%s", reply.Error)
		}
		return reply.Output, nil
	}
}

// PluginRegistrar handles announcements, loading remote functions into
// table. Requests with a reply subject are answered with {"ok":true} or
// {"ok":false,"error":...}.
func PluginRegistrar(prefix string, table *builtin.PluginTable, req Requester, logger *slog.Logger) nats.MsgHandler {
	return func(msg *nats.Msg) {
		err := registerPlugin(prefix, table, req, msg.Data)
		if err != nil {
			logger.Warn("plugin announcement rejected", "subject", msg.Subject, "err", err)
		}
		if msg.Reply == "" {
			return
		}
		ack := map[string]interface{}{"ok": err == nil}
		if err != nil {
			ack["error"] = err.Error()
		}
		data, _ := json.Marshal(ack)
		if rerr := msg.Respond(data); rerr != nil {
			logger.Warn("plugin announcement reply failed", "err", rerr)
		}
	}
}

func registerPlugin(prefix string, table *builtin.PluginTable, req Requester, data []byte) error {
	var ann PluginAnnouncement
	if err := json.Unmarshal(data, &ann); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if ann.PluginID == "" {
		return fmt.Errorf("plugin_id is required")
	}
	table.Unload(ann.PluginID)
	if ann.Unload {
		return nil
	}
	for _, fn := range ann.Functions {
		if err := table.Register(ann.PluginID, fn, RemotePlugin(req, prefix, ann.PluginID, fn)); err != nil {
			table.Unload(ann.PluginID)
			return err
		}
	}
	return nil
}

// ServePlugins accepts plugin announcements on <prefix>.register.
func (c *Client) ServePlugins(prefix string, table *builtin.PluginTable) error {
	subject := prefix + ".register"
	sub, err := c.conn.Subscribe(subject, PluginRegistrar(prefix, table, c.conn, c.logger))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	c.logger.Info("accepting plugins", "subject", subject)
	return nil
}
