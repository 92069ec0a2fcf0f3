package execution

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kittynXR/maowbot-sub000/internal/errs"
	"github.com/kittynXR/maowbot-sub000/internal/event"
)

// Entry is one shared-data value.
type Entry struct {
	Key      string      `json:"key"`
	Value    interface{} `json:"value"`
	TypeHint string      `json:"type_hint,omitempty"`
	SetBy    string      `json:"set_by,omitempty"`
	SetAt    time.Time   `json:"set_at"`
}

type sharedData struct {
	mu      sync.RWMutex
	entries map[string]Entry
	closed  bool
}

// Context is the scratch space of one pipeline run. Views returned by
// ForAction share the same data; Fork returns a private copy.
type Context struct {
	ExecutionID  string
	PipelineID   string
	PipelineName string
	Event        *event.Envelope

	data     *sharedData
	actionID string
	previous *ActionResult
}

// NewContext creates the context for run executionID.
func NewContext(executionID, pipelineID, pipelineName string, ev *event.Envelope) *Context {
	return &Context{
		ExecutionID:  executionID,
		PipelineID:   pipelineID,
		PipelineName: pipelineName,
		Event:        ev,
		data:         &sharedData{entries: make(map[string]Entry)},
	}
}

// ForAction returns a view for actionID whose previous result is prev.
func (c *Context) ForAction(actionID string, prev *ActionResult) *Context {
	view := *c
	view.actionID = actionID
	view.previous = prev
	return &view
}

// ActionID is the id of the action this view was created for.
func (c *Context) ActionID() string { return c.actionID }

// Previous is the final result of the preceding action, or nil.
func (c *Context) Previous() *ActionResult { return c.previous }

// Fork copies the current data into a new store. Writes to the fork are not
// visible to the parent run.
func (c *Context) Fork() *Context {
	c.data.mu.RLock()
	entries := make(map[string]Entry, len(c.data.entries))
	for k, v := range c.data.entries {
		entries[k] = v
	}
	c.data.mu.RUnlock()

	fork := *c
	fork.data = &sharedData{entries: entries}
	return &fork
}

// Set stores value under key, overwriting any previous value.
func (c *Context) Set(key string, value interface{}, typeHint, byAction string) error {
	if key == "" {
		return errs.Errorf(errs.ErrConfig, "set", "empty key")
	}
	c.data.mu.Lock()
	defer c.data.mu.Unlock()
	if c.data.closed {
		return errs.Wrap(errs.ErrContextClosed, "set "+key, nil)
	}
	c.data.entries[key] = Entry{
		Key:      key,
		Value:    value,
		TypeHint: typeHint,
		SetBy:    byAction,
		SetAt:    time.Now().UTC(),
	}
	return nil
}

// Put is Set attributed to the current action.
func (c *Context) Put(key string, value interface{}, typeHint string) error {
	return c.Set(key, value, typeHint, c.actionID)
}

// Get returns the value under key or ErrNotFound.
func (c *Context) Get(key string) (interface{}, error) {
	e, ok := c.Lookup(key)
	if !ok {
		return nil, errs.Errorf(errs.ErrNotFound, "get", "shared data key %q", key)
	}
	return e.Value, nil
}

// Lookup returns the entry under key.
func (c *Context) Lookup(key string) (Entry, bool) {
	c.data.mu.RLock()
	defer c.data.mu.RUnlock()
	e, ok := c.data.entries[key]
	return e, ok
}

// Entries returns all entries sorted by key.
func (c *Context) Entries() []Entry {
	c.data.mu.RLock()
	out := make([]Entry, 0, len(c.data.entries))
	for _, e := range c.data.entries {
		out = append(out, e)
	}
	c.data.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close discards all data. Later Set calls fail with ErrContextClosed.
func (c *Context) Close() {
	c.data.mu.Lock()
	c.data.entries = make(map[string]Entry)
	c.data.closed = true
	c.data.mu.Unlock()
}

// Resolve implements condition.EvalContext.
//
//	data.<key>[.<sub>...]   shared data
//	previous.<field>        status, succeeded, error, action_id, action_type, attempt, output.*
//	pipeline.id | pipeline.name
//	anything else           delegated to the event
func (c *Context) Resolve(path []string) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	switch path[0] {
	case "data":
		if len(path) < 2 {
			return nil, false
		}
		e, ok := c.Lookup(path[1])
		if !ok {
			return nil, false
		}
		if len(path) == 2 {
			return e.Value, true
		}
		m, ok := e.Value.(map[string]interface{})
		if !ok {
			return nil, false
		}
		return event.ResolveMap(m, path[2:])
	case "previous":
		return c.resolvePrevious(path[1:])
	case "pipeline":
		if len(path) != 2 {
			return nil, false
		}
		switch path[1] {
		case "id":
			return c.PipelineID, true
		case "name":
			return c.PipelineName, true
		}
		return nil, false
	}
	if c.Event == nil {
		return nil, false
	}
	return c.Event.Resolve(path)
}

func (c *Context) resolvePrevious(path []string) (interface{}, bool) {
	p := c.previous
	if p == nil || len(path) == 0 {
		return nil, false
	}
	switch path[0] {
	case "status":
		return string(p.Status), true
	case "succeeded":
		return p.Succeeded(), true
	case "error":
		return p.Error, true
	case "action_id":
		return p.ActionID, true
	case "action_type":
		return p.ActionType, true
	case "attempt":
		return p.Attempt, true
	case "output":
		if len(path) == 1 {
			return p.Output, p.Output != nil
		}
		if p.Output == nil {
			return nil, false
		}
		return event.ResolveMap(p.Output, path[1:])
	}
	return nil, false
}

var placeholder = regexp.MustCompile(`\{([A-Za-z0-9_.]+)\}`)

// Expand replaces {name} placeholders. Shared data wins, then the event
// shorthands user, channel, text, platform, event_type, event_id, then
// any dotted path Resolve understands. Unknown placeholders are left as is.
func (c *Context) Expand(template string) string {
	if !strings.Contains(template, "{") {
		return template
	}
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := c.lookupPlaceholder(name); ok {
			return fmt.Sprint(v)
		}
		return m
	})
}

func (c *Context) lookupPlaceholder(name string) (interface{}, bool) {
	if e, ok := c.Lookup(name); ok {
		return e.Value, true
	}
	if c.Event != nil {
		switch name {
		case "user":
			return c.Event.User()
		case "channel":
			return c.Event.Channel()
		case "text":
			return c.Event.Text()
		case "platform":
			return c.Event.Platform, true
		case "event_type":
			return c.Event.Type, true
		case "event_id":
			return c.Event.ID, true
		}
	}
	if strings.Contains(name, ".") {
		return c.Resolve(strings.Split(name, "."))
	}
	return nil, false
}
