package hostpage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/austindbirch/pier39_pixel/internal/bootstrap"
	"github.com/austindbirch/pier39_pixel/internal/config"
	"github.com/austindbirch/pier39_pixel/internal/logging"
)

const (
	// EntryPoint is the global the pixel is called through
	EntryPoint = "pier39"
	// ConfigGlobal holds the host's init options
	ConfigGlobal = "Pier39Config"

	maxScriptSize = 64 * 1024 // 64KB
	execTimeout   = 500 * time.Millisecond
)

var (
	ErrScriptTooLarge = errors.New("script exceeds 64KB limit")
	ErrScriptTimeout  = errors.New("script execution timed out")
)

// Page is a host web page backed by a JS runtime. Run, Install and Config
// must be called from one goroutine; URL, UserAgent and Now are safe from any.
type Page struct {
	vm      *goja.Runtime
	logger  *logging.Logger
	timeout time.Duration

	mu  sync.RWMutex
	url string
	ua  string
	now func() time.Time
}

type Option func(*Page)

func WithUserAgent(ua string) Option {
	return func(p *Page) { p.ua = ua }
}

func WithClock(now func() time.Time) Option {
	return func(p *Page) { p.now = now }
}

// WithTimeout bounds each Run
func WithTimeout(d time.Duration) Option {
	return func(p *Page) { p.timeout = d }
}

func WithLogger(l *logging.Logger) Option {
	return func(p *Page) { p.logger = l }
}

// New creates a page loaded at url
func New(url string, opts ...Option) *Page {
	p := &Page{
		vm:      goja.New(),
		url:     url,
		ua:      "Mozilla/5.0 (compatible; pier39-pixel)",
		now:     time.Now,
		timeout: execTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.New("hostpage")
	}

	global := p.vm.GlobalObject()
	_ = p.vm.Set("window", global)
	_ = p.vm.Set("location", map[string]any{"href": p.url})
	_ = p.vm.Set("navigator", map[string]any{"userAgent": p.ua})
	_ = p.vm.Set("console", p.console())
	return p
}

func (p *Page) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

func (p *Page) UserAgent() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ua
}

func (p *Page) Now() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.now()
}

// Run executes host page script
func (p *Page) Run(src string) (err error) {
	if len(src) > maxScriptSize {
		return ErrScriptTooLarge
	}

	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*goja.InterruptedError); ok {
				err = ErrScriptTimeout
				return
			}
			err = fmt.Errorf("script panic: %v", r)
		}
	}()

	timer := time.AfterFunc(p.timeout, func() {
		p.vm.Interrupt("timeout")
	})
	defer func() {
		timer.Stop()
		p.vm.ClearInterrupt()
	}()

	if _, err := p.vm.RunString(src); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return ErrScriptTimeout
		}
		return fmt.Errorf("script error: %w", err)
	}
	return nil
}

// Config reads Pier39Config, falling back to defaults for anything unset
func (p *Page) Config() (config.PixelConfig, error) {
	var pc config.PixelConfig
	v := p.vm.Get(ConfigGlobal)
	if isAbsent(v) {
		return pc.WithDefaults(), nil
	}

	b, err := json.Marshal(v.Export())
	if err != nil {
		return pc, fmt.Errorf("read %s: %w", ConfigGlobal, err)
	}
	if err := json.Unmarshal(b, &pc); err != nil {
		return pc, fmt.Errorf("read %s: %w", ConfigGlobal, err)
	}
	return pc.WithDefaults(), nil
}

// Install hands commands already queued on pier39.q to b in order, then
// replaces the global entry point with one that forwards to b. The new entry
// point never throws into the page.
func (p *Page) Install(b *bootstrap.Bootstrap) error {
	queued := p.queuedCommands()

	fn := func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = exportValue(a)
		}
		b.Call(args...)
		return goja.Undefined()
	}
	if err := p.vm.Set(EntryPoint, fn); err != nil {
		return fmt.Errorf("install %s: %w", EntryPoint, err)
	}
	if err := p.vm.Set("Pier39PixelObject", EntryPoint); err != nil {
		return fmt.Errorf("install %s: %w", EntryPoint, err)
	}

	for _, args := range queued {
		if len(args) > 0 {
			b.Call(args...)
		}
	}
	if len(queued) > 0 {
		p.logger.Plain().WithField("queued", len(queued)).Debug("replayed queued pier39 commands")
	}
	return nil
}

// queuedCommands reads pier39.q as a list of argument lists
func (p *Page) queuedCommands() [][]any {
	v := p.vm.Get(EntryPoint)
	if isAbsent(v) {
		return nil
	}
	obj := v.ToObject(p.vm)
	q := obj.Get("q")
	if isAbsent(q) {
		return nil
	}

	var out [][]any
	for _, item := range p.arrayLike(q) {
		if isAbsent(item) {
			continue
		}
		args := p.arrayLike(item)
		exported := make([]any, len(args))
		for i, a := range args {
			exported[i] = exportValue(a)
		}
		out = append(out, exported)
	}
	return out
}

// arrayLike reads arrays and arguments objects by index
func (p *Page) arrayLike(v goja.Value) []goja.Value {
	obj := v.ToObject(p.vm)
	n := obj.Get("length")
	if isAbsent(n) {
		return nil
	}
	out := make([]goja.Value, 0, n.ToInteger())
	for i := int64(0); i < n.ToInteger(); i++ {
		out = append(out, obj.Get(strconv.FormatInt(i, 10)))
	}
	return out
}

func (p *Page) console() map[string]any {
	logAt := func(level logging.LogLevel) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			msg := strings.Join(parts, " ")
			e := p.logger.Plain().WithField("source", "console")
			switch level {
			case logging.LevelWarn:
				e.Warn(msg)
			case logging.LevelError:
				e.Error(msg)
			default:
				e.Info(msg)
			}
			return goja.Undefined()
		}
	}
	return map[string]any{
		"log":   logAt(logging.LevelInfo),
		"info":  logAt(logging.LevelInfo),
		"warn":  logAt(logging.LevelWarn),
		"error": logAt(logging.LevelError),
	}
}

func isAbsent(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

func exportValue(v goja.Value) any {
	if isAbsent(v) {
		return nil
	}
	return v.Export()
}
