package engine

import (
	"context"
	"fmt"
	"image"
	"sort"
	"strings"
	"sync"

	"github.com/feichai0017/ocr-batch/internal/models"
	"github.com/feichai0017/ocr-batch/pkg/logger"
)

// Options are per-call hints. Engines that have no handwriting mode ignore it.
type Options struct {
	Language    string
	Enhance     bool
	Handwriting bool
}

// Engine is a pluggable recognition capability.
type Engine interface {
	Name() string
	// Languages lists supported language codes; empty means any.
	Languages() []string
	// Available reports whether the engine can serve requests right now.
	Available(ctx context.Context) bool
	Recognize(ctx context.Context, img image.Image, opts Options) (*models.RecognitionResult, error)
}

// Info is what ListAvailableEngines reports for each engine.
type Info struct {
	Name               string   `json:"name"`
	SupportedLanguages []string `json:"supportedLanguages"`
}

// Supports reports whether the engine accepts lang. Multi-language requests
// such as "eng+deu" need every part to be supported.
func (i Info) Supports(lang string) bool {
	if len(i.SupportedLanguages) == 0 || lang == "" {
		return true
	}
	for _, part := range strings.Split(lang, "+") {
		found := false
		for _, l := range i.SupportedLanguages {
			if strings.EqualFold(l, part) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Registry keeps engines in registration order.
type Registry struct {
	mu      sync.RWMutex
	engines []Engine
	logger  logger.Logger
}

func NewRegistry(log logger.Logger, engines ...Engine) *Registry {
	r := &Registry{logger: log.Named("engines")}
	for _, e := range engines {
		r.Register(e)
	}
	return r
}

// Register adds e, replacing an engine registered under the same name.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.engines {
		if existing.Name() == e.Name() {
			r.engines[i] = e
			return
		}
	}
	r.engines = append(r.engines, e)
}

func (r *Registry) Get(name string) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.engines {
		if e.Name() == name {
			return e, true
		}
	}
	return nil, false
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.engines))
	for i, e := range r.engines {
		names[i] = e.Name()
	}
	return names
}

// ListAvailableEngines probes every engine and reports the ones that answered.
func (r *Registry) ListAvailableEngines(ctx context.Context) []Info {
	r.mu.RLock()
	engines := append([]Engine(nil), r.engines...)
	r.mu.RUnlock()

	var infos []Info
	for _, e := range engines {
		if !e.Available(ctx) {
			r.logger.Warn("Recognition engine unavailable", logger.String("engine", e.Name()))
			continue
		}
		langs := append([]string(nil), e.Languages()...)
		sort.Strings(langs)
		infos = append(infos, Info{Name: e.Name(), SupportedLanguages: langs})
	}
	return infos
}

// Func adapts a plain function into an Engine, which is handy for tests and
// for wrapping engines that are configured elsewhere.
type Func struct {
	EngineName string
	Langs      []string
	Down       bool
	Fn         func(ctx context.Context, img image.Image, opts Options) (*models.RecognitionResult, error)
}

func (f *Func) Name() string                   { return f.EngineName }
func (f *Func) Languages() []string            { return f.Langs }
func (f *Func) Available(context.Context) bool { return !f.Down }

func (f *Func) Recognize(ctx context.Context, img image.Image, opts Options) (*models.RecognitionResult, error) {
	if f.Fn == nil {
		return nil, fmt.Errorf("engine %s has no recognizer", f.EngineName)
	}
	return f.Fn(ctx, img, opts)
}
