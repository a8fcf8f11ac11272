package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/luciancaetano/nibblenet"
)

// Constructor builds a processor. ctx carries startup values such as the
// default server.
type Constructor func(ctx context.Context) (*Processor, error)

// Factory builds processors by kind tag.
//
// Example:
//
//	f := engine.NewFactory()
//	f.Register("lobby", func(ctx context.Context) (*engine.Processor, error) {
//	    return engine.NewSharedProcessor(lobbyPolicy{},
//	        engine.WithServer(engine.ServerFromContext(ctx)))
//	})
//	p, err := f.New(ctx, "lobby")
type Factory struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{ctors: make(map[string]Constructor)}
}

// Register binds kind to ctor.
func (f *Factory) Register(kind string, ctor Constructor) error {
	if ctor == nil {
		return fmt.Errorf("%w: nil constructor for %q", nibblenet.ErrUnknownKind, kind)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ctors[kind]; ok {
		return fmt.Errorf("%w: %q", nibblenet.ErrDuplicateKind, kind)
	}
	f.ctors[kind] = ctor
	return nil
}

// New builds a processor of the given kind.
func (f *Factory) New(ctx context.Context, kind string) (*Processor, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", nibblenet.ErrUnknownKind, kind)
	}
	return ctor(ctx)
}

// Kinds lists the registered tags in sorted order.
func (f *Factory) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]string, 0, len(f.ctors))
	for k := range f.ctors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
