// Package providertest is an in-memory provider.Provider for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"deskmeter/internal/model"
	"deskmeter/internal/provider"
)

const (
	OpCreate    = "create"
	OpStart     = "start"
	OpStop      = "stop"
	OpTerminate = "terminate"
	OpDescribe  = "describe"
	OpFind      = "find"
)

type Fake struct {
	mu        sync.Mutex
	instances map[string]*provider.Instance
	seq       int
	failures  map[string][]error
	sticky    map[string]error
	calls     map[string]int

	// Hook runs before every operation, outside the lock.
	Hook func(op, instanceID string)
}

func New() *Fake {
	return &Fake{
		instances: make(map[string]*provider.Instance),
		failures:  make(map[string][]error),
		sticky:    make(map[string]error),
		calls:     make(map[string]int),
	}
}

// FailNext makes the next call of op return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// FailAlways makes every call of op return err until Recover.
func (f *Fake) FailAlways(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sticky[op] = err
}

func (f *Fake) Recover(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sticky, op)
	delete(f.failures, op)
}

func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Instance returns a copy of the stored instance, or nil.
func (f *Fake) Instance(id string) *provider.Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil
	}
	cp := *inst
	return &cp
}

func (f *Fake) SetState(id string, state provider.InstanceState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[id]; ok {
		inst.State = state
	}
}

func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, inst := range f.instances {
		if inst.State != provider.StateTerminated {
			n++
		}
	}
	return n
}

func (f *Fake) begin(op, id string) error {
	if f.Hook != nil {
		f.Hook(op, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if err, ok := f.sticky[op]; ok {
		return err
	}
	if q := f.failures[op]; len(q) > 0 {
		f.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) CreateInstance(ctx context.Context, spec model.InstanceSpec) (*provider.Instance, error) {
	if err := f.begin(OpCreate, ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	inst := &provider.Instance{
		ID:         fmt.Sprintf("uhost-%d", f.seq),
		Name:       spec.InstanceName,
		State:      provider.StateStopped,
		IP:         fmt.Sprintf("10.0.0.%d", f.seq),
		Credential: fmt.Sprintf("pw-%d-0", f.seq),
	}
	f.instances[inst.ID] = inst
	cp := *inst
	return &cp, nil
}

func (f *Fake) StartInstance(ctx context.Context, id string) (*provider.Instance, error) {
	if err := f.begin(OpStart, id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	inst.State = provider.StateRunning
	inst.Credential = fmt.Sprintf("%s-r%d", id, f.calls[OpStart])
	cp := *inst
	return &cp, nil
}

func (f *Fake) StopInstance(ctx context.Context, id string) error {
	if err := f.begin(OpStop, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, err := f.lookup(id)
	if err != nil {
		return err
	}
	inst.State = provider.StateStopped
	return nil
}

func (f *Fake) TerminateInstance(ctx context.Context, id string) error {
	if err := f.begin(OpTerminate, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, err := f.lookup(id)
	if err != nil {
		return err
	}
	inst.State = provider.StateTerminated
	return nil
}

func (f *Fake) DescribeInstance(ctx context.Context, id string) (*provider.Instance, error) {
	if err := f.begin(OpDescribe, id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	if inst.State == provider.StateTerminated {
		return nil, provider.ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (f *Fake) FindInstanceByName(ctx context.Context, name string) (*provider.Instance, error) {
	if err := f.begin(OpFind, name); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inst := range f.instances {
		if inst.Name == name && inst.State != provider.StateTerminated {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, provider.ErrInstanceNotFound
}

func (f *Fake) lookup(id string) (*provider.Instance, error) {
	inst, ok := f.instances[id]
	if !ok {
		return nil, provider.ErrInstanceNotFound
	}
	return inst, nil
}
