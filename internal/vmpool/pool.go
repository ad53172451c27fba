package vmpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/cleanroom/internal/config"
	"github.com/oriys/cleanroom/internal/logging"
	"github.com/oriys/cleanroom/internal/metrics"
	"github.com/oriys/cleanroom/internal/vmbackend"
)

var (
	// ErrAcquireTimeout is returned when no VM for the label frees up within
	// the acquire timeout.
	ErrAcquireTimeout = errors.New("vm acquire timed out")
	// ErrPoolClosed is returned once Shutdown has started.
	ErrPoolClosed = errors.New("vm pool is shut down")
	// ErrUnknownLabel is returned for labels with no configured pool.
	ErrUnknownLabel = errors.New("unknown edr label")
)

// VMState tracks a pooled machine through its lifecycle.
type VMState string

const (
	StateProvisioning VMState = "provisioning"
	StateAvailable    VMState = "available"
	StateInUse        VMState = "in_use"
	StateCleaning     VMState = "cleaning"
	StateRecycling    VMState = "recycling"
	StateDeleted      VMState = "deleted"
)

// PooledVM is one machine managed by the pool.
type PooledVM struct {
	VM         *vmbackend.VM
	Label      string
	Slot       int
	UseCount   int
	State      VMState
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// LabelStats is the per-label snapshot exposed by Stats.
type LabelStats struct {
	Available    int `json:"available"`
	InUse        int `json:"in_use"`
	Cleaning     int `json:"cleaning"`
	Recycling    int `json:"recycling"`
	Provisioning int `json:"provisioning"`
}

// Pool maintains a warm set of detonation VMs per EDR label. Acquire hands
// out machines FIFO; Release cleans and requeues them, or recycles once a
// machine hits its use limit. Recycling re-provisions in the background so
// the pool converges back to full size.
type Pool struct {
	backend vmbackend.Backend
	cfg     config.PoolConfig

	mu     sync.Mutex
	vms    map[string]*PooledVM           // by VM name
	idle   map[string]chan *PooledVM      // per-label FIFO
	labels map[string]config.LabelConfig  // configured labels
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an empty pool for the configured labels. Call Initialize to
// provision the machines.
func New(backend vmbackend.Backend, cfg config.PoolConfig) *Pool {
	p := &Pool{
		backend: backend,
		cfg:     cfg,
		vms:     make(map[string]*PooledVM),
		idle:    make(map[string]chan *PooledVM, len(cfg.Labels)),
		labels:  cfg.Labels,
		stopCh:  make(chan struct{}),
	}
	for label := range cfg.Labels {
		p.idle[label] = make(chan *PooledVM, cfg.PoolSize)
	}
	return p
}

// Initialize provisions PoolSize machines for every label in parallel.
// Individual provision failures are logged and leave the pool running under
// capacity; one label's quota trouble must not tear down the machines the
// other labels already got. Initialization only fails when not a single
// machine came up.
func (p *Pool) Initialize(ctx context.Context) error {
	var g errgroup.Group
	var provisioned atomic.Int64

	for label := range p.labels {
		for slot := 0; slot < p.cfg.PoolSize; slot++ {
			label, slot := label, slot
			g.Go(func() error {
				vm, err := p.provision(ctx, label, slot)
				if err != nil {
					logging.Op().Error("initial provision failed, running under capacity",
						"label", label, "slot", slot, "error", err)
					return nil
				}
				p.addIdle(vm)
				provisioned.Add(1)
				return nil
			})
		}
	}
	_ = g.Wait()

	want := len(p.labels) * p.cfg.PoolSize
	if want > 0 && provisioned.Load() == 0 {
		return fmt.Errorf("initialize vm pool: no machine could be provisioned")
	}
	logging.Op().Info("vm pool initialized",
		"provisioned", provisioned.Load(), "want", want)
	return nil
}

// provision creates one VM with retry and backoff.
func (p *Pool) provision(ctx context.Context, label string, slot int) (*PooledVM, error) {
	lc, ok := p.labels[label]
	if !ok {
		return nil, ErrUnknownLabel
	}

	backoff := time.Duration(p.cfg.ProvisionBackoffMS) * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= p.cfg.ProvisionRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		spec := vmbackend.Spec{
			Name:          vmbackend.VMName(label, slot),
			Label:         label,
			BaseImageID:   lc.BaseImageID,
			Size:          p.cfg.VMSize,
			SubnetID:      p.cfg.SubnetID,
			AdminUsername: p.cfg.AdminUsername,
			AdminPassword: p.cfg.AdminPassword,
		}

		vm, err := p.backend.Create(ctx, spec)
		if err != nil {
			lastErr = err
			logging.Op().Warn("vm provision attempt failed",
				"label", label, "slot", slot, "attempt", attempt+1, "error", err)
			continue
		}

		pvm := &PooledVM{VM: vm, Label: label, Slot: slot, State: StateProvisioning, CreatedAt: time.Now().UTC()}
		p.mu.Lock()
		p.vms[vm.Name] = pvm
		p.mu.Unlock()
		return pvm, nil
	}
	return nil, fmt.Errorf("provision %s slot %d: %w", label, slot, lastErr)
}

func (p *Pool) addIdle(vm *PooledVM) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.deleteVM(context.Background(), vm)
		return
	}
	vm.State = StateAvailable
	ch := p.idle[vm.Label]
	p.mu.Unlock()

	select {
	case ch <- vm:
	default:
		// Queue full: a recycle raced with a config shrink. Drop the machine.
		p.deleteVM(context.Background(), vm)
	}
	p.publishStats()
}

// Acquire blocks until a VM for the label is available, the acquire timeout
// elapses, or the context is cancelled.
func (p *Pool) Acquire(ctx context.Context, label string) (*PooledVM, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	ch, ok := p.idle[label]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLabel, label)
	}

	timeout := p.cfg.AcquireTimeout()
	if timeout <= 0 {
		timeout = time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case vm := <-ch:
		p.mu.Lock()
		vm.State = StateInUse
		vm.UseCount++
		vm.LastUsedAt = time.Now().UTC()
		p.mu.Unlock()
		p.publishStats()
		logging.Op().Debug("vm acquired",
			"name", vm.VM.Name, "label", label, "use_count", vm.UseCount)
		return vm, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: label %s after %s", ErrAcquireTimeout, label, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopCh:
		return nil, ErrPoolClosed
	}
}

// Release returns a VM. With clean set the machine is scrubbed in the
// background before requeueing; without it (nothing was staged or run on the
// machine) it goes straight back to the idle queue. Machines at the use limit
// are recycled: deleted and replaced by a fresh provision in the background.
// Release never blocks the caller on cleanup or re-provisioning.
func (p *Pool) Release(vm *PooledVM, clean bool) {
	p.mu.Lock()
	closed := p.closed
	recycle := vm.UseCount >= p.cfg.MaxUses
	if closed {
		vm.State = StateDeleted
	} else if recycle {
		vm.State = StateRecycling
	} else if clean {
		vm.State = StateCleaning
	}
	p.mu.Unlock()
	p.publishStats()

	if closed {
		p.deleteVM(context.Background(), vm)
		return
	}
	if !recycle && !clean {
		p.addIdle(vm)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if recycle {
			p.recycle(vm)
			return
		}
		p.cleanAndRequeue(vm)
	}()
}

func (p *Pool) cleanAndRequeue(vm *PooledVM) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CleanTimeout())
	defer cancel()

	res, err := p.backend.RunCommand(ctx, vm.VM, vmbackend.CleanupScript)
	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("cleanup script exited %d", res.ExitCode)
	}
	if err != nil {
		// A machine that cannot be cleaned is not safe to reuse.
		logging.Op().Warn("vm cleanup failed, recycling",
			"name", vm.VM.Name, "error", err)
		p.recycle(vm)
		return
	}

	logging.Op().Debug("vm cleaned", "name", vm.VM.Name, "use_count", vm.UseCount)
	p.addIdle(vm)
}

func (p *Pool) recycle(vm *PooledVM) {
	logging.Op().Info("recycling vm",
		"name", vm.VM.Name, "label", vm.Label, "use_count", vm.UseCount)
	p.deleteVM(context.Background(), vm)

	select {
	case <-p.stopCh:
		return
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	fresh, err := p.provision(ctx, vm.Label, vm.Slot)
	if err != nil {
		// The pool runs one machine short until the next recycle.
		logging.Op().Error("recycle provision failed",
			"label", vm.Label, "slot", vm.Slot, "error", err)
		return
	}
	p.addIdle(fresh)
}

func (p *Pool) deleteVM(ctx context.Context, vm *PooledVM) {
	if err := p.backend.Delete(ctx, vm.VM); err != nil {
		logging.Op().Error("vm delete failed", "name", vm.VM.Name, "error", err)
	}
	p.mu.Lock()
	vm.State = StateDeleted
	delete(p.vms, vm.VM.Name)
	p.mu.Unlock()
	p.publishStats()
}

// Backend exposes the VM backend for callers that run commands on acquired
// machines.
func (p *Pool) Backend() vmbackend.Backend {
	return p.backend
}

// Stats returns a per-label snapshot of machine states.
func (p *Pool) Stats() map[string]LabelStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]LabelStats, len(p.labels))
	for label := range p.labels {
		out[label] = LabelStats{}
	}
	for _, vm := range p.vms {
		s := out[vm.Label]
		switch vm.State {
		case StateAvailable:
			s.Available++
		case StateInUse:
			s.InUse++
		case StateCleaning:
			s.Cleaning++
		case StateRecycling:
			s.Recycling++
		case StateProvisioning:
			s.Provisioning++
		}
		out[vm.Label] = s
	}
	return out
}

func (p *Pool) publishStats() {
	for label, s := range p.Stats() {
		metrics.SetPoolGauges(label, s.Available, s.InUse, s.Cleaning+s.Recycling+s.Provisioning)
	}
}

// Shutdown drains the pool: waits for background cleaners, then deletes
// every remaining machine. In-use machines are deleted when released.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	// Drain idle queues and delete what is left.
	p.mu.Lock()
	var toDelete []*PooledVM
	for _, ch := range p.idle {
		for {
			select {
			case vm := <-ch:
				toDelete = append(toDelete, vm)
				continue
			default:
			}
			break
		}
	}
	for _, vm := range p.vms {
		if vm.State == StateInUse {
			continue
		}
		found := false
		for _, d := range toDelete {
			if d == vm {
				found = true
				break
			}
		}
		if !found {
			toDelete = append(toDelete, vm)
		}
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, vm := range toDelete {
		wg.Add(1)
		go func(vm *PooledVM) {
			defer wg.Done()
			p.deleteVM(ctx, vm)
		}(vm)
	}
	wg.Wait()
	logging.Op().Info("vm pool shut down", "deleted", len(toDelete))
}
