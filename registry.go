package npurt

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry tracks initialized devices by id
type Registry struct {
	mu      sync.Mutex
	devices map[uint32]*Device
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{devices: make(map[uint32]*Device)}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Init initializes and registers a device. A failed Init leaves the
// registry unchanged.
func (r *Registry) Init(id uint32, cfg Config, backend QueueBackend, options *Options) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; ok {
		return nil, NewDeviceError("INIT", id, ErrCodeDeviceBusy, fmt.Sprintf("device %d already initialized", id))
	}
	d, err := Init(id, cfg, backend, options)
	if err != nil {
		return nil, err
	}
	r.devices[id] = d
	return d, nil
}

// Get returns the registered device with id
func (r *Registry) Get(id uint32) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	return d, ok
}

// IDs returns the registered device ids in ascending order
func (r *Registry) IDs() []uint32 {
	r.mu.Lock()
	ids := make([]uint32, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close closes and unregisters a device. A device that refuses to close,
// such as one with open streams, stays registered.
func (r *Registry) Close(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return NewDeviceError("CLOSE", id, ErrCodeInvalidParameters, "device not initialized")
	}
	err := d.Close()
	if d.State() == DeviceClosed {
		delete(r.devices, id)
	}
	return err
}

// CloseAll closes every device, returning the joined failures
func (r *Registry) CloseAll() error {
	var errs []error
	for _, id := range r.IDs() {
		if err := r.Close(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
