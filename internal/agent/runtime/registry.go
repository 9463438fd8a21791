package runtime

import (
	"fmt"
	"sync"

	"github.com/crewdock/crewdock/internal/agent"
	apperrors "github.com/crewdock/crewdock/internal/common/errors"
)

// driverKey selects a driver by spawn placement.
type driverKey struct {
	location  agent.Location
	isolation agent.Isolation
}

// Registry maps (location, isolation) to the driver implementing it. Adding an
// isolation mode means registering a new Driver, never branching on a tag at a
// call site.
type Registry struct {
	mu      sync.RWMutex
	drivers map[driverKey]Driver
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[driverKey]Driver)}
}

// Register binds a driver to a placement. Later registrations replace earlier
// ones for the same placement.
func (r *Registry) Register(location agent.Location, isolation agent.Isolation, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[driverKey{location: location, isolation: isolation}] = d
}

// DriverFor returns the driver for a placement, or an error for combinations
// no driver supports.
func (r *Registry) DriverFor(location agent.Location, isolation agent.Isolation) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[driverKey{location: location, isolation: isolation}]
	if !ok {
		return nil, apperrors.BadRequest(
			fmt.Sprintf("no execution driver for location %q with isolation %q", location, isolation))
	}
	return d, nil
}
