package dialect

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Driver bundles what drift needs to speak to one database flavor: a
// dialect target for SQL rendering and a factory for raw connections.
// Adapters register themselves in an init function, mirroring database/sql.
type Driver interface {
	Name() string
	Target() Target
	Connect(ctx context.Context, dsn string) (DriverConn, error)
}

var (
	driversMu sync.RWMutex
	drivers   = map[string]Driver{}
)

// Register makes a driver available under its Name. Registering two drivers
// with the same name panics, as does a nil driver.
func Register(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if d == nil {
		panic("dialect: Register driver is nil")
	}
	if _, dup := drivers[d.Name()]; dup {
		panic("dialect: Register called twice for driver " + d.Name())
	}
	drivers[d.Name()] = d
}

// Lookup returns the driver registered under name.
func Lookup(name string) (Driver, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown driver %q (registered: %v)", name, driverNames())
	}
	return d, nil
}

func driverNames() []string {
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
