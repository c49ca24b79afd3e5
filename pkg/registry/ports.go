package registry

import (
	"argo/pkg/cierrors"
)

// Role names with dedicated port ranges.
const (
	RoleBuilder      = "builder"
	RoleCoordinator  = "coordinator"
	RoleRequirements = "requirements"
	RoleAnalysis     = "analysis"
)

// SlotsPerRole is the number of port slots reserved for each role.
const SlotsPerRole = 10

// PortConfig describes the port layout: a base port plus a per-role
// offset, ten slots per role. Unknown roles fall into the reserved range.
type PortConfig struct {
	BasePort           int
	BuilderOffset      int
	CoordinatorOffset  int
	RequirementsOffset int
	AnalysisOffset     int
	ReservedOffset     int
}

// DefaultPortConfig returns the standard layout starting at 9000.
func DefaultPortConfig() PortConfig {
	return PortConfig{
		BasePort:           9000,
		BuilderOffset:      0,
		CoordinatorOffset:  10,
		RequirementsOffset: 20,
		AnalysisOffset:     30,
		ReservedOffset:     40,
	}
}

// roleOffset maps a role to its port-range offset.
func (pc PortConfig) roleOffset(role string) int {
	switch role {
	case RoleBuilder:
		return pc.BuilderOffset
	case RoleCoordinator:
		return pc.CoordinatorOffset
	case RoleRequirements:
		return pc.RequirementsOffset
	case RoleAnalysis:
		return pc.AnalysisOffset
	default:
		return pc.ReservedOffset
	}
}

// AllocatePort returns the first free port in the role's range.
func (r *Registry) AllocatePort(role string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	base := r.ports.BasePort + r.ports.roleOffset(role)
	for i := 0; i < SlotsPerRole; i++ {
		port := base + i
		if r.portAvailableLocked(port) {
			return port, nil
		}
	}
	return 0, cierrors.Newf(cierrors.KindResourceExhausted, "registry.allocate_port",
		"no free port for role %q in [%d,%d]", role, base, base+SlotsPerRole-1)
}

// PortForRole returns the port for a role's nth instance without
// consulting allocation state.
func (r *Registry) PortForRole(role string, instance int) (int, error) {
	if instance < 0 || instance >= SlotsPerRole {
		return 0, cierrors.Newf(cierrors.KindInput, "registry.port_for_role",
			"instance %d out of range [0,%d]", instance, SlotsPerRole-1)
	}
	return r.ports.BasePort + r.ports.roleOffset(role) + instance, nil
}

// IsPortAvailable reports whether no registered entry occupies port.
func (r *Registry) IsPortAvailable(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.portAvailableLocked(port)
}

func (r *Registry) portAvailableLocked(port int) bool {
	for _, entry := range r.entries {
		if entry.Port == port {
			return false
		}
	}
	return true
}
