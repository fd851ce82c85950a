// Package registry resolves partition roles to concrete partition names and
// bounds. A Registry is built once at startup and is read-only afterwards.
package registry

import (
	"time"

	"github.com/saiset-co/sai-offline/types"
)

var roles = []types.PartitionRole{
	types.RoleCore,
	types.RoleRuntime,
	types.RoleImages,
	types.RoleAPI,
}

type Registry struct {
	version string
	specs   map[types.PartitionRole]types.PartitionSpec
	names   []string
	current map[string]struct{}
}

// PartitionName builds "<prefix>-<role>", adding "-<version>" for the core
// partition so each release pre-caches into a fresh name.
func PartitionName(prefix string, role types.PartitionRole, version string) string {
	name := prefix + "-" + string(role)
	if role == types.RoleCore && version != "" {
		name += "-" + version
	}
	return name
}

func New(config *types.PartitionsConfig, version string) (*Registry, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	bounds := map[types.PartitionRole]types.PartitionConfig{
		types.RoleCore:    config.Core,
		types.RoleRuntime: config.Runtime,
		types.RoleImages:  config.Images,
		types.RoleAPI:     config.API,
	}

	r := &Registry{
		version: version,
		specs:   make(map[types.PartitionRole]types.PartitionSpec, len(roles)),
		names:   make([]string, 0, len(roles)),
		current: make(map[string]struct{}, len(roles)),
	}

	for _, role := range roles {
		bound := bounds[role]
		if bound.MaxEntries < 1 || bound.TTL <= 0 {
			return nil, types.Errorf(types.ErrConfigValidateFailed, "partition %s needs max_entries >= 1 and ttl > 0", role)
		}

		spec := types.PartitionSpec{
			Role:       role,
			Name:       PartitionName(config.Prefix, role, version),
			MaxEntries: bound.MaxEntries,
			TTL:        bound.TTL,
		}

		r.specs[role] = spec
		r.names = append(r.names, spec.Name)
		r.current[spec.Name] = struct{}{}
	}

	return r, nil
}

// Static builds a registry from explicit specs, one per role.
func Static(version string, specs ...types.PartitionSpec) (*Registry, error) {
	r := &Registry{
		version: version,
		specs:   make(map[types.PartitionRole]types.PartitionSpec, len(specs)),
		current: make(map[string]struct{}, len(specs)),
	}

	for _, spec := range specs {
		if spec.Name == "" {
			return nil, types.ErrPartitionNameEmpty
		}
		r.specs[spec.Role] = spec
		r.names = append(r.names, spec.Name)
		r.current[spec.Name] = struct{}{}
	}

	return r, nil
}

func (r *Registry) Version() string {
	return r.version
}

func (r *Registry) Spec(role types.PartitionRole) (types.PartitionSpec, error) {
	spec, ok := r.specs[role]
	if !ok {
		return types.PartitionSpec{}, types.Errorf(types.ErrPartitionRoleUnknown, "role: %s", role)
	}
	return spec, nil
}

func (r *Registry) Specs() []types.PartitionSpec {
	specs := make([]types.PartitionSpec, 0, len(r.specs))
	for _, role := range roles {
		if spec, ok := r.specs[role]; ok {
			specs = append(specs, spec)
		}
	}
	return specs
}

// Names returns the partition names owned by this version.
func (r *Registry) Names() []string {
	names := make([]string, len(r.names))
	copy(names, r.names)
	return names
}

func (r *Registry) IsCurrent(name string) bool {
	_, ok := r.current[name]
	return ok
}

// TTL returns the freshness window for role, or zero when unknown.
func (r *Registry) TTL(role types.PartitionRole) time.Duration {
	return r.specs[role].TTL
}
