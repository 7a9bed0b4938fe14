package broadcast

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"lifeline/internal/errors"
	"lifeline/internal/models"
	"lifeline/internal/security"

	"gopkg.in/yaml.v3"
)

// Directory expands a broadcast scope into recipient account ids.
type Directory interface {
	ResolveScope(ctx context.Context, scope models.BroadcastScope) ([]string, error)
}

// Member is one reachable account with its location and roles. Region paths
// nest with "/", e.g. "north/riverside".
type Member struct {
	AccountID string   `yaml:"account_id" json:"account_id"`
	Region    string   `yaml:"region" json:"region"`
	Roles     []string `yaml:"roles" json:"roles"`
}

// MemberDirectory resolves scopes against an in-memory member list.
type MemberDirectory struct {
	mu      sync.RWMutex
	members []Member
}

// NewMemberDirectory creates a directory over members.
func NewMemberDirectory(members []Member) *MemberDirectory {
	return &MemberDirectory{members: slices.Clone(members)}
}

// LoadDirectory reads a YAML (or JSON) member list of the form
//
//	members:
//	  - account_id: alice
//	    region: north/riverside
//	    roles: [volunteer]
func LoadDirectory(path string) (*MemberDirectory, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, errors.NewConfigError("broadcast.directory_path", err.Error())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeMissingConfig, "failed to read member directory")
	}
	var file struct {
		Members []Member `yaml:"members"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to parse member directory")
	}
	for i, m := range file.Members {
		if m.AccountID == "" {
			return nil, errors.NewConfigError("broadcast.directory_path", fmt.Sprintf("member %d has no account_id", i))
		}
	}
	return NewMemberDirectory(file.Members), nil
}

// Replace swaps the member list.
func (d *MemberDirectory) Replace(members []Member) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members = slices.Clone(members)
}

// ResolveScope returns the sorted, de-duplicated members inside scope. A
// national scope covers everyone, a regional scope covers the region and its
// sub-regions, and a local scope covers exactly one region. Roles, when
// given, keep members holding at least one of them.
func (d *MemberDirectory) ResolveScope(ctx context.Context, scope models.BroadcastScope) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := scope.Validate(); err != nil {
		return nil, errors.NewValidationError("scope", string(scope.Level), err.Error())
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []string
	for _, m := range d.members {
		if !inRegion(scope, m.Region) || !hasRole(scope.Roles, m.Roles) {
			continue
		}
		out = append(out, m.AccountID)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func inRegion(scope models.BroadcastScope, region string) bool {
	switch scope.Level {
	case models.ScopeNational:
		return true
	case models.ScopeRegional:
		return region == scope.Region || strings.HasPrefix(region, scope.Region+"/")
	case models.ScopeLocal:
		return region == scope.Region
	default:
		return false
	}
}

func hasRole(wanted, held []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, r := range wanted {
		if slices.Contains(held, r) {
			return true
		}
	}
	return false
}
