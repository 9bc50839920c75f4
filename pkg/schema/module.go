package schema

import (
	"sort"
	"time"
)

// Owner identifies which dependent service runs a module.
type Owner string

const (
	OwnerRealtime Owner = "realtime"
	OwnerHeavy    Owner = "heavy"
)

// ModuleSpec is one entry of the static module manifest.
type ModuleSpec struct {
	Name        string `json:"name"`
	Owner       Owner  `json:"owner"`
	Description string `json:"description"`
}

// Manifest is the fixed set of modules the authority knows about. Names not
// listed here are rejected, never created implicitly.
var Manifest = []ModuleSpec{
	{Name: "calendar", Owner: OwnerRealtime, Description: "Scheduled events system"},
	{Name: "embedpro", Owner: OwnerRealtime, Description: "Advanced embed automation"},
	{Name: "mirror", Owner: OwnerRealtime, Description: "Cross-channel message replication"},
	{Name: "ocr", Owner: OwnerHeavy, Description: "OCR processing engine"},
	{Name: "user_language", Owner: OwnerRealtime, Description: "Per-user language preferences"},
}

// LookupModule returns the manifest entry for name.
func LookupModule(name string) (ModuleSpec, bool) {
	for _, m := range Manifest {
		if m.Name == name {
			return m, true
		}
	}
	return ModuleSpec{}, false
}

// ModuleNames returns the manifest names in alphabetical order.
func ModuleNames() []string {
	names := make([]string, 0, len(Manifest))
	for _, m := range Manifest {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return names
}

// ModulesOwnedBy returns the alphabetically ordered names owned by owner.
func ModulesOwnedBy(owner Owner) []string {
	var names []string
	for _, m := range Manifest {
		if m.Owner == owner {
			names = append(names, m.Name)
		}
	}
	sort.Strings(names)
	return names
}

// ModuleState is the authoritative view of one module.
type ModuleState struct {
	Name        string         `json:"name"`
	Owner       Owner          `json:"owner"`
	Description string         `json:"description,omitempty"`
	Active      bool           `json:"active"`
	Locked      bool           `json:"locked"`
	LockReason  string         `json:"lockReason"`
	LockedBy    string         `json:"lockedBy,omitempty"`
	LockedAt    *time.Time     `json:"lockedAt,omitempty"`
	Config      map[string]any `json:"config"`
}

// Runnable reports whether a caller may execute the module's behaviour.
// Both the active flag and the lock must allow it.
func (m ModuleState) Runnable() bool {
	return m.Active && !m.Locked
}

// ConfigPatch is a partial module update. Nil fields are left unchanged.
type ConfigPatch struct {
	Active *bool          `json:"active,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// LockRequest toggles the operator hold on a module.
type LockRequest struct {
	Locked bool   `json:"locked"`
	Reason string `json:"reason,omitempty"`
}
