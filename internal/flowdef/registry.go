package flowdef

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/stegvis/stegvis/model"
)

// stepKey addresses a single step across all loaded flows.
type stepKey struct {
	flowID string
	stepID int
}

// snapshot is an immutable collection of all flows indexed by ID.
type snapshot struct {
	flows    map[string]model.FlowDefinition
	steps    map[stepKey]*model.Step
	checksum string
}

// Registry is a read-optimized, thread-safe store of all loaded flows.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given flows.
func NewRegistry(flows []model.FlowDefinition) *Registry {
	r := &Registry{}
	r.Replace(flows)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given flows.
func (r *Registry) Replace(flows []model.FlowDefinition) {
	s := &snapshot{
		flows: make(map[string]model.FlowDefinition, len(flows)),
		steps: make(map[stepKey]*model.Step),
	}

	var checksumParts []string

	for _, flow := range flows {
		s.flows[flow.ID] = flow
		checksumParts = append(checksumParts, flow.Checksum)
		for i := range flow.Steps {
			s.steps[stepKey{flowID: flow.ID, stepID: flow.Steps[i].StepID}] = &flow.Steps[i]
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetFlow returns the flow with the given ID.
func (r *Registry) GetFlow(flowID string) (model.FlowDefinition, bool) {
	f, ok := r.current().flows[flowID]
	return f, ok
}

// GetStep returns the step with the given ID within a flow.
func (r *Registry) GetStep(flowID string, stepID int) (*model.Step, bool) {
	s, ok := r.current().steps[stepKey{flowID: flowID, stepID: stepID}]
	return s, ok
}

// AllFlows returns all flow definitions sorted by ID.
func (r *Registry) AllFlows() []model.FlowDefinition {
	s := r.current()
	flows := make([]model.FlowDefinition, 0, len(s.flows))
	for _, f := range s.flows {
		flows = append(flows, f)
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })
	return flows
}

// Checksum returns the combined checksum of all loaded flows.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
