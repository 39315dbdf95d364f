// Package puzzle routes stage tasks to role-specific controllers through a
// single dispatch table, replacing ad hoc per-role completion callbacks. The
// mini-games themselves live behind the Controller interface; the engine only
// needs the common submit-solution capability.
package puzzle

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/heistsync/internal/protocol"
)

// Submitter is the capability a controller uses to report a solved task.
type Submitter interface {
	SubmitCompletion(stage int, solution json.RawMessage) error
}

// Controller handles puzzles for one role.
type Controller interface {
	// Role returns the role name this controller serves.
	Role() string
	// HandlePuzzle receives the local player's task for the active stage.
	HandlePuzzle(payload protocol.PuzzleDataPayload)
}

// Registry is the dispatch table from role to controller.
type Registry struct {
	mu     sync.RWMutex
	byRole map[string]Controller
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byRole: make(map[string]Controller)}
}

// Register installs a controller, replacing any prior one for the same role.
func (r *Registry) Register(c Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRole[c.Role()] = c
}

// Unregister removes the controller for a role, if any.
func (r *Registry) Unregister(role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byRole, role)
}

// Dispatch hands the puzzle to the controller registered for the role.
// Returns false when no controller is registered.
func (r *Registry) Dispatch(role string, payload protocol.PuzzleDataPayload) bool {
	r.mu.RLock()
	c, ok := r.byRole[role]
	r.mu.RUnlock()

	if !ok {
		log.Debug().Str("role", role).Str("kind", payload.Kind).Msg("no puzzle controller for role")
		return false
	}
	c.HandlePuzzle(payload)
	return true
}

// ControllerFunc adapts a function to the Controller interface.
type ControllerFunc struct {
	RoleName string
	Handle   func(payload protocol.PuzzleDataPayload)
}

// Role implements Controller.
func (c ControllerFunc) Role() string { return c.RoleName }

// HandlePuzzle implements Controller.
func (c ControllerFunc) HandlePuzzle(payload protocol.PuzzleDataPayload) {
	c.Handle(payload)
}
