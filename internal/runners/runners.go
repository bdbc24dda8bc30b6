// Package runners wires the built-in producers into a registry.
package runners

import (
	"github.com/kingrea/lattice-compliance/internal/runner"
	"github.com/kingrea/lattice-compliance/internal/runners/contract"
	"github.com/kingrea/lattice-compliance/internal/runners/planogram"
	"github.com/kingrea/lattice-compliance/internal/runners/visual"
)

// RegisterBuiltins installs every built-in producer factory.
func RegisterBuiltins(reg *runner.Registry) {
	if reg == nil {
		return
	}
	contract.Register(reg)
	visual.Register(reg)
	planogram.Register(reg)
}
