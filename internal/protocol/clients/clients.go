// Package clients wires the concrete protocol client factories into a
// registry. It exists apart from package protocol so the registry contract
// carries no dependency on any single protocol implementation.
package clients

import (
	"github.com/opsgrid/deviceops/internal/domain/model"
	"github.com/opsgrid/deviceops/internal/protocol"
	"github.com/opsgrid/deviceops/internal/protocol/acs"
	"github.com/opsgrid/deviceops/internal/protocol/httpparam"
	"github.com/opsgrid/deviceops/internal/protocol/snmp"
	"github.com/opsgrid/deviceops/internal/protocol/usp"
)

// NewRegistry returns a registry with every supported protocol registered.
func NewRegistry() *protocol.Registry {
	registry := protocol.NewRegistry()
	registry.Register(model.ProtocolSNMP, snmp.New)
	registry.Register(model.ProtocolHTTPParam, httpparam.New)
	registry.Register(model.ProtocolACS, acs.New)
	registry.Register(model.ProtocolUSP, usp.New)
	return registry
}
