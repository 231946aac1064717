package core

import (
	"github.com/opsgrid/deviceops/internal/domain/model"
)

// EnqueueRequest is re-exported for callers outside the domain package to
// avoid direct coupling to the model package.
type EnqueueRequest = model.EnqueueRequest

// ProtocolKind is re-exported for callers outside the domain package.
type ProtocolKind = model.ProtocolKind

// OperationKind is re-exported for callers outside the domain package.
type OperationKind = model.OperationKind
