// Package contracts defines the interfaces between the orchestration core's
// moving parts. The orchestrator depends on these rather than on concrete
// gateway or pricing types so tests can substitute fakes and deployments can
// swap implementations.
package contracts

import (
	"context"

	"github.com/mospit/bruno-ai-sub000/pkg/models"
)

// Dispatcher routes one task to a worker agent advertising the capability
// and returns the decoded reply. Implemented by the gateway.
type Dispatcher interface {
	// Dispatch selects an agent for the capability, sends the envelope, and
	// returns the result. Returns a NoAgentError when no healthy agent is
	// available, or the transport/worker error after retries are exhausted.
	Dispatch(ctx context.Context, env *models.TaskEnvelope) (*models.TaskResult, error)
}

// PricingSource answers price lookups for grocery items. Implementations
// are expected to be cache-backed since quotes are idempotent for their TTL.
type PricingSource interface {
	GetPrice(ctx context.Context, itemQuery, location string) (*models.PriceQuote, error)
}

// Reoptimizer is consulted when a task's cost estimate would breach the
// plan's budget ceiling. It may produce a cheaper alternative for the node.
//
// The orchestrator consults it at most once per node; a nil result means no
// cheaper alternative exists and the node degrades.
type Reoptimizer interface {
	Reoptimize(ctx context.Context, node *models.TaskNode, remaining float64) (*models.TaskResult, error)
}
