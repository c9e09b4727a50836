// Package devices tracks the endpoints (device sessions) that can receive
// notifications for an identity.
package devices

import (
	"context"

	"github.com/joelkehle/conecta-chat/internal/chat"
)

// Registry is satisfied by every store backend and by DynamoRegistry.
type Registry interface {
	UpsertEndpoint(ctx context.Context, e chat.Endpoint) error
	// RemoveEndpoint deletes one endpoint and leaves the identity's other
	// endpoints alone.
	RemoveEndpoint(ctx context.Context, identityID, endpointID string) (bool, error)
	ListEndpoints(ctx context.Context, identityID string) ([]chat.Endpoint, error)
}

// HasEndpoint reports whether identityID has at least one registered endpoint.
func HasEndpoint(ctx context.Context, r Registry, identityID string) (bool, error) {
	eps, err := r.ListEndpoints(ctx, identityID)
	if err != nil {
		return false, err
	}
	return len(eps) > 0, nil
}
