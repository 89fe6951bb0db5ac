package backend

import (
	"context"
	"fmt"

	"github.com/cognetic-labs/cogcore/signal"
)

// MockBackend returns a deterministic artifact computed solely from
// (layer, content_hash), so that two sessions issuing the same call produce
// byte-identical artifacts — the property event-log replay depends on.
type MockBackend struct{}

func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

func (m *MockBackend) Complete(ctx context.Context, layer signal.Layer, prompt string, content []byte) (Artifact, error) {
	hash := signal.NewPayload(content).Hash
	text := fmt.Sprintf("%s:%s", layerTag(layer), hash[:8])
	return Artifact{
		Content: text,
		Mock:    true,
	}, nil
}

func layerTag(l signal.Layer) string {
	switch l {
	case signal.LayerStrategic:
		return "PLAN"
	case signal.LayerDesign:
		return "DESIGN"
	case signal.LayerImplementation:
		return "IMPL"
	default:
		return l.String()
	}
}
