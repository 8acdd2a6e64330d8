package certificate

import (
	"context"
	"encoding/json"
)

// JSONRenderer renders the certificate as a JSON document. It stands in for a
// real PDF renderer; the engine only cares that rendering either succeeds or
// fails before anything is persisted.
type JSONRenderer struct{}

func NewJSONRenderer() *JSONRenderer {
	return &JSONRenderer{}
}

func (JSONRenderer) Render(_ context.Context, renderContext map[string]any) ([]byte, error) {
	return json.Marshal(renderContext)
}
