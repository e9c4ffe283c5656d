//go:build !anc_deep

// Without the anc_deep build tag (the default), NewDeep reports that the
// Deep variant is unavailable rather than requiring an ONNX Runtime
// dependency in every build — the same "stub unless built with the
// native tag" shape used by the Silero VAD engine's plain stub.Engine.
package classifier

import "fmt"

// NewDeep always fails without the anc_deep build tag. Callers should
// treat this as a Configuration-kind failure and fall back to Shallow.
func NewDeep(modelPath string, labels []string) (*Deep, error) {
	return nil, fmt.Errorf("classifier: deep variant requires building with -tags anc_deep")
}

// Deep is an unusable placeholder type when built without anc_deep.
type Deep struct{}
