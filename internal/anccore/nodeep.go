//go:build !anc_deep

package anccore

import (
	"fmt"

	"github.com/Surya893/anc-backend-sub000/internal/classifier"
)

// newDeepClassifier reports the Deep variant as unavailable in the
// default build, mirroring classifier.NewDeep's own stub behavior.
func newDeepClassifier(modelPath string, labels []string) (classifier.Classifier, error) {
	return nil, fmt.Errorf("anccore: deep classifier requires building with -tags anc_deep")
}
