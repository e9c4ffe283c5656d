//go:build anc_deep

package anccore

import "github.com/Surya893/anc-backend-sub000/internal/classifier"

// newDeepClassifier loads the ONNX-backed Deep classifier. Built only
// with -tags anc_deep, matching classifier.Deep's own build tag.
func newDeepClassifier(modelPath string, labels []string) (classifier.Classifier, error) {
	return classifier.NewDeep(modelPath, labels)
}
