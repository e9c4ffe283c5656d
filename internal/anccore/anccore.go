// Package anccore is the top-level façade wiring every other package
// into the one-way-ownership session handle described by the source
// spec's design notes: no globals, multiple independent sessions
// supported by construction. Keep this struct thin — delegate to
// pipeline.Session and the concrete classifier/feature/filter pieces —
// the same "bridge, don't reimplement" shape as the ancestor client's
// own App façade over AudioEngine and Transport.
package anccore

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Surya893/anc-backend-sub000/internal/classifier"
	"github.com/Surya893/anc-backend-sub000/internal/config"
	"github.com/Surya893/anc-backend-sub000/internal/features"
	"github.com/Surya893/anc-backend-sub000/internal/metrics"
	"github.com/Surya893/anc-backend-sub000/internal/pipeline"
)

// Handle identifies one session owned by a Core. The zero Handle is
// never valid.
type Handle uint64

// Core owns zero or more independent sessions, each reachable only
// through its Handle (§9: "collapse into a one-way ownership tree
// rooted at the session handle").
type Core struct {
	mu       sync.Mutex
	sessions map[Handle]*pipeline.Session

	next atomic.Uint64
}

// New returns an empty Core.
func New() *Core {
	return &Core{sessions: make(map[Handle]*pipeline.Session)}
}

// Initialize validates cfg, builds the feature extractor and classifier
// it names, and returns a session handle (§6's initialize(config)).
// device is the host-injected audio device capability; the core never
// opens devices itself.
func (c *Core) Initialize(cfg config.Config, device pipeline.Device) (Handle, error) {
	if err := cfg.Validate(); err != nil {
		return 0, fmt.Errorf("anccore: %w", err)
	}

	extractor := features.New(cfg.SampleRate)

	clf, err := buildClassifier(cfg)
	if err != nil {
		return 0, fmt.Errorf("anccore: %w", err)
	}

	sess, err := pipeline.Initialize(cfg, device, extractor, clf)
	if err != nil {
		return 0, fmt.Errorf("anccore: %w", err)
	}

	if cfg.UseDeepClassifier {
		// Deep needs a rolling log-mel window the extractor hasn't
		// accumulated yet on the first few blocks; give the pipeline a
		// Shallow classifier to use in the meantime (§4.3).
		fallback, ferr := classifier.NewRandomShallow(classifierLabels(cfg), 32, 1)
		if ferr == nil {
			sess.SetFallbackClassifier(fallback)
		}
	}

	h := Handle(c.next.Add(1))
	c.mu.Lock()
	c.sessions[h] = sess
	c.mu.Unlock()
	return h, nil
}

// classifierLabels returns the label set a classifier built from cfg
// should use: the emergency set folded into the default benign/emergency
// classes, deduplicated.
func classifierLabels(cfg config.Config) []string {
	labels := cfg.EmergencySet
	if len(labels) == 0 {
		return classifier.DefaultLabels
	}
	labels = append(append([]string{}, classifier.DefaultLabels...), labels...)
	return dedupe(labels)
}

// buildClassifier constructs the Shallow or Deep classifier named by
// cfg. A model-load error here is a Configuration-kind failure (§4.3,
// §7): Initialize must fail, never start.
func buildClassifier(cfg config.Config) (classifier.Classifier, error) {
	labels := classifierLabels(cfg)

	if cfg.UseDeepClassifier {
		clf, err := newDeepClassifier(cfg.ClassifierModelPath, labels)
		if err != nil {
			return nil, fmt.Errorf("load deep classifier: %w", err)
		}
		return clf, nil
	}

	if cfg.ClassifierModelPath == "" {
		// No trained model supplied: fall back to a deterministic demo
		// model so the pipeline is still usable out of the box (e.g.
		// the cmd/ancdemo harness with no --model flag).
		s, err := classifier.NewRandomShallow(labels, 32, 1)
		if err != nil {
			return nil, fmt.Errorf("build default shallow classifier: %w", err)
		}
		return s, nil
	}

	return nil, fmt.Errorf("classifier_model_path loading for Shallow is not implemented in this façade; supply use_deep_classifier or omit classifier_model_path")
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// session looks up a handle or returns an error.
func (c *Core) session(h Handle) (*pipeline.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[h]
	if !ok {
		return nil, fmt.Errorf("anccore: unknown session handle %d", h)
	}
	return sess, nil
}

// Start starts the session's worker threads (§6's start(handle)).
func (c *Core) Start(h Handle) error {
	sess, err := c.session(h)
	if err != nil {
		return err
	}
	return sess.Start()
}

// Stop cooperatively shuts down the session (§6's stop(handle)).
func (c *Core) Stop(h Handle) error {
	sess, err := c.session(h)
	if err != nil {
		return err
	}
	return sess.Stop()
}

// SetIntensity applies gain ∈ [0,1] to the session's anti-noise output
// (§6's set_intensity).
func (c *Core) SetIntensity(h Handle, gain float32) error {
	sess, err := c.session(h)
	if err != nil {
		return err
	}
	sess.SetIntensity(gain)
	return nil
}

// GetStatus returns the session's current status snapshot (§6's
// get_status).
func (c *Core) GetStatus(h Handle) (pipeline.Status, error) {
	sess, err := c.session(h)
	if err != nil {
		return pipeline.Status{}, err
	}
	return sess.Status(), nil
}

// SetMetricsSink installs the externally injected metrics sink for the
// session (§6's metrics sink capability).
func (c *Core) SetMetricsSink(h Handle, sink metrics.Sink) error {
	sess, err := c.session(h)
	if err != nil {
		return err
	}
	sess.MetricsSink(sink)
	return nil
}

// SetOnEvent registers the session's on_event callback (§6's emergency
// notification capability).
func (c *Core) SetOnEvent(h Handle, fn func(pipeline.Event)) error {
	sess, err := c.session(h)
	if err != nil {
		return err
	}
	sess.SetOnEvent(fn)
	return nil
}

// Close releases a session's handle. It does not stop a running
// session; call Stop first.
func (c *Core) Close(h Handle) {
	c.mu.Lock()
	delete(c.sessions, h)
	c.mu.Unlock()
}
