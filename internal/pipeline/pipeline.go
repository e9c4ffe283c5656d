// Package pipeline implements the ANC pipeline supervisor (C6): the
// worker-goroutine structure that drives capture -> classify -> filter
// -> output, enforces emergency bypass, and publishes metrics. Its
// goroutine/atomic-flag/start-stop shape is adapted directly from the
// ancestor client's AudioEngine (audio.go): a running atomic.Bool, a
// sync.WaitGroup tracking the worker goroutines, a stopCh closed on
// Stop, and non-blocking channel sends with a drop counter for
// backpressure — generalised here from two fixed goroutines
// (captureLoop/playbackLoop) into the spec's three-worker structure
// (T_capture, T_process, T_classify) plus the metrics aggregator which
// plays the role of T_metrics inline within T_process/T_classify rather
// than as a fourth goroutine, since internal/metrics.Aggregator.Record
// is itself non-blocking.
package pipeline

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Surya893/anc-backend-sub000/internal/block"
	"github.com/Surya893/anc-backend-sub000/internal/classifier"
	"github.com/Surya893/anc-backend-sub000/internal/config"
	"github.com/Surya893/anc-backend-sub000/internal/emergency"
	"github.com/Surya893/anc-backend-sub000/internal/features"
	"github.com/Surya893/anc-backend-sub000/internal/hybrid"
	"github.com/Surya893/anc-backend-sub000/internal/metrics"
	"github.com/Surya893/anc-backend-sub000/internal/nlms"
	"github.com/Surya893/anc-backend-sub000/internal/rls"
)

// State is the session state machine (§4.6): Idle -> Starting ->
// Running -> Stopping -> Idle.
type State int32

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// StopTimeout bounds how long Stop waits for workers to drain before
// detaching them and marking the session aborted (§5).
const StopTimeout = 500 * time.Millisecond

// Device is the audio device capability the host injects; the pipeline
// never opens devices itself (§6, non-goals).
type Device interface {
	ReadBlock() ([]float32, error)
	WriteBlock(samples []float32) error
}

// FilterBank is the common contract satisfied by nlms.Filter, rls.Filter,
// and hybrid.Filter (§4.5.1).
type FilterBank interface {
	ProcessBlock(reference, desired []float32) (antiNoise, errOut []float32)
	Rollbacks() int
	Diverged() bool
	Reset()
}

// Event is the on_event callback payload (§6). Kind is one of
// emergency_start, emergency_end or filter_reset; dropped blocks and
// starvations are counted in Status and are not reported as events.
type Event struct {
	Kind        string
	Label       string
	Confidence  float32
	BlockSeq    uint64
	TimestampUs int64
}

// Status is the get_status snapshot (§6).
type Status struct {
	State              State
	Algorithm          config.Algorithm
	CurrentLabel       string
	IsEmergencyActive  bool
	BlocksProcessed    uint64
	Drops              uint64
	Starvations        uint64
}

// detection is the single-writer atomically published record read by
// T_process (§5's "last_detection").
type detection struct {
	label       string
	confidence  float32
	isEmergency bool
	blockSeq    uint64
}

// Session is one pipeline instance, returned by Initialize. A Session
// must not be reused after Stop; call Initialize again for a new run.
type Session struct {
	cfg config.Config

	device     Device
	extractor  *features.Extractor
	classifier classifier.Classifier
	// deepFallback is used by classifyLoop when classifier implements
	// classifier.MelClassifier but the extractor hasn't yet accumulated
	// enough rolling audio context for a mel-spectrogram inference
	// (§4.3's "falls back to Shallow on short blocks"). Nil unless
	// explicitly set via SetFallbackClassifier.
	deepFallback classifier.Classifier
	detector     *emergency.Detector
	filter       FilterBank
	aggregator   *metrics.Aggregator

	onEvent func(Event)

	ring *block.Ring

	state atomic.Int32

	stopRequested atomic.Bool
	stopCh        chan struct{}
	wg            sync.WaitGroup

	mailbox chan block.Block // one-slot; overwritten, never blocks T_process

	lastDetection atomic.Pointer[detection]

	intensityBits atomic.Uint32 // float32 bits, 0..1

	blocksProcessed atomic.Uint64
	starvations     atomic.Uint64

	nextSeq atomic.Uint64

	stopErr atomic.Pointer[error]

	// lastDiverged tracks the filter's Diverged() state across blocks so
	// filter_reset fires once per divergence, not on every subsequent
	// block while the flag stays set. Touched only from processLoop.
	lastDiverged bool
}

// New constructs a Session. cfg must already pass Validate (Initialize
// performs that check); device, extractor, clf, and bank are required.
func New(cfg config.Config, device Device, extractor *features.Extractor, clf classifier.Classifier, bank FilterBank) *Session {
	s := &Session{
		cfg:        cfg,
		device:     device,
		extractor:  extractor,
		classifier: clf,
		filter:     bank,
		aggregator: metrics.New(),
		mailbox:    make(chan block.Block, 1),
		ring:       block.New(block.DefaultCapacity),
	}
	s.intensityBits.Store(math.Float32bits(1.0))

	set := make(map[string]bool, len(cfg.EmergencySet))
	for _, l := range cfg.EmergencySet {
		set[l] = true
	}
	s.detector = emergency.New(set)
	s.detector.SetThresholds(cfg.ThresholdOn, cfg.ThresholdOff)
	s.detector.SetHold(time.Duration(cfg.HoldMs) * time.Millisecond)

	return s
}

// Initialize validates cfg, builds the concrete filter bank for
// cfg.Algorithm, and returns a ready-to-Start Session (§6's
// initialize(config) contract). A Configuration-kind error here must
// never start any goroutine (§7).
func Initialize(cfg config.Config, device Device, extractor *features.Extractor, clf classifier.Classifier) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if device == nil {
		return nil, errors.New("pipeline: device capability is required")
	}
	if extractor == nil {
		return nil, errors.New("pipeline: feature extractor is required")
	}
	if clf == nil {
		return nil, errors.New("pipeline: classifier is required")
	}

	factory, err := bankFactory(cfg.Algorithm, cfg.FilterLength)
	if err != nil {
		return nil, err
	}

	var bank FilterBank
	if cfg.Channels > 1 {
		bank = NewChannelBank(cfg.Channels, cfg.ChannelGains, factory)
	} else {
		bank = factory()
	}

	return New(cfg, device, extractor, clf, bank), nil
}

// bankFactory returns a constructor for a single-channel FilterBank of
// the requested algorithm, for use directly or as the per-channel
// factory passed to NewChannelBank.
func bankFactory(algorithm config.Algorithm, filterLength int) (func() FilterBank, error) {
	switch algorithm {
	case config.AlgorithmNLMS:
		return func() FilterBank { return nlms.New(filterLength) }, nil
	case config.AlgorithmRLS:
		return func() FilterBank { return rls.New(filterLength) }, nil
	case config.AlgorithmHybrid:
		return func() FilterBank { return hybrid.New(filterLength, filterLength) }, nil
	default:
		return nil, fmt.Errorf("pipeline: unknown algorithm %q", algorithm)
	}
}

// SetOnEvent registers the on_event callback (§6). Must be called
// before Start. emergency_start/emergency_end are delivered from the
// classify worker; filter_reset is delivered from the process worker, so
// fn may be called from both goroutines concurrently.
func (s *Session) SetOnEvent(fn func(Event)) { s.onEvent = fn }

// SetFallbackClassifier registers a Vector-based classifier to use when
// the primary classifier implements classifier.MelClassifier but the
// extractor hasn't yet accumulated enough rolling audio context for a
// mel-spectrogram inference (§4.3). Must be called before Start.
func (s *Session) SetFallbackClassifier(clf classifier.Classifier) { s.deepFallback = clf }

// MetricsSink installs the externally injected metrics sink (§6).
func (s *Session) MetricsSink(sink metrics.Sink) { s.aggregator.SetSink(sink) }

// SetIntensity sets the scalar gain applied to anti-noise output,
// clamped to [0, 1] (§6's set_intensity). 0 disables ANC entirely; 1 is
// full cancellation.
func (s *Session) SetIntensity(gain float32) {
	if gain < 0 {
		gain = 0
	}
	if gain > 1 {
		gain = 1
	}
	s.intensityBits.Store(math.Float32bits(gain))
}

func (s *Session) intensity() float32 {
	return math.Float32frombits(s.intensityBits.Load())
}

// State returns the current session state.
func (s *Session) State() State { return State(s.state.Load()) }

// Status returns the get_status snapshot (§6).
func (s *Session) Status() Status {
	det := s.lastDetection.Load()
	label := "unknown"
	isEmergency := false
	if det != nil {
		label = det.label
		isEmergency = det.isEmergency
	}
	return Status{
		State:             s.State(),
		Algorithm:         s.cfg.Algorithm,
		CurrentLabel:      label,
		IsEmergencyActive: isEmergency,
		BlocksProcessed:   s.blocksProcessed.Load(),
		Drops:             uint64(s.ring.Drops()),
		Starvations:       s.starvations.Load(),
	}
}

// Start transitions Idle -> Starting -> Running and launches the
// worker goroutines (§6's start(handle)). Returns once Running.
func (s *Session) Start() error {
	if !s.state.CompareAndSwap(int32(Idle), int32(Starting)) {
		return fmt.Errorf("pipeline: cannot start from state %s", s.State())
	}

	s.stopCh = make(chan struct{})
	s.stopRequested.Store(false)

	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.captureLoop() }()
	go func() { defer s.wg.Done(); s.processLoop() }()
	go s.classifyLoop()

	s.state.Store(int32(Running))
	return nil
}

// Stop requests cooperative shutdown and waits up to StopTimeout for
// the workers to drain (§5's cancellation semantics, §6's
// stop(handle)). If the timeout elapses the workers are left to finish
// in the background and the session is marked Aborted.
func (s *Session) Stop() error {
	if s.State() != Running {
		return fmt.Errorf("pipeline: cannot stop from state %s", s.State())
	}
	s.state.Store(int32(Stopping))
	// A fatal device error may already have closed stopCh.
	if !s.stopRequested.Swap(true) {
		close(s.stopCh)
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(s.mailbox)
		close(waited)
	}()

	select {
	case <-waited:
		s.state.Store(int32(Idle))
		if errp := s.stopErr.Load(); errp != nil {
			return *errp
		}
		return nil
	case <-time.After(StopTimeout):
		s.state.Store(int32(Aborted))
		return fmt.Errorf("pipeline: stop exceeded %s, session aborted", StopTimeout)
	}
}

// captureLoop plays the role of T_capture: pull blocks from the device,
// tag them with a sequence number, push to the ring. On a stop request
// it finishes its in-flight read, pushes an end-of-stream sentinel, and
// exits.
func (s *Session) captureLoop() {
	for {
		select {
		case <-s.stopCh:
			s.ring.Push(block.EndOfStream(s.nextSeq.Load()))
			return
		default:
		}

		samples, err := s.device.ReadBlock()
		if err != nil {
			// Fatal device error: stop the workers and surface the error
			// to the caller of Stop (§7). The session state stays Running
			// until Stop is called.
			e := fmt.Errorf("pipeline: device read: %w", err)
			s.stopErr.Store(&e)
			if !s.stopRequested.Swap(true) {
				close(s.stopCh)
			}
			s.ring.Push(block.EndOfStream(s.nextSeq.Load()))
			return
		}

		seq := s.nextSeq.Add(1) - 1
		s.ring.Push(block.Block{
			Seq:         seq,
			TimestampUs: time.Now().UnixMicro(),
			Samples:     samples,
		})
	}
}

// processLoop plays the role of T_process, the real-time thread: pop
// from the ring (or synthesise silence on starvation), consult the
// latest published detection, bypass or filter, publish metrics, write
// to the device.
func (s *Session) processLoop() {
	expectedSeq := uint64(0)

	for {
		b, ok := s.ring.Pop(block.DefaultPopTimeout)
		if !ok {
			s.starvations.Add(1)
			b = block.Silent(expectedSeq, time.Now().UnixMicro(), s.cfg.BlockSize)
		}
		if b.End {
			return
		}
		expectedSeq = b.Seq + 1

		// Hand the block to T_classify without blocking; a one-slot
		// mailbox keeps only the latest reference, matching §5's
		// "mailbox of one latest block".
		select {
		case s.mailbox <- b:
		default:
			select {
			case <-s.mailbox:
			default:
			}
			select {
			case s.mailbox <- b:
			default:
			}
		}

		start := time.Now()
		det := s.lastDetection.Load()
		isEmergency := det == nil || det.isEmergency // fail-safe: no detection yet => bypass

		var output []float32
		algorithm := string(s.cfg.Algorithm)
		if isEmergency {
			output = append([]float32(nil), b.Samples...)
		} else {
			anti, _ := s.filter.ProcessBlock(b.Samples, b.Samples)
			gain := s.intensity()
			output = make([]float32, len(anti))
			for i, v := range anti {
				output[i] = v * gain
			}
			diverged := s.filter.Diverged()
			if diverged && !s.lastDiverged && s.onEvent != nil {
				s.onEvent(Event{Kind: "filter_reset", BlockSeq: b.Seq, TimestampUs: time.Now().UnixMicro()})
			}
			s.lastDiverged = diverged
		}

		if err := s.device.WriteBlock(output); err != nil {
			e := fmt.Errorf("pipeline: device write: %w", err)
			s.stopErr.Store(&e)
			if !s.stopRequested.Swap(true) {
				close(s.stopCh)
			}
		}

		latencyUs := time.Since(start).Microseconds()
		inputLinearRMS := rmsLinear(b.Samples)
		outputLinearRMS := rmsLinear(output)
		inputRMS := rmsDB(inputLinearRMS)
		outputRMS := rmsDB(outputLinearRMS)

		var cancellation float64
		switch {
		case isEmergency:
			cancellation = 0
		case outputLinearRMS == 0:
			// Residual is exactly silent: report the full 120 dB ceiling
			// regardless of input level, instead of inputRMS - outputRMS
			// (which only reaches 120 when the input happens to sit at
			// 0 dB full-scale) (§8).
			cancellation = 120
		default:
			cancellation = inputRMS - outputRMS
		}
		s.aggregator.Record(b.Seq, inputRMS, outputRMS, cancellation, latencyUs, algorithm, isEmergency)

		s.blocksProcessed.Add(1)
	}
}

// classify runs v through the configured classifier. If the classifier
// implements classifier.MelClassifier, it takes the real Deep
// mel-spectrogram inference path once the extractor's rolling log-mel
// window is full, falling back to deepFallback (if registered) or the
// Vector-based Classify otherwise (§4.3's Deep-falls-back-to-Shallow
// contract).
func (s *Session) classify(v features.Vector) classifier.Result {
	if mc, ok := s.classifier.(classifier.MelClassifier); ok {
		if melSpec, ready := s.extractor.MelSpectrogram(); ready {
			return mc.ClassifyMelSpectrogram(melSpec)
		}
		if s.deepFallback != nil {
			return s.deepFallback.Classify(v)
		}
	}
	return s.classifier.Classify(v)
}

// classifyLoop plays the role of T_classify: receive the latest
// reference block from the mailbox, extract features, classify, run
// the emergency detector, and atomically publish the result. It is the
// only writer of lastDetection and the caller of onEvent for
// emergency_start/emergency_end (§5, §6).
func (s *Session) classifyLoop() {
	for b := range s.mailbox {
		failed := false

		v := s.extractor.Extract(b.Samples)
		var result classifier.Result
		if v == features.Silent {
			// An empty/all-zero block's classification is forced to
			// "silence" rather than run through a real classifier, which
			// could emit an arbitrary (even emergency-eligible) label
			// for an all-zero input (§4.2).
			result = classifier.SilenceResult(s.classifier.Labels())
		} else {
			result = s.classify(v)
		}
		if result.Label == "" {
			failed = true
		}

		now := time.Now()
		isEmergency, event := s.detector.Evaluate(now, result.Label, result.Confidence, b.Seq, failed)

		s.lastDetection.Store(&detection{
			label:       result.Label,
			confidence:  result.Confidence,
			isEmergency: isEmergency,
			blockSeq:    b.Seq,
		})

		if event != nil && s.onEvent != nil {
			s.onEvent(Event{
				Kind:        event.Kind,
				Label:       event.Label,
				Confidence:  event.Confidence,
				BlockSeq:    event.BlockSeq,
				TimestampUs: now.UnixMicro(),
			})
		}
	}
}

// rmsLinear returns the linear root-mean-square of s, or 0 for an empty
// block.
func rmsLinear(s []float32) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(s)))
}

// rmsDB converts a linear RMS value to dB, flooring at -120 (an
// arbitrarily low floor) for a silent or empty block so downstream dB
// arithmetic stays finite.
func rmsDB(rms float64) float64 {
	if rms <= 0 {
		return -120
	}
	return 20 * math.Log10(rms)
}
