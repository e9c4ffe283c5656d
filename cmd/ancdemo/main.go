// Command ancdemo is a single-purpose harness that drives one ANC
// session against a synthetic tone-plus-noise signal and prints live
// metrics and emergency events, in the same flag-driven, one-job-only
// shape as the ancestor server's own main (flags, graceful shutdown on
// SIGINT, periodic status logging).
package main

import (
	"fmt"
	"math"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/Surya893/anc-backend-sub000/internal/anccore"
	"github.com/Surya893/anc-backend-sub000/internal/config"
	"github.com/Surya893/anc-backend-sub000/internal/metrics"
	"github.com/Surya893/anc-backend-sub000/internal/pipeline"
)

func main() {
	configPath := pflag.String("config", "", "path to a YAML session config (overrides the flags below when set)")
	sampleRate := pflag.Int("sample-rate", 48000, "sample rate in Hz")
	blockSize := pflag.Int("block-size", 1024, "samples per processing block")
	filterLength := pflag.Int("filter-length", 512, "adaptive filter tap count")
	algorithm := pflag.String("algorithm", "nlms", "filter algorithm: nlms, rls, or hybrid")
	channels := pflag.Int("channels", 1, "channel count")
	toneHz := pflag.Float64("tone-hz", 220, "synthetic noise tone frequency in Hz")
	duration := pflag.Duration("duration", 10*time.Second, "how long to run before stopping")
	logLevel := pflag.String("log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "ancdemo",
	})
	if lvl, err := log.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.Warnf("unknown log level %q, defaulting to info", *logLevel)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadYAML(*configPath)
		if err != nil {
			logger.Fatalf("load config: %v", err)
		}
		cfg = loaded
	} else {
		cfg.SampleRate = *sampleRate
		cfg.BlockSize = *blockSize
		cfg.FilterLength = *filterLength
		cfg.Algorithm = config.Algorithm(*algorithm)
		cfg.Channels = *channels
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	core := anccore.New()
	device := newToneDevice(cfg.SampleRate, cfg.BlockSize, cfg.Channels, *toneHz)

	handle, err := core.Initialize(cfg, device)
	if err != nil {
		logger.Fatalf("initialize: %v", err)
	}

	if err := core.SetOnEvent(handle, func(ev pipeline.Event) {
		logger.With(
			"kind", ev.Kind,
			"label", ev.Label,
			"confidence", ev.Confidence,
			"block", ev.BlockSeq,
		).Info("event")
	}); err != nil {
		logger.Fatalf("set_on_event: %v", err)
	}
	if err := core.SetMetricsSink(handle, metricsLogger{logger: logger}); err != nil {
		logger.Fatalf("set_metrics_sink: %v", err)
	}

	logger.Infof("starting session: algorithm=%s sample_rate=%d block_size=%d channels=%d",
		cfg.Algorithm, cfg.SampleRate, cfg.BlockSize, cfg.Channels)

	if err := core.Start(handle); err != nil {
		logger.Fatalf("start: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	select {
	case <-time.After(*duration):
		logger.Info("duration elapsed, stopping")
	case <-sigCh:
		logger.Info("interrupt received, stopping")
	}

	if err := core.Stop(handle); err != nil {
		logger.Errorf("stop: %v", err)
	}

	status, err := core.GetStatus(handle)
	if err != nil {
		logger.Fatalf("get_status: %v", err)
	}
	logger.Infof("final status: state=%s blocks=%d drops=%d starvations=%d",
		status.State, status.BlocksProcessed, status.Drops, status.Starvations)
	core.Close(handle)
}

// metricsLogger adapts the pipeline's metrics.Sink contract to
// charmbracelet/log structured output.
type metricsLogger struct {
	logger *log.Logger
}

func (m metricsLogger) Publish(s metrics.Snapshot) {
	m.logger.With(
		"block", s.BlockSeq,
		"input_db", fmt.Sprintf("%.1f", s.InputRMSDB),
		"output_db", fmt.Sprintf("%.1f", s.OutputRMSDB),
		"cancellation_db", fmt.Sprintf("%.1f", s.CancellationDB),
		"latency_us", s.LatencyUs,
		"algorithm", s.Algorithm,
	).Debug("metrics")
}

// toneDevice is a synthetic pipeline.Device standing in for a real
// capture/playback card: ReadBlock generates a single tone-plus-noise
// capture stream (used by the pipeline as both reference and desired,
// per its single-mic model); WriteBlock discards the anti-noise output.
type toneDevice struct {
	sampleRate int
	blockSize  int
	channels   int
	toneHz     float64

	phase float64
	rng   uint64
}

func newToneDevice(sampleRate, blockSize, channels int, toneHz float64) *toneDevice {
	return &toneDevice{sampleRate: sampleRate, blockSize: blockSize, channels: channels, toneHz: toneHz, rng: 0x2545F4914F6CDD1D}
}

func (d *toneDevice) next() float64 {
	d.rng = d.rng*6364136223846793005 + 1442695040888963407
	return float64(d.rng>>11)/float64(1<<53)*2 - 1
}

func (d *toneDevice) ReadBlock() ([]float32, error) {
	n := d.blockSize * d.channels
	out := make([]float32, n)
	step := 2 * math.Pi * d.toneHz / float64(d.sampleRate)
	for i := 0; i < d.blockSize; i++ {
		d.phase += step
		sample := 0.6*math.Sin(d.phase) + 0.05*d.next()
		for ch := 0; ch < d.channels; ch++ {
			out[i*d.channels+ch] = float32(sample)
		}
	}
	return out, nil
}

func (d *toneDevice) WriteBlock(samples []float32) error {
	return nil
}
