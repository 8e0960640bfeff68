package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig

	// Sampling limits debug/trace lines to Burst per Period. Zero disables it.
	Sampling SamplingConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type SamplingConfig struct {
	Burst  uint32
	Period time.Duration
}

// Service owns the log sinks and lets them be swapped at runtime.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	root    atomic.Value // zerolog.Logger
	sampler atomic.Pointer[zerolog.BurstSampler]
}

// New creates the logging service, applies cfg immediately, and returns the
// service together with a root Logger bound to it.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	s.root.Store(zerolog.New(newConsoleWriter(Stdout())).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) sampled(zl zerolog.Logger) zerolog.Logger {
	bs := s.sampler.Load()
	if bs == nil {
		return zl
	}
	return zl.Sample(bs)
}

// Apply swaps outputs and level. Safe to call concurrently with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 2)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./pulse.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	if cfg.Sampling.Burst > 0 && cfg.Sampling.Period > 0 {
		s.sampler.Store(&zerolog.BurstSampler{Burst: cfg.Sampling.Burst, Period: cfg.Sampling.Period})
	} else {
		s.sampler.Store(nil)
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(zl)
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}
