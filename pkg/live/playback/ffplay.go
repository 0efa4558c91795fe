package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/vango-go/vai-caseworker/pkg/core/audio"
)

// FFplayConfig configures the ffplay speaker.
type FFplayConfig struct {
	Path     string
	Format   audio.Format
	Volume   int
	LogLevel string
}

// FFplaySink pipes s16le PCM into an ffplay subprocess.
type FFplaySink struct {
	cfg FFplayConfig

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// OpenFFplay starts ffplay. It fails when ffplay is not installed.
func OpenFFplay(cfg FFplayConfig) (*FFplaySink, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "ffplay"
	}
	if cfg.Format == (audio.Format{}) {
		cfg.Format = audio.OutputFormat()
	}
	if cfg.Volume <= 0 {
		cfg.Volume = 100
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "error"
	}
	if _, err := exec.LookPath(cfg.Path); err != nil {
		return nil, errors.New("ffplay is required for playback (install ffmpeg/ffplay and ensure it is in PATH)")
	}
	s := &FFplaySink{cfg: cfg}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.startLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func ffplayArgs(cfg FFplayConfig) []string {
	// ffplay takes -ch_layout rather than ffmpeg's -ac.
	layout := "mono"
	if cfg.Format.Channels == 2 {
		layout = "stereo"
	}
	return []string{
		"-hide_banner",
		"-loglevel", cfg.LogLevel,
		"-nostats",
		"-volume", strconv.Itoa(cfg.Volume),
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", layout,
		"-ar", strconv.Itoa(cfg.Format.SampleRate),
		"-i", "-",
	}
}

func (s *FFplaySink) startLocked() error {
	cmd := exec.Command(s.cfg.Path, ffplayArgs(s.cfg)...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start ffplay: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	return nil
}

func (s *FFplaySink) Write(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return errors.New("ffplay is not running")
	}
	_, err := stdin.Write(pcm)
	return err
}

func (s *FFplaySink) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return s.startLocked()
}

func (s *FFplaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *FFplaySink) closeLocked() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.cmd = nil
	s.stdin = nil
}

// Opener opens an output device for one session.
type Opener interface {
	Open(ctx context.Context) (Device, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Device, error)

func (f OpenerFunc) Open(ctx context.Context) (Device, error) { return f(ctx) }

// FFplayOpener opens an Output backed by ffplay. With Silent set it keeps time
// without producing sound.
type FFplayOpener struct {
	Config FFplayConfig
	Silent bool
	Logger *slog.Logger
}

func (o FFplayOpener) Open(ctx context.Context) (Device, error) {
	if o.Silent {
		return NewOutput(nil, o.Logger), nil
	}
	sink, err := OpenFFplay(o.Config)
	if err != nil {
		return nil, err
	}
	return NewOutput(sink, o.Logger), nil
}
