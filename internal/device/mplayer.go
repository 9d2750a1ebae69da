package device

import (
	"errors"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

// Mplayer drives audio playback through an mplayer subprocess in slave
// mode, one process per handle.
type Mplayer struct {
	logger *zap.Logger
}

// NewMplayer executes the newMplayer function.
func NewMplayer(logger *zap.Logger) *Mplayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mplayer{logger: logger}
}

type mplayerHandle struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	paused bool
	done   chan struct{}
}

// Exists executes the exists method.
func (m *Mplayer) Exists() bool {
	_, err := exec.LookPath("mplayer")
	return err == nil
}

// PlayOnce executes the playOnce method.
func (m *Mplayer) PlayOnce(file string) (Handle, error) {
	return m.start(file, false)
}

// PlayInfinite executes the playInfinite method.
func (m *Mplayer) PlayInfinite(file string) (Handle, error) {
	return m.start(file, true)
}

func (m *Mplayer) start(file string, loop bool) (Handle, error) {
	args := []string{"-really-quiet", "-noconsolecontrols", "-slave"}
	if loop {
		args = append(args, "-loop", "0")
	}
	args = append(args, file)

	cmd := exec.Command("mplayer", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &mplayerHandle{
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()
	m.logger.Debug("mplayer started", zap.String("file", file), zap.Bool("loop", loop))
	return h, nil
}

// Stop executes the stop method.
func (m *Mplayer) Stop(handle Handle) error {
	h, err := asMplayerHandle(handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := io.WriteString(h.stdin, "quit 0\n"); err != nil {
		return h.cmd.Process.Kill()
	}
	return nil
}

// Pause executes the pause method.
func (m *Mplayer) Pause(handle Handle) error {
	h, err := asMplayerHandle(handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.paused {
		return nil
	}
	if _, err := io.WriteString(h.stdin, "pause\n"); err != nil {
		return err
	}
	h.paused = true
	return nil
}

// Resume executes the resume method.
func (m *Mplayer) Resume(handle Handle) error {
	h, err := asMplayerHandle(handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.paused {
		return nil
	}
	if _, err := io.WriteString(h.stdin, "pause\n"); err != nil {
		return err
	}
	h.paused = false
	return nil
}

// Ended executes the ended method.
func (m *Mplayer) Ended(handle Handle) bool {
	h, err := asMplayerHandle(handle)
	if err != nil {
		return true
	}
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func asMplayerHandle(handle Handle) (*mplayerHandle, error) {
	h, ok := handle.(*mplayerHandle)
	if !ok || h == nil {
		return nil, errors.New("device: not an mplayer handle")
	}
	return h, nil
}
