package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

func (m *Manager) encodeWorker(ctx context.Context) {
	for j := range m.jobs {
		m.encode(ctx, j)
	}
}

// encode writes a sealed capture to the cache directory. A failure is
// terminal: the partial file is removed and the sink is told, since live
// audio cannot be captured again.
func (m *Manager) encode(ctx context.Context, j job) {
	path := filepath.Join(m.cfg.CacheDir, j.info.ID+"."+m.enc.Ext())

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("encoder panicked: %v", r)
			}
		}()
		if err := os.MkdirAll(m.cfg.CacheDir, 0755); err != nil {
			return fmt.Errorf("failed to create cache directory: %w", err)
		}
		return m.enc.Encode(ctx, j.frames, m.cfg.Format, path)
	}()

	if err != nil {
		os.Remove(path)
		info := j.info
		if next, _, stepErr := Step(info.State, TriggerEncodeFailed); stepErr == nil {
			info.State = next
		}
		m.logger.Error("Failed to encode recording", "id", info.ID, "title", info.Title, "error", err)
		m.sink.Failed(Failure{Info: info, Err: fmt.Errorf("%w: %v", ErrEncoding, err)})
		return
	}

	m.logger.Info("Recording finalized", "id", j.info.ID, "title", j.info.Title,
		"duration", j.info.Duration.Round(100*time.Millisecond), "file", path)
	m.sink.Finalized(Result{Info: j.info, Path: path, Ext: m.enc.Ext()})
}
