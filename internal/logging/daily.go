package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jonboulle/clockwork"
)

// dailyFile is a zapcore.WriteSyncer that appends to <dir>/<prefix>-YYYY-MM-DD.log,
// switching to a new file on the first write of each UTC day.
type dailyFile struct {
	mu     sync.Mutex
	dir    string
	prefix string
	clock  clockwork.Clock
	day    string
	file   *os.File
}

func newDailyFile(dir, prefix string, clock clockwork.Clock) (*dailyFile, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	d := &dailyFile{dir: dir, prefix: prefix, clock: clock}
	if err := d.rotateLocked(); err != nil {
		return nil, err
	}
	return d, nil
}

// path returns the file the given day's lines are written to.
func (d *dailyFile) path(day string) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s-%s.log", d.prefix, day))
}

func (d *dailyFile) rotateLocked() error {
	day := d.clock.Now().UTC().Format("2006-01-02")
	if d.file != nil && day == d.day {
		return nil
	}

	f, err := os.OpenFile(d.path(day), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if d.file != nil {
		_ = d.file.Close()
	}
	d.file = f
	d.day = day
	return nil
}

func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.rotateLocked(); err != nil {
		return 0, err
	}
	return d.file.Write(p)
}

func (d *dailyFile) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return nil
	}
	return d.file.Sync()
}

func (d *dailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
