package filestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/moby/sys/atomicwriter"
	"golang.org/x/sys/unix"
)

// nextSequence increments the shared creation counter under an exclusive
// flock on sequence.lock, so concurrent processes never reuse a value.
func (s *Store) nextSequence() (int64, error) {
	lock, err := os.OpenFile(filepath.Join(s.dir, sequenceName+lockExt), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open sequence lock: %w", err)
	}
	defer lock.Close()

	if err := flock(lock, unix.LOCK_EX); err != nil {
		return 0, fmt.Errorf("failed to lock sequence: %w", err)
	}
	defer flock(lock, unix.LOCK_UN)

	path := filepath.Join(s.dir, sequenceName)
	var seq int64
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		seq, err = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt sequence file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}

	seq++
	if err := atomicwriter.WriteFile(path, []byte(strconv.FormatInt(seq, 10)+"\n"), 0644); err != nil {
		return 0, fmt.Errorf("failed to write sequence: %w", err)
	}
	return seq, nil
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
