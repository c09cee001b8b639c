package fetch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// pendingSave streams a body into a temporary file next to the target and
// renames it into place on commit. Until then the target is untouched.
type pendingSave struct {
	pf        *renameio.PendingFile
	committed bool
}

func newPendingSave(path string) (*pendingSave, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create save dir: %w", err)
	}
	pf, err := renameio.NewPendingFile(path)
	if err != nil {
		return nil, fmt.Errorf("create pending file: %w", err)
	}
	return &pendingSave{pf: pf}, nil
}

func (s *pendingSave) Write(p []byte) (int, error) {
	return s.pf.Write(p)
}

func (s *pendingSave) commit() error {
	if err := s.pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace saved file: %w", err)
	}
	s.committed = true
	return nil
}

// cleanup removes the temporary file unless commit succeeded.
func (s *pendingSave) cleanup() {
	if s.committed {
		return
	}
	_ = s.pf.Cleanup()
}
