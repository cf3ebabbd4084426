package files

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomrun/loom/internal/domain"
	"github.com/loomrun/loom/internal/ports"
)

// LocalService resolves file-variable references against a base directory.
// References are relative paths; escaping the base directory is rejected.
type LocalService struct {
	baseDir string
}

func NewLocalService(baseDir string) *LocalService {
	return &LocalService{baseDir: baseDir}
}

func (s *LocalService) Resolve(ctx context.Context, ref string) ([]byte, *ports.FileMeta, error) {
	clean := filepath.Clean(ref)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, nil, domain.NewValidationError(
			fmt.Sprintf("file reference %q escapes the storage root", ref), nil)
	}
	path := filepath.Join(s.baseDir, clean)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, domain.NewNotFoundError("file", ref)
		}
		return nil, nil, fmt.Errorf("stat %s: %w", ref, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", ref, err)
	}

	return data, &ports.FileMeta{
		Name:        filepath.Base(path),
		Size:        info.Size(),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
	}, nil
}
