package ports

import "context"

type FileMeta struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// FileService resolves a file-variable reference (upload id or storage
// path) to bytes and metadata.
type FileService interface {
	Resolve(ctx context.Context, ref string) ([]byte, *FileMeta, error)
}
