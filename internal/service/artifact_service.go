package service

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/config"
)

// Sentinel errors for artifact uploads.
var (
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrFileTooLarge        = errors.New("file too large")
)

// Allowed artifact MIME types.
var allowedMIMETypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// ArtifactURLPrefix is where stored artifacts are served from.
const ArtifactURLPrefix = "/artifacts/"

// ArtifactService stores uploaded answer artifacts on local disk and returns
// the reference string recorded as an image answer.
type ArtifactService struct {
	cfg *config.Config
}

// NewArtifactService creates a new ArtifactService.
func NewArtifactService(cfg *config.Config) *ArtifactService {
	return &ArtifactService{cfg: cfg}
}

// Save writes the upload under <UploadDir>/<attemptID>/ with a UUID filename.
func (s *ArtifactService) Save(attemptID uuid.UUID, file multipart.File, header *multipart.FileHeader) (string, error) {
	contentType := header.Header.Get("Content-Type")
	ext, ok := allowedMIMETypes[contentType]
	if !ok {
		return "", fmt.Errorf("%w: %s (allowed: %s)",
			ErrUnsupportedFileType, contentType, strings.Join(allowedTypes(), ", "))
	}

	if header.Size > s.cfg.MaxUploadBytes {
		return "", fmt.Errorf("%w: %d bytes (max: %d)", ErrFileTooLarge, header.Size, s.cfg.MaxUploadBytes)
	}

	dir := filepath.Join(s.cfg.UploadDir, attemptID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	filename := uuid.New().String() + ext
	dst, err := os.Create(filepath.Join(dir, filename))
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer dst.Close()

	// Guard against a lying Size header.
	n, err := io.Copy(dst, io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if n > s.cfg.MaxUploadBytes {
		dst.Close()
		_ = os.Remove(dst.Name())
		return "", fmt.Errorf("%w: more than %d bytes", ErrFileTooLarge, s.cfg.MaxUploadBytes)
	}

	return ArtifactURLPrefix + attemptID.String() + "/" + filename, nil
}

func allowedTypes() []string {
	types := make([]string, 0, len(allowedMIMETypes))
	for t := range allowedMIMETypes {
		types = append(types, t)
	}
	return types
}
