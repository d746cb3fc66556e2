package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const uploadDir = "uploads"

// ErrInvalidUpload is returned for uploads without a name or with content
// that is not base64.
var ErrInvalidUpload = errors.New("invalid upload")

// UploadFile decodes content, plain base64 or a data URL, and saves it under
// the session's uploads directory. An existing file is never overwritten;
// the name gets a numeric suffix instead. It returns the path relative to the
// workspace, which is what the agent should be given.
func (m *Manager) UploadFile(id, fileName, content string) (string, error) {
	s, err := m.Get(id)
	if err != nil {
		return "", err
	}

	name := filepath.Base(strings.TrimSpace(fileName))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("%w: missing file name", ErrInvalidUpload)
	}
	data, err := decodeUpload(content)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(s.WorkspaceDir, uploadDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create uploads dir: %w", err)
	}

	path := uniquePath(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}

	rel := s.workspace.RelPath(path)
	s.log.Info("file uploaded", "file", rel, "bytes", len(data))
	return rel, nil
}

func decodeUpload(content string) ([]byte, error) {
	encoded := content
	if strings.HasPrefix(content, "data:") {
		_, after, ok := strings.Cut(content, ",")
		if !ok {
			return nil, fmt.Errorf("%w: data URL without payload", ErrInvalidUpload)
		}
		encoded = after
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpload, err)
	}
	return data, nil
}

func uniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; fileExists(path); i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
	}
	return path
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
