package document

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store はワーカーが後から読み出すジョブ入力ファイルをローカルに保存します。
// 保存先: <dataDir>/<jobID>/input.<ext>
type Store struct {
	dataDir string
}

// NewStore は Store を作成します。保存先ディレクトリがなければ作成します。
func NewStore(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("dataDir is required")
	}
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &Store{dataDir: abs}, nil
}

// Save はファイル内容を保存し、ジョブペイロードに載せる参照パスを返します。
func (s *Store) Save(jobID string, data []byte, contentType string) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("jobID is required")
	}
	jobDir := filepath.Join(s.dataDir, jobID)
	if err := os.MkdirAll(jobDir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create job dir: %w", err)
	}
	path := filepath.Join(jobDir, "input"+extensionFor(contentType))
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("failed to write payload file: %w", err)
	}
	return path, nil
}

// Load は保存済みファイルを読み出します。
func (s *Store) Load(ref string) ([]byte, error) {
	// パイプライン外のパスを参照させない
	abs, err := filepath.Abs(ref)
	if err != nil || !strings.HasPrefix(abs, s.dataDir+string(filepath.Separator)) {
		return nil, fmt.Errorf("invalid file ref: %s", ref)
	}
	return os.ReadFile(abs)
}

// Remove は処理が終わったジョブの入力ファイルを削除します。
func (s *Store) Remove(jobID string) error {
	if jobID == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(s.dataDir, jobID))
}

func extensionFor(contentType string) string {
	switch contentType {
	case "application/pdf":
		return ".pdf"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/tiff":
		return ".tiff"
	default:
		return ".txt"
	}
}
