package document

import (
	"bytes"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// 受け付けるMIMEタイプの一覧です。
var allowedTypes = map[string]struct{}{
	"application/pdf": {},
	"text/plain":      {},
	"image/png":       {},
	"image/jpeg":      {},
	"image/tiff":      {},
}

// InspectResult はアップロードされたファイルの検証済みメタデータを表します。
type InspectResult struct {
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Pages       int    `json:"pages,omitempty"` // PDFのみ
}

// InspectError はファイル検証の失敗を表します。
type InspectError struct {
	Code    string
	Message string
}

func (e *InspectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Inspector はアップロードファイルの検証を行います。
type Inspector struct {
	maxFileSize int64
	maxPages    int
}

// NewInspector は Inspector を作成します。
func NewInspector(maxFileSize int64, maxPages int) *Inspector {
	return &Inspector{
		maxFileSize: maxFileSize,
		maxPages:    maxPages,
	}
}

// Inspect はファイル内容を検証し、メタデータを返します。
// MIMEタイプは拡張子ではなく内容のスニッフィングで判定します。
func (i *Inspector) Inspect(data []byte) (*InspectResult, error) {
	if len(data) == 0 {
		return nil, &InspectError{Code: "INVALID_INPUT", Message: "ファイルが空です。"}
	}
	if i.maxFileSize > 0 && int64(len(data)) > i.maxFileSize {
		return nil, &InspectError{
			Code:    "FILE_TOO_LARGE",
			Message: fmt.Sprintf("ファイルサイズが上限（%dバイト）を超えています。", i.maxFileSize),
		}
	}

	mtype := mimetype.Detect(data)
	contentType := baseType(mtype)
	if _, ok := allowedTypes[contentType]; !ok {
		return nil, &InspectError{
			Code:    "UNSUPPORTED_FILE_TYPE",
			Message: fmt.Sprintf("サポートされていないファイル形式です (detected: %s)", contentType),
		}
	}

	result := &InspectResult{
		ContentType: contentType,
		Size:        int64(len(data)),
	}

	if contentType == "application/pdf" {
		pages, err := pdfapi.PageCount(bytes.NewReader(data), nil)
		if err != nil {
			return nil, &InspectError{
				Code:    "UNSUPPORTED_PDF",
				Message: "PDFを解析できませんでした。ファイルが破損していないか確認してください。",
			}
		}
		if i.maxPages > 0 && pages > i.maxPages {
			return nil, &InspectError{
				Code:    "TOO_MANY_PAGES",
				Message: fmt.Sprintf("ページ数が上限（%dページ）を超えています。", i.maxPages),
			}
		}
		result.Pages = pages
	}

	return result, nil
}

// baseType はパラメータ部を除いたMIMEタイプを返します。
func baseType(m *mimetype.MIME) string {
	t := m.String()
	for idx := 0; idx < len(t); idx++ {
		if t[idx] == ';' {
			return t[:idx]
		}
	}
	return t
}
