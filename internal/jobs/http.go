package jobs

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/mediflow/internal/document"
)

// translateRequest は POST /api/pipeline/translate のリクエストボディです。
type translateRequest struct {
	Text           string `json:"text" binding:"required"`
	TargetLanguage string `json:"target_language" binding:"required"`
	Priority       string `json:"priority"`
}

// TranslateHandler は翻訳ジョブ投入のハンドラーを返します。
func TranslateHandler(coordinator *Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req translateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "text と target_language を JSON で送ってください。",
			})
			return
		}

		result, err := coordinator.Submit(c.Request.Context(), &SubmitRequest{
			Operation: OperationTranslate,
			Target:    req.TargetLanguage,
			Text:      req.Text,
			Priority:  parsePriority(req.Priority),
		})
		if err != nil {
			writeError(c, err)
			return
		}
		writeSubmitResult(c, result)
	}
}

// EmbedHandler は埋め込みジョブ投入のハンドラーを返します。
// multipart の file フィールドか、フォームの text フィールドのどちらかを受け付けます。
func EmbedHandler(coordinator *Coordinator, inspector *document.Inspector) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := &SubmitRequest{
			Operation: OperationEmbed,
			Target:    strings.TrimSpace(c.PostForm("model")),
			Priority:  parsePriority(c.PostForm("priority")),
		}

		fileHeader, err := c.FormFile("file")
		switch {
		case err == nil:
			file, openErr := fileHeader.Open()
			if openErr != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "アップロードファイルを読み取れませんでした。",
				})
				return
			}
			data, readErr := io.ReadAll(file)
			_ = file.Close()
			if readErr != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "アップロードファイルを読み取れませんでした。",
				})
				return
			}

			inspected, inspectErr := inspector.Inspect(data)
			if inspectErr != nil {
				var ie *document.InspectError
				if errors.As(inspectErr, &ie) {
					c.JSON(http.StatusUnprocessableEntity, gin.H{
						"code":    ie.Code,
						"message": ie.Message,
					})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{
					"code":    "INTERNAL_ERROR",
					"message": "ファイルの検証に失敗しました。",
				})
				return
			}
			req.FileData = data
			req.ContentType = inspected.ContentType
		case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
			// ファイルなしの投入はテキストフィールドを受け付ける
			req.Text = c.PostForm("text")
		default:
			// 壊れたマルチパートボディをテキスト投入として扱わない
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "マルチパートフォームを解析できませんでした。",
			})
			return
		}

		result, submitErr := coordinator.Submit(c.Request.Context(), req)
		if submitErr != nil {
			writeError(c, submitErr)
			return
		}
		writeSubmitResult(c, result)
	}
}

// StatusHandler は GET /api/pipeline/results/:id のハンドラーを返します。
func StatusHandler(coordinator *Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.Param("id"))
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "リクエストIDを指定してください。",
			})
			return
		}

		view, err := coordinator.Status(c.Request.Context(), requestID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// StatsHandler は GET /api/pipeline/queue のハンドラーを返します。
func StatsHandler(coordinator *Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := coordinator.Stats(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// writeSubmitResult は投入結果を返します。処理が終わっていないジョブは 202、
// キャッシュ済みの結果と終了済みジョブは 200 を返します。
func writeSubmitResult(c *gin.Context, result *SubmitResult) {
	status := http.StatusOK
	if !result.Status.Terminal() {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

// writeError はエラー分類に応じたHTTPレスポンスを返します。
func writeError(c *gin.Context, err error) {
	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    validationErr.Code,
			"message": validationErr.Message,
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "REQUEST_NOT_FOUND",
			"message": "指定されたリクエストは存在しないか期限切れです。",
		})
	case errors.Is(err, ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "SERVICE_UNAVAILABLE",
			"message": "バックエンドに接続できません。しばらくしてから再試行してください。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "ジョブの処理中に内部エラーが発生しました。",
		})
	}
}

func parsePriority(value string) Priority {
	if strings.EqualFold(strings.TrimSpace(value), "high") {
		return PriorityHigh
	}
	return PriorityNormal
}
