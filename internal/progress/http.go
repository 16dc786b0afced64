package progress

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// heartbeatInterval はプロキシによる切断を防ぐためのコメント送信間隔です。
const heartbeatInterval = 15 * time.Second

// StreamHandler は GET /api/pipeline/progress/:id のSSEハンドラーを返します。
// ジョブの進捗イベントを Server-Sent Events として配信し、終了イベントの送信後に
// ストリームを閉じます。
func StreamHandler(publisher Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "リクエストIDを指定してください。",
			})
			return
		}

		events, cancel, err := publisher.Subscribe(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "SERVICE_UNAVAILABLE",
				"message": "進捗ストリームへの接続に失敗しました。",
			})
			return
		}
		defer cancel()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Writer.Flush()

		clientGone := c.Request.Context().Done()
		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-clientGone:
				return
			case <-heartbeat.C:
				fmt.Fprint(c.Writer, ": heartbeat\n\n")
				c.Writer.Flush()
			case event, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(event)
				if err != nil {
					continue
				}
				fmt.Fprintf(c.Writer, "event: %s\n", event.Type)
				fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
				c.Writer.Flush()

				// 終了イベントを届けたらストリームを閉じる
				if event.Terminal() {
					return
				}
			}
		}
	}
}
