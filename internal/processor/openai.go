package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// classifyAPIError はOpenAI APIのエラーをリトライ可否で分類します。
// レート制限とサーバー側の失敗は一時的、入力の拒否は恒久的として扱います。
func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return Transient(err)
		case apiErr.HTTPStatusCode >= 500:
			return Transient(err)
		default:
			return Permanent(err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	// ネットワーク起因はリトライで回復する可能性がある
	return Transient(err)
}

// EmbeddingResult は埋め込み生成1件の結果です。
type EmbeddingResult struct {
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
	Vector     []float32 `json:"vector"`
}

// EmbeddingProcessor は OpenAI Embeddings API を使う Processor の実装です。
// バッチ内の全テキストを1リクエストにまとめて送ります。
type EmbeddingProcessor struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewEmbeddingProcessor は EmbeddingProcessor を作成します。
func NewEmbeddingProcessor(apiKey, model string) (*EmbeddingProcessor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	return &EmbeddingProcessor{
		client: openai.NewClient(apiKey),
		model:  openai.EmbeddingModel(model),
	}, nil
}

// Name は識別子を返します。
func (p *EmbeddingProcessor) Name() string { return "openai-embedding" }

// Warmup はAPIクライアントの前提条件を確認します。モデルはAPI側に常駐しているため
// ロード処理はありません。
func (p *EmbeddingProcessor) Warmup(_ context.Context) error {
	if p.client == nil {
		return fmt.Errorf("embedding client is not initialized")
	}
	return nil
}

// ProcessBatch はバッチ内の全テキストの埋め込みを1回のAPI呼び出しで生成します。
func (p *EmbeddingProcessor) ProcessBatch(ctx context.Context, target string, requests []Request) ([]Result, error) {
	texts := make([]string, len(requests))
	for i, req := range requests {
		texts[i] = req.Text
	}

	model := p.model
	if target != "" {
		model = openai.EmbeddingModel(target)
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: model,
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}
	if len(resp.Data) != len(requests) {
		return nil, Transient(fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Data), len(requests)))
	}

	results := make([]Result, len(requests))
	for i, req := range requests {
		vector := resp.Data[i].Embedding
		if len(vector) == 0 {
			results[i] = Result{JobID: req.JobID, Err: Permanent(fmt.Errorf("empty embedding returned"))}
			continue
		}
		results[i] = Result{
			JobID: req.JobID,
			Value: &EmbeddingResult{
				Model:      string(model),
				Dimensions: len(vector),
				Vector:     vector,
			},
		}
	}
	return results, nil
}

// TranslationProcessor は OpenAI Chat Completions API を使う Processor の実装です。
// バッチ内の全テキストをJSON配列として1リクエストにまとめ、モデル呼び出し回数を
// ジョブ数ではなくグループ数に抑えます。
type TranslationProcessor struct {
	client    *openai.Client
	model     string
	languages []string
}

// NewTranslationProcessor は TranslationProcessor を作成します。
func NewTranslationProcessor(apiKey, model string, languages []string) (*TranslationProcessor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	return &TranslationProcessor{
		client:    openai.NewClient(apiKey),
		model:     model,
		languages: languages,
	}, nil
}

// Name は識別子を返します。
func (p *TranslationProcessor) Name() string { return "openai-translation" }

// Warmup はAPIクライアントの前提条件を確認します。
func (p *TranslationProcessor) Warmup(_ context.Context) error {
	if p.client == nil {
		return fmt.Errorf("translation client is not initialized")
	}
	return nil
}

// ProcessBatch はバッチ内の全テキストを target 言語へ一括翻訳します。
func (p *TranslationProcessor) ProcessBatch(ctx context.Context, target string, requests []Request) ([]Result, error) {
	if !p.supports(target) {
		return nil, Permanent(fmt.Errorf("unsupported target language: %s", target))
	}

	texts := make([]string, len(requests))
	for i, req := range requests {
		texts[i] = req.Text
	}
	input, err := json.Marshal(texts)
	if err != nil {
		return nil, Permanent(err)
	}

	prompt := fmt.Sprintf(
		"Translate each element of the following JSON array into the language with ISO code %q. "+
			"Respond with a JSON array of the same length containing only the translations, in the same order.\n%s",
		target, input)

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are a medical document translation engine. Preserve clinical terminology exactly.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, Transient(fmt.Errorf("no completion choices returned"))
	}

	translations, err := parseTranslations(resp.Choices[0].Message.Content, len(requests))
	if err != nil {
		return nil, Transient(err)
	}

	results := make([]Result, len(requests))
	for i, req := range requests {
		results[i] = Result{JobID: req.JobID, Value: translations[i]}
	}
	return results, nil
}

func (p *TranslationProcessor) supports(target string) bool {
	for _, lang := range p.languages {
		if lang == target {
			return true
		}
	}
	return false
}

// parseTranslations はモデル応答からJSON配列を取り出します。
// コードフェンス付きで返るモデルがあるため前後の装飾を剥がします。
func parseTranslations(content string, want int) ([]string, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var translations []string
	if err := json.Unmarshal([]byte(content), &translations); err != nil {
		return nil, fmt.Errorf("failed to parse translation response: %w", err)
	}
	if len(translations) != want {
		return nil, fmt.Errorf("translation count mismatch: got %d, want %d", len(translations), want)
	}
	return translations, nil
}
