package processor

import (
	"context"
	"errors"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestParseTranslations(t *testing.T) {
	translations, err := parseTranslations(`["bonjour", "merci"]`, 2)
	if err != nil {
		t.Fatalf("parseTranslations returned error: %v", err)
	}
	if translations[0] != "bonjour" || translations[1] != "merci" {
		t.Fatalf("unexpected translations: %#v", translations)
	}
}

func TestParseTranslationsStripsCodeFence(t *testing.T) {
	content := "```json\n[\"bonjour\"]\n```"
	translations, err := parseTranslations(content, 1)
	if err != nil {
		t.Fatalf("parseTranslations returned error: %v", err)
	}
	if translations[0] != "bonjour" {
		t.Fatalf("unexpected translation: %q", translations[0])
	}
}

func TestParseTranslationsCountMismatch(t *testing.T) {
	if _, err := parseTranslations(`["bonjour"]`, 2); err == nil {
		t.Fatal("expected error for count mismatch")
	}
}

func TestParseTranslationsInvalidJSON(t *testing.T) {
	if _, err := parseTranslations("not json at all", 1); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestClassifyAPIError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{
			name:      "rate limited",
			err:       &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests},
			transient: true,
		},
		{
			name:      "server error",
			err:       &openai.APIError{HTTPStatusCode: http.StatusBadGateway},
			transient: true,
		},
		{
			name:      "bad request",
			err:       &openai.APIError{HTTPStatusCode: http.StatusBadRequest},
			transient: false,
		},
		{
			name:      "deadline exceeded",
			err:       context.DeadlineExceeded,
			transient: true,
		},
		{
			name:      "network failure",
			err:       errors.New("connection refused"),
			transient: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			classified := classifyAPIError(tc.err)
			if got := errors.Is(classified, ErrTransient); got != tc.transient {
				t.Fatalf("transient = %v, want %v (err=%v)", got, tc.transient, classified)
			}
			if !tc.transient && !errors.Is(classified, ErrPermanent) {
				t.Fatalf("expected permanent classification: %v", classified)
			}
		})
	}
}

func TestTranslationProcessorRejectsUnsupportedLanguage(t *testing.T) {
	proc, err := NewTranslationProcessor("test-key", "test-model", []string{"fr", "es"})
	if err != nil {
		t.Fatalf("NewTranslationProcessor returned error: %v", err)
	}

	_, err = proc.ProcessBatch(context.Background(), "de", []Request{{JobID: "1", Text: "hello"}})
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent error for unsupported language, got %v", err)
	}
}

func TestNewProcessorsRequireAPIKey(t *testing.T) {
	if _, err := NewEmbeddingProcessor("", "model"); err == nil {
		t.Fatal("expected error for missing API key")
	}
	if _, err := NewTranslationProcessor("", "model", nil); err == nil {
		t.Fatal("expected error for missing API key")
	}
}
