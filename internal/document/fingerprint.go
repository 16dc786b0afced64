// Package document は入力文書のフィンガープリント計算と検証・保存を提供します。
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint はテキストと処理パラメータから決定的なフィンガープリントを計算します。
// 同一のテキストとパラメータの組は、フィールドの指定順に関わらず常に同じキーになります。
func Fingerprint(text string, params ...string) string {
	h := sha256.New()
	h.Write([]byte(text))
	for _, p := range normalizeParams(params) {
		h.Write([]byte(":"))
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintBytes はファイルの生バイト列と処理パラメータからフィンガープリントを計算します。
func FingerprintBytes(data []byte, params ...string) string {
	h := sha256.New()
	h.Write(data)
	for _, p := range normalizeParams(params) {
		h.Write([]byte(":"))
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeParams はパラメータを小文字化・トリムし、辞書順に整列します。
func normalizeParams(params []string) []string {
	normalized := make([]string, 0, len(params))
	for _, p := range params {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			normalized = append(normalized, p)
		}
	}
	// 指定順に依存しないよう整列する
	sort.Strings(normalized)
	return normalized
}
