package profiler

import (
	"log/slog"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DetectAndDecode sniffs the character encoding of raw bytes and decodes them
// to a UTF-8 string. A byte order mark, when present, overrides the sniffed
// encoding. Decoding never fails: when the detected encoding cannot decode
// the input cleanly, the bytes are reinterpreted as UTF-8 with invalid
// sequences replaced by U+FFFD.
func DetectAndDecode(raw []byte) string {
	enc, name, certain := charset.DetermineEncoding(raw, "")
	slog.Debug("detected file encoding", "encoding", name, "certain", certain)

	decoded, _, err := transform.Bytes(unicode.BOMOverride(enc.NewDecoder()), raw)
	if err != nil {
		slog.Warn("decoding with detected encoding failed, falling back to lossy utf-8", "encoding", name, "error", err)
		return strings.ToValidUTF8(string(raw), "�")
	}
	return strings.ToValidUTF8(string(decoded), "�")
}
