package fetcher

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// maxPayloadLog bounds how much of an offending body is kept on a ParseError.
const maxPayloadLog = 256

// FetchError reports an unreachable, timed out, or malformed upstream. It is
// never fatal: the caller retries on its next scheduled poll.
type FetchError struct {
	URL       string
	Status    int
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports a response whose shape was not what the normalizer
// expected. Control flow treats it like a FetchError.
type ParseError struct {
	Source  string
	Payload string
	Err     error
}

// NewParseError keeps at most 256 bytes of the payload for logging.
func NewParseError(source string, payload []byte, err error) *ParseError {
	p := string(payload)
	if len(p) > maxPayloadLog {
		p = truncateUTF8(p, maxPayloadLog) + "..."
	}
	return &ParseError{Source: source, Payload: p, Err: err}
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s response: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsFetchError reports whether err is a FetchError or a ParseError.
func IsFetchError(err error) bool {
	var fe *FetchError
	var pe *ParseError
	return errors.As(err, &fe) || errors.As(err, &pe)
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
}

func parseHTTPError(status int, payload []byte) error {
	var body apiError
	if err := json.Unmarshal(payload, &body); err == nil {
		for _, msg := range []string{body.Error, body.Message, body.Msg} {
			if msg != "" {
				return fmt.Errorf("upstream error (%d): %s", status, msg)
			}
		}
	}
	if text := strings.TrimSpace(string(payload)); text != "" {
		text = truncateUTF8(text, maxPayloadLog)
		return fmt.Errorf("upstream error (%d): %s", status, text)
	}
	return fmt.Errorf("upstream error (%d)", status)
}
