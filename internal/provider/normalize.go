package provider

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// The inference API's output shape varies by backend: an array of URLs, a bare
// string, an object with output/url/image fields, or a chunked byte stream of
// line-delimited JSON or raw URLs. ExtractAssetURL applies a fixed list of
// extraction strategies in priority order and returns the first match.
//
// Order: stream scan, array first element, object fields (output[0], url,
// image), bare string. Structured fields win over heuristic text matching.

var (
	assetURLExact = regexp.MustCompile(`(?i)^https?://\S+\.(?:png|jpe?g|gif|webp)(?:\?\S*)?$`)
	assetURLScan  = regexp.MustCompile(`(?i)https?://[^\s"'\\]+\.(?:png|jpe?g|gif|webp)(?:\?[^\s"'\\]*)?`)
)

func isAssetURL(s string) bool {
	return assetURLExact.MatchString(strings.TrimSpace(s))
}

type extractor func(payload any) (string, bool)

var extractors = []extractor{
	extractFromStream,
	extractFromArray,
	extractFromObject,
	extractFromString,
}

// ExtractAssetURL returns exactly one asset URL from an arbitrary provider
// payload, or ErrUnrecognizedResponse when no strategy matches.
func ExtractAssetURL(payload any) (string, error) {
	for _, ex := range extractors {
		if u, ok := ex(payload); ok {
			return u, nil
		}
	}
	return "", fmt.Errorf("%w: %T", ErrUnrecognizedResponse, payload)
}

// extractFromStream handles raw bytes and readers: decode line by line, trying
// each line first as a JSON fragment and then as plain text containing a URL.
func extractFromStream(payload any) (string, bool) {
	var r io.Reader
	switch v := payload.(type) {
	case []byte:
		r = bytes.NewReader(v)
	case json.RawMessage:
		r = bytes.NewReader(v)
	case io.Reader:
		r = v
	default:
		return "", false
	}

	sc := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 2*1024*1024)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if json.Valid([]byte(line)) {
			var decoded any
			if err := json.Unmarshal([]byte(line), &decoded); err == nil {
				for _, ex := range []extractor{extractFromArray, extractFromObject, extractFromString} {
					if u, ok := ex(decoded); ok {
						return u, true
					}
				}
			}
		}

		if u := assetURLScan.FindString(line); u != "" {
			return u, true
		}
	}
	return "", false
}

func extractFromArray(payload any) (string, bool) {
	switch v := payload.(type) {
	case []any:
		if len(v) == 0 {
			return "", false
		}
		s, ok := v[0].(string)
		if ok && isAssetURL(s) {
			return strings.TrimSpace(s), true
		}
	case []string:
		if len(v) > 0 && isAssetURL(v[0]) {
			return strings.TrimSpace(v[0]), true
		}
	}
	return "", false
}

// extractFromObject checks output[0], then url, then image.
func extractFromObject(payload any) (string, bool) {
	obj, ok := payload.(map[string]any)
	if !ok {
		return "", false
	}

	if out, ok := obj["output"]; ok {
		if u, ok := extractFromArray(out); ok {
			return u, true
		}
		if u, ok := extractFromString(out); ok {
			return u, true
		}
	}
	for _, field := range []string{"url", "image"} {
		if raw, ok := obj[field]; ok {
			if u, ok := extractFromString(raw); ok {
				return u, true
			}
		}
	}
	return "", false
}

func extractFromString(payload any) (string, bool) {
	s, ok := payload.(string)
	if !ok || !isAssetURL(s) {
		return "", false
	}
	return strings.TrimSpace(s), true
}
