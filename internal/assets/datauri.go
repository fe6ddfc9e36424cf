package assets

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrBadDataURI is returned for malformed data: URIs.
var ErrBadDataURI = errors.New("assets: malformed data URI")

// DecodeDataURI decodes data:[<mediatype>][;base64],<data>. The media type
// defaults to text/plain as in RFC 2397; parameters other than base64 are
// dropped.
func DecodeDataURI(s string) ([]byte, string, error) {
	if len(s) < 5 || !strings.EqualFold(s[:5], "data:") {
		return nil, "", fmt.Errorf("%w: missing data: scheme", ErrBadDataURI)
	}

	header, payload, ok := strings.Cut(s[5:], ",")
	if !ok {
		return nil, "", fmt.Errorf("%w: missing comma", ErrBadDataURI)
	}

	params := strings.Split(header, ";")
	contentType := strings.TrimSpace(params[0])
	isBase64 := false

	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}

	if contentType == "" {
		contentType = "text/plain"
	}

	if !isBase64 {
		dec, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrBadDataURI, err)
		}

		return []byte(dec), contentType, nil
	}

	// Canvas exports sometimes carry whitespace or drop padding.
	payload = strings.Join(strings.Fields(payload), "")

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrBadDataURI, err)
		}
	}

	return data, strings.ToLower(contentType), nil
}

// EncodeDataURI builds a base64 data URI.
func EncodeDataURI(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
