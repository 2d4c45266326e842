package extractor

import (
	"errors"
	"strings"
	"unicode/utf8"
)

type plaintextExtractor struct{}

func (e *plaintextExtractor) extract(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", errors.New("content is not valid utf-8 text")
	}
	return strings.TrimSpace(string(data)), nil
}
