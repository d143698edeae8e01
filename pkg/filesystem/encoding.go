package filesystem

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/fruitsalade/vfs/pkg/fserrors"
)

// lookupEncoding returns nil for UTF-8, which needs no transform.
func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf8", "utf-8":
		return nil, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	if n, _ := htmlindex.Name(enc); n == "utf-8" {
		return nil, nil
	}
	return enc, nil
}

func decodeText(path string, data []byte, name string) (string, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return "", fserrors.New("read", path, fserrors.KindNotReadable, err)
	}
	if enc == nil {
		if !utf8.Valid(data) {
			return "", fserrors.New("read", path, fserrors.KindNotReadable, fmt.Errorf("invalid utf-8"))
		}
		return string(data), nil
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", fserrors.New("read", path, fserrors.KindNotReadable, err)
	}
	return string(out), nil
}

func encodeText(path, text, name string) ([]byte, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return nil, fserrors.New("write", path, fserrors.KindNotReadable, err)
	}
	if enc == nil {
		return []byte(text), nil
	}
	out, err := enc.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, fserrors.New("write", path, fserrors.KindNotReadable, err)
	}
	return out, nil
}
