package protocol

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
)

// lookupCharset resolves a WHATWG encoding label such as "utf-8", "gbk" or
// "shift_jis".
func lookupCharset(label string) (encoding.Encoding, error) {
	enc, _ := charset.Lookup(label)
	if enc == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCharset, label)
	}
	return enc, nil
}

// EncodeQuery serializes q into a query string whose escaped bytes are in
// the named charset. Keys are sorted; values keep their order. Runes the
// charset cannot represent are replaced. Keys without values are omitted.
func EncodeQuery(q url.Values, label string) (string, error) {
	if len(q) == 0 {
		return "", nil
	}
	enc, err := lookupCharset(label)
	if err != nil {
		return "", err
	}
	encoder := encoding.ReplaceUnsupported(enc.NewEncoder())

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	for _, k := range keys {
		ek, err := encoder.String(k)
		if err != nil {
			return "", fmt.Errorf("protocol: encode query key %q: %w", k, err)
		}
		ek = url.QueryEscape(ek)
		for _, v := range q[k] {
			ev, err := encoder.String(v)
			if err != nil {
				return "", fmt.Errorf("protocol: encode query value for %q: %w", k, err)
			}
			if buf.Len() > 0 {
				buf.WriteByte('&')
			}
			buf.WriteString(ek)
			buf.WriteByte('=')
			buf.WriteString(url.QueryEscape(ev))
		}
	}
	return buf.String(), nil
}

// DecodeQuery parses an encoded query string whose escaped bytes are in the
// named charset. An empty string yields an empty, non-nil mapping.
func DecodeQuery(raw, label string) (url.Values, error) {
	out := make(url.Values)
	raw = strings.TrimPrefix(raw, "?")
	if raw == "" {
		return out, nil
	}
	enc, err := lookupCharset(label)
	if err != nil {
		return nil, err
	}
	decoder := enc.NewDecoder()

	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		k, err := unescapeIn(decoder, key)
		if err != nil {
			return nil, err
		}
		v, err := unescapeIn(decoder, value)
		if err != nil {
			return nil, err
		}
		out[k] = append(out[k], v)
	}
	return out, nil
}

func unescapeIn(decoder *encoding.Decoder, s string) (string, error) {
	raw, err := url.QueryUnescape(s)
	if err != nil {
		return "", fmt.Errorf("protocol: decode query: %w", err)
	}
	decoded, err := decoder.String(raw)
	if err != nil {
		return "", fmt.Errorf("protocol: decode query %q: %w", s, err)
	}
	return decoded, nil
}
