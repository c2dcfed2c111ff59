// Package contentcoding decodes HTTP response bodies for diagnostic logging.
package contentcoding

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"
)

// maxDecodedBytes caps the output of a single decoding step.
const maxDecodedBytes = 64 << 20

// ErrUnsupported is returned for a content coding this package cannot decode.
var ErrUnsupported = errors.New("unsupported content coding")

// ErrTooLarge is returned when decoded output exceeds maxDecodedBytes.
var ErrTooLarge = errors.New("decoded body too large")

// Decode reverses the codings listed in a Content-Encoding header value.
// Codings are removed in reverse order of application. An empty header or
// "identity" returns body as is.
func Decode(body []byte, contentEncoding string) ([]byte, error) {
	codings := parse(contentEncoding)
	out := body
	for i := len(codings) - 1; i >= 0; i-- {
		var err error
		out, err = decodeOne(out, codings[i])
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", codings[i], err)
		}
	}
	return out, nil
}

// Text returns body decoded for logging. When decoding fails the raw bytes
// are returned as text together with the decoding error.
func Text(body []byte, contentEncoding string) (string, error) {
	out, err := Decode(body, contentEncoding)
	if err != nil {
		return string(body), err
	}
	return string(out), nil
}

func parse(header string) []string {
	var codings []string
	for _, c := range strings.Split(header, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || c == "identity" {
			continue
		}
		codings = append(codings, c)
	}
	return codings
}

func decodeOne(data []byte, coding string) ([]byte, error) {
	switch coding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return readAll(zr, zr)

	case "deflate":
		// HTTP deflate is zlib-wrapped, but raw deflate is common in the wild.
		if zr, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
			if out, err := readAll(zr, zr); err == nil {
				return out, nil
			}
		}
		fr := flate.NewReader(bytes.NewReader(data))
		return readAll(fr, fr)

	case "br":
		return readAll(brotli.NewReader(bytes.NewReader(data)), nil)

	case "zstd":
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedBytes))
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)

	default:
		return nil, ErrUnsupported
	}
}

// readAll reads r to EOF, bounded by maxDecodedBytes, and closes c if non-nil.
func readAll(r io.Reader, c io.Closer) (out []byte, err error) {
	if c != nil {
		defer func() { err = multierr.Append(err, c.Close()) }()
	}
	out, err = io.ReadAll(io.LimitReader(r, maxDecodedBytes+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecodedBytes {
		return nil, ErrTooLarge
	}
	return out, nil
}
