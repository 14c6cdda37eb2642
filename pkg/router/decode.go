package router

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var errUnsupportedEncoding = errors.New("unsupported content encoding")

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedBody) Close() error {
	var errs []error
	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// decodeBody returns the identity-encoded body of resp and drops the encoding
// headers, which no longer describe what is sent to the client. Unknown
// encodings leave resp untouched and return errUnsupportedEncoding.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	var (
		r   io.Reader
		c   io.Closer
		err error
	)
	switch encoding {
	case "", "identity":
		return resp.Body, nil
	case "gzip", "x-gzip":
		var gz *gzip.Reader
		gz, err = gzip.NewReader(resp.Body)
		r, c = gz, gz
	case "deflate":
		var zr io.ReadCloser
		zr, err = zlib.NewReader(resp.Body)
		r, c = zr, zr
	case "br":
		r = brotli.NewReader(resp.Body)
	case "zstd":
		var zd *zstd.Decoder
		zd, err = zstd.NewReader(resp.Body)
		if err == nil {
			rc := zd.IOReadCloser()
			r, c = rc, rc
		}
	default:
		return nil, fmt.Errorf("%w '%s'", errUnsupportedEncoding, encoding)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading %s body: %w", encoding, err)
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true

	body := &decodedBody{Reader: r}
	if c != nil {
		body.closers = append(body.closers, c)
	}
	body.closers = append(body.closers, resp.Body)
	return body, nil
}
