package moltbook

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// Pools for decompression readers. Listing pages are large JSON documents and
// arrive compressed on every call of a run.
var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} {
			return new(gzip.Reader)
		},
	}

	brotliReaderPool = sync.Pool{
		New: func() interface{} {
			return brotli.NewReader(nil)
		},
	}
)

var emptyReader = strings.NewReader("")

func getGzipReader(r io.Reader) (*gzip.Reader, error) {
	zr := gzipReaderPool.Get().(*gzip.Reader)
	if err := zr.Reset(r); err != nil {
		gzipReaderPool.Put(zr)
		return nil, err
	}
	return zr, nil
}

func putGzipReader(zr *gzip.Reader) {
	// Reset with an empty reader returns io.EOF, which is expected here.
	_ = zr.Reset(emptyReader)
	gzipReaderPool.Put(zr)
}

func getBrotliReader(r io.Reader) (*brotli.Reader, error) {
	br := brotliReaderPool.Get().(*brotli.Reader)
	if err := br.Reset(r); err != nil {
		brotliReaderPool.Put(br)
		return nil, err
	}
	return br, nil
}

func putBrotliReader(br *brotli.Reader) {
	_ = br.Reset(emptyReader)
	brotliReaderPool.Put(br)
}

// decompressingTransport advertises br and gzip and decodes the response body so
// callers always read plain JSON.
type decompressingTransport struct {
	next http.RoundTripper
}

func (t *decompressingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "br, gzip")
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if err := decompressBody(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to initialize response decompression: %w", err)
	}
	return resp, nil
}

// closeWrapper closes both the decoder and the original body, then returns the
// pooled reader. Releasing last keeps a concurrent Get from receiving a decoder
// that is still being closed.
type closeWrapper struct {
	io.ReadCloser
	originalBody io.ReadCloser
	release      func()
}

func (w *closeWrapper) Close() error {
	err := errors.Join(w.ReadCloser.Close(), w.originalBody.Close())
	if w.release != nil {
		w.release()
		w.release = nil
	}
	return err
}

// decompressBody wraps resp.Body according to Content-Encoding. Layers are
// undone in reverse order of application.
func decompressBody(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 {
		return nil
	}

	for i := len(encodings) - 1; i >= 0; i-- {
		var reader io.ReadCloser
		var release func()

		switch enc := strings.ToLower(strings.TrimSpace(encodings[i])); enc {
		case "gzip":
			zr, err := getGzipReader(resp.Body)
			if err != nil {
				return fmt.Errorf("gzip initialization error: %w", err)
			}
			reader = zr
			release = func() { putGzipReader(zr) }
		case "br":
			br, err := getBrotliReader(resp.Body)
			if err != nil {
				return fmt.Errorf("brotli initialization error: %w", err)
			}
			reader = io.NopCloser(br)
			release = func() { putBrotliReader(br) }
		case "identity", "":
			continue
		default:
			return fmt.Errorf("unsupported Content-Encoding: %s", enc)
		}

		resp.Body = &closeWrapper{ReadCloser: reader, originalBody: resp.Body, release: release}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}
