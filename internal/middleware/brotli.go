package middleware

import (
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

// Responses below this size are sent uncompressed; the header overhead
// outweighs the savings.
const brotliMinLength = 1024

// Brotli compresses response bodies for clients that advertise "br"
// support. Streaming surfaces (SSE, WebSocket upgrades) are passed
// through untouched: both break if the body is buffered or wrapped.
func Brotli() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isStreamingRequest(c) || !clientAcceptsBrotli(c.Request) {
			c.Next()
			return
		}

		c.Header("Vary", "Accept-Encoding")

		bw := &brotliResponseWriter{
			ResponseWriter: c.Writer,
			br:             brotli.NewWriterLevel(c.Writer, brotli.DefaultCompression),
		}
		c.Writer = bw

		defer func() {
			if err := bw.finish(); err != nil {
				_ = c.Error(err)
			}
		}()

		c.Next()
	}
}

// brotliResponseWriter buffers the body until it is large enough to be
// worth compressing, then commits to either plain or "br" encoding for
// the rest of the response.
type brotliResponseWriter struct {
	gin.ResponseWriter
	br      *brotli.Writer
	pending []byte
	encoded bool
}

func (bw *brotliResponseWriter) Write(data []byte) (int, error) {
	bw.pending = append(bw.pending, data...)
	if len(bw.pending) < brotliMinLength {
		return len(data), nil
	}

	if !bw.encoded {
		bw.encoded = true
		bw.ResponseWriter.Header().Set("Content-Encoding", "br")
		bw.ResponseWriter.Header().Del("Content-Length")
	}

	n, err := bw.br.Write(bw.pending)
	bw.pending = bw.pending[:0]
	return n, err
}

func (bw *brotliResponseWriter) WriteString(s string) (int, error) {
	return bw.Write([]byte(s))
}

// Flush drains any buffered bytes uncompressed and forwards the flush.
// Gin calls this on streaming writes that slipped past the skip check.
func (bw *brotliResponseWriter) Flush() {
	if !bw.encoded && len(bw.pending) > 0 {
		_, _ = bw.ResponseWriter.Write(bw.pending)
		bw.pending = bw.pending[:0]
	}
	bw.ResponseWriter.Flush()
}

// finish writes out whatever is left when the handler returns. Small
// responses that never crossed the threshold go out as plain text.
func (bw *brotliResponseWriter) finish() error {
	if bw.encoded {
		if len(bw.pending) > 0 {
			if _, err := bw.br.Write(bw.pending); err != nil {
				return err
			}
			bw.pending = nil
		}
		return bw.br.Close()
	}
	if len(bw.pending) > 0 {
		_, err := bw.ResponseWriter.Write(bw.pending)
		bw.pending = nil
		return err
	}
	return nil
}

func isStreamingRequest(c *gin.Context) bool {
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		return true
	}
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

func clientAcceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.TrimSpace(strings.ToLower(enc)) == "br" {
			return true
		}
	}
	return false
}
