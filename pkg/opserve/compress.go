package opserve

import (
	"bytes"
	"compress/gzip"
	"strconv"
	"strings"

	"github.com/albertbausili/opserve/internal/h1"
	"github.com/andybalholm/brotli"
)

// excludedTypes are content types that are already compressed.
var excludedTypes = []string{
	"image/",
	"video/",
	"audio/",
	"application/zip",
	"application/gzip",
}

// compressor encodes response bodies with brotli or gzip according to the
// request's accept-encoding.
type compressor struct {
	level   int
	minSize int
}

func newCompressor(cfg CompressionConfig) *compressor {
	if !cfg.Enabled {
		return nil
	}
	return &compressor{level: cfg.Level, minSize: cfg.MinSize}
}

// wrap returns a responder that compresses eligible responses, or res
// unchanged when the client accepts neither encoding.
func (c *compressor) wrap(head *h1.Head, res h1.Responder) h1.Responder {
	if c == nil {
		return res
	}
	accept := strings.Join(head.Values("accept-encoding"), ",")
	switch {
	case acceptsEncoding(accept, "br"):
		return &compressingResponder{res: res, c: c, encoding: "br"}
	case acceptsEncoding(accept, "gzip"):
		return &compressingResponder{res: res, c: c, encoding: "gzip"}
	default:
		return res
	}
}

// acceptsEncoding reports whether the accept-encoding value lists coding
// with a non-zero quality.
func acceptsEncoding(accept, coding string) bool {
	for _, part := range strings.Split(accept, ",") {
		name, params, _ := strings.Cut(part, ";")
		if !strings.EqualFold(strings.TrimSpace(name), coding) {
			continue
		}
		params = strings.TrimSpace(params)
		if q, ok := strings.CutPrefix(params, "q="); ok {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
				return false
			}
		}
		return true
	}
	return false
}

type compressingResponder struct {
	res      h1.Responder
	c        *compressor
	encoding string
}

func (r *compressingResponder) Respond(resp h1.Response) error {
	if len(resp.Body) < r.c.minSize || !compressible(resp.Headers) {
		return r.res.Respond(resp)
	}

	var buf bytes.Buffer
	var err error
	switch r.encoding {
	case "br":
		w := brotli.NewWriterLevel(&buf, r.c.level)
		if _, err = w.Write(resp.Body); err == nil {
			err = w.Close()
		}
	default:
		var w *gzip.Writer
		if w, err = gzip.NewWriterLevel(&buf, r.c.level); err == nil {
			if _, err = w.Write(resp.Body); err == nil {
				err = w.Close()
			}
		}
	}
	// Only use the compressed body if it is actually smaller.
	if err != nil || buf.Len() >= len(resp.Body) {
		return r.res.Respond(resp)
	}

	resp.Body = buf.Bytes()
	resp.Headers = append(resp.Headers,
		[2]string{"content-encoding", r.encoding},
		[2]string{"vary", "accept-encoding"},
	)
	return r.res.Respond(resp)
}

func compressible(headers [][2]string) bool {
	for _, h := range headers {
		switch h[0] {
		case "content-encoding":
			return false
		case "content-type":
			for _, excluded := range excludedTypes {
				if strings.HasPrefix(h[1], excluded) {
					return false
				}
			}
		}
	}
	return true
}
