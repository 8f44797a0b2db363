package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const (
	AlgorithmGzip   = "gzip"
	AlgorithmBrotli = "br"

	DefaultCompressionLevel     = 6
	DefaultCompressionThreshold = 1024
	MinCompressionRatio         = 0.05
)

// CompressionMiddleware encodes response bodies after the rest of the chain
// has run. It sits outside the response cache, so cached bodies stay
// uncompressed and every client gets the encoding it asked for.
type CompressionMiddleware struct {
	logger            types.Logger
	metrics           types.MetricsManager
	compressionConfig *CompressionConfig
	weight            int
	gzipPool          sync.Pool
	brotliPool        sync.Pool
	bufferPool        sync.Pool
}

type CompressionConfig struct {
	Algorithm    string   `json:"algorithm"`
	Level        int      `json:"level"`
	Threshold    int      `json:"threshold"`
	AllowedTypes []string `json:"allowed_types"`
}

func NewCompressionMiddleware(item *types.MiddlewareItemConfig, logger types.Logger, metrics types.MetricsManager) *CompressionMiddleware {
	compressionConfig := &CompressionConfig{
		Algorithm: AlgorithmBrotli,
		Level:     DefaultCompressionLevel,
		Threshold: DefaultCompressionThreshold,
		AllowedTypes: []string{
			"application/json",
			"text/*",
		},
	}

	if item != nil && item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, compressionConfig); err != nil {
			logger.Error("Failed to unmarshal compression middleware config", zap.Error(err))
		}
	}

	if compressionConfig.Algorithm != AlgorithmBrotli && compressionConfig.Algorithm != AlgorithmGzip {
		logger.Warn("Unsupported compression algorithm, using brotli",
			zap.String("algorithm", compressionConfig.Algorithm))
		compressionConfig.Algorithm = AlgorithmBrotli
	}

	if compressionConfig.Level < 1 || compressionConfig.Level > 9 {
		compressionConfig.Level = DefaultCompressionLevel
	}

	cm := &CompressionMiddleware{
		logger:            logger,
		metrics:           metrics,
		compressionConfig: compressionConfig,
		weight:            weightOr(item, CompressionWeight),
	}

	level := compressionConfig.Level
	cm.gzipPool.New = func() interface{} {
		writer, _ := gzip.NewWriterLevel(io.Discard, level)
		return writer
	}
	cm.brotliPool.New = func() interface{} {
		return brotli.NewWriterLevel(io.Discard, level)
	}
	cm.bufferPool.New = func() interface{} {
		return new(bytes.Buffer)
	}

	return cm
}

func (c *CompressionMiddleware) Name() string { return "compression" }
func (c *CompressionMiddleware) Weight() int  { return c.weight }

func (c *CompressionMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	algorithm := c.negotiate(ctx.Request.Header.Peek(fasthttp.HeaderAcceptEncoding))

	next(ctx)

	if algorithm == "" || ctx.IsHead() {
		return
	}

	if len(ctx.Response.Header.Peek(fasthttp.HeaderContentEncoding)) > 0 {
		return
	}

	if !c.shouldCompress(ctx.Response.Header.ContentType()) {
		return
	}

	body := ctx.Response.Body()
	if len(body) < c.compressionConfig.Threshold {
		return
	}

	compressed, err := c.compress(algorithm, body)
	if err != nil {
		c.logger.Warn("Response compression failed", zap.String("algorithm", algorithm), zap.Error(err))
		return
	}

	if 1.0-float64(len(compressed))/float64(len(body)) < MinCompressionRatio {
		return
	}

	if c.metrics != nil {
		c.metrics.Counter("http_compressed_responses_total", map[string]string{"algorithm": algorithm}).Inc()
		c.metrics.Counter("http_compression_saved_bytes_total", nil).Add(float64(len(body) - len(compressed)))
	}

	ctx.Response.Header.Set(fasthttp.HeaderContentEncoding, algorithm)
	ctx.Response.Header.Add(fasthttp.HeaderVary, fasthttp.HeaderAcceptEncoding)
	ctx.Response.Header.Set("X-Uncompressed-Length", strconv.Itoa(len(body)))
	ctx.Response.SetBody(compressed)
}

// negotiate prefers the configured algorithm and falls back to gzip.
func (c *CompressionMiddleware) negotiate(acceptEncoding []byte) string {
	if len(acceptEncoding) == 0 {
		return ""
	}

	accepted := make(map[string]bool)
	for _, part := range strings.Split(string(acceptEncoding), ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.ReplaceAll(strings.TrimSpace(params), " ", "") == "q=0" {
			continue
		}
		accepted[strings.ToLower(strings.TrimSpace(name))] = true
	}

	if accepted[c.compressionConfig.Algorithm] {
		return c.compressionConfig.Algorithm
	}
	if accepted[AlgorithmGzip] {
		return AlgorithmGzip
	}
	return ""
}

func (c *CompressionMiddleware) shouldCompress(contentType []byte) bool {
	if len(contentType) == 0 {
		return false
	}

	mediaType, _, _ := strings.Cut(string(contentType), ";")
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	for _, allowed := range c.compressionConfig.AllowedTypes {
		if allowed == mediaType {
			return true
		}
		if prefix, ok := strings.CutSuffix(allowed, "*"); ok && strings.HasPrefix(mediaType, prefix) {
			return true
		}
	}
	return false
}

func (c *CompressionMiddleware) compress(algorithm string, body []byte) ([]byte, error) {
	buf := c.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufferPool.Put(buf)

	var err error
	switch algorithm {
	case AlgorithmBrotli:
		writer := c.brotliPool.Get().(*brotli.Writer)
		writer.Reset(buf)
		if _, err = writer.Write(body); err == nil {
			err = writer.Close()
		}
		c.brotliPool.Put(writer)
	default:
		writer := c.gzipPool.Get().(*gzip.Writer)
		writer.Reset(buf)
		if _, err = writer.Write(body); err == nil {
			err = writer.Close()
		}
		c.gzipPool.Put(writer)
	}

	if err != nil {
		return nil, err
	}

	return append([]byte(nil), buf.Bytes()...), nil
}
