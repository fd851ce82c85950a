package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const (
	AlgorithmGzip   = "gzip"
	AlgorithmBrotli = "br"

	DefaultLevel        = 6
	DefaultThreshold    = 1024
	MinCompressionRatio = 0.05
)

// CompressionMiddleware encodes responses for clients that accept br or
// gzip. Bodies the upstream already encoded are left alone.
type CompressionMiddleware struct {
	logger            types.Logger
	compressionConfig *CompressionConfig
	weight            int
}

type CompressionConfig struct {
	Algorithm    string   `json:"algorithm"`
	Level        int      `json:"level"`
	Threshold    int      `json:"threshold"`
	AllowedTypes []string `json:"allowed_types"`
}

func NewCompressionMiddleware(config types.ConfigManager, logger types.Logger) *CompressionMiddleware {
	compressionConfig := &CompressionConfig{
		Algorithm: AlgorithmBrotli,
		Level:     DefaultLevel,
		Threshold: DefaultThreshold,
		AllowedTypes: []string{
			"application/json",
			"application/javascript",
			"application/manifest+json",
			"image/svg+xml",
			"text/*",
		},
	}

	settings := config.GetConfig().Middlewares.Compression
	if settings.Params != nil {
		if err := utils.UnmarshalConfig(settings.Params, compressionConfig); err != nil {
			logger.Error("Failed to unmarshal compression middleware config", zap.Error(err))
		}
	}

	if compressionConfig.Algorithm != AlgorithmGzip && compressionConfig.Algorithm != AlgorithmBrotli {
		logger.Warn("Unsupported compression algorithm, using brotli", zap.String("algorithm", compressionConfig.Algorithm))
		compressionConfig.Algorithm = AlgorithmBrotli
	}

	if compressionConfig.Level < 0 || compressionConfig.Level > 9 {
		compressionConfig.Level = DefaultLevel
	}

	return &CompressionMiddleware{
		logger:            logger,
		compressionConfig: compressionConfig,
		weight:            settings.Weight,
	}
}

func (c *CompressionMiddleware) Name() string { return "compression" }
func (c *CompressionMiddleware) Weight() int  { return c.weight }

func (c *CompressionMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	algorithm := c.negotiate(ctx.Request.Header.Peek(fasthttp.HeaderAcceptEncoding))

	next(ctx)

	if algorithm == "" || len(ctx.Response.Header.Peek(fasthttp.HeaderContentEncoding)) > 0 {
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
		c.logger.Warn("Compression failed", zap.String("algorithm", algorithm), zap.Error(err))
		return
	}

	if 1.0-float64(len(compressed))/float64(len(body)) < MinCompressionRatio {
		return
	}

	ctx.Response.SetBody(compressed)
	ctx.Response.Header.SetContentEncoding(algorithm)
	addVary(&ctx.Response.Header, fasthttp.HeaderAcceptEncoding)
}

// negotiate prefers the configured algorithm and falls back to the other
// one when only that is accepted.
func (c *CompressionMiddleware) negotiate(acceptEncoding []byte) string {
	accepted := make(map[string]bool)
	for _, part := range strings.Split(string(acceptEncoding), ",") {
		token := strings.TrimSpace(part)
		if semicolon := strings.IndexByte(token, ';'); semicolon >= 0 {
			if strings.TrimSpace(token[semicolon+1:]) == "q=0" {
				continue
			}
			token = strings.TrimSpace(token[:semicolon])
		}
		accepted[strings.ToLower(token)] = true
	}

	preferred := c.compressionConfig.Algorithm
	fallback := AlgorithmGzip
	if preferred == AlgorithmGzip {
		fallback = AlgorithmBrotli
	}

	switch {
	case accepted[preferred]:
		return preferred
	case accepted[fallback]:
		return fallback
	default:
		return ""
	}
}

func (c *CompressionMiddleware) shouldCompress(contentType []byte) bool {
	ct := strings.ToLower(string(contentType))
	if semicolon := strings.IndexByte(ct, ';'); semicolon >= 0 {
		ct = ct[:semicolon]
	}
	ct = strings.TrimSpace(ct)

	if ct == "" {
		return false
	}

	for _, allowed := range c.compressionConfig.AllowedTypes {
		if allowed == ct {
			return true
		}
		if prefix, ok := strings.CutSuffix(allowed, "*"); ok && strings.HasPrefix(ct, prefix) {
			return true
		}
	}

	return false
}

func (c *CompressionMiddleware) compress(algorithm string, data []byte) ([]byte, error) {
	var buf bytes.Buffer

	var writer io.WriteCloser
	switch algorithm {
	case AlgorithmGzip:
		gz, err := gzip.NewWriterLevel(&buf, c.compressionConfig.Level)
		if err != nil {
			return nil, err
		}
		writer = gz
	default:
		writer = brotli.NewWriterLevel(&buf, c.compressionConfig.Level)
	}

	if _, err := writer.Write(data); err != nil {
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func addVary(header *fasthttp.ResponseHeader, value string) {
	existing := string(header.Peek(fasthttp.HeaderVary))
	if existing == "" {
		header.Set(fasthttp.HeaderVary, value)
		return
	}

	for _, part := range strings.Split(existing, ",") {
		if strings.EqualFold(strings.TrimSpace(part), value) {
			return
		}
	}

	header.Set(fasthttp.HeaderVary, existing+", "+value)
}
