package middleware

import (
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const (
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the user value holding the request ID.
	RequestIDKey = "request_id"
)

// MetadataMiddleware makes sure every request carries an X-Request-ID and
// echoes it on the response.
type MetadataMiddleware struct {
	logger         types.Logger
	metadataConfig *MetadataConfig
	weight         int
}

type MetadataConfig struct {
	GenerateRequestID bool `json:"generate_request_id"`
}

func NewMetadataMiddleware(config types.ConfigManager, logger types.Logger) *MetadataMiddleware {
	var metadataConfig = &MetadataConfig{
		GenerateRequestID: true,
	}

	settings := config.GetConfig().Middlewares.Metadata
	if settings.Params != nil {
		if err := utils.UnmarshalConfig(settings.Params, metadataConfig); err != nil {
			logger.Error("Failed to unmarshal Metadata middleware config", zap.Error(err))
		}
	}

	return &MetadataMiddleware{
		logger:         logger,
		metadataConfig: metadataConfig,
		weight:         settings.Weight,
	}
}

func (m *MetadataMiddleware) Name() string { return "metadata" }
func (m *MetadataMiddleware) Weight() int  { return m.weight }

func (m *MetadataMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	requestID := string(ctx.Request.Header.Peek(RequestIDHeader))
	if requestID == "" && m.metadataConfig.GenerateRequestID {
		requestID = uuid.NewString()
		ctx.Request.Header.Set(RequestIDHeader, requestID)
	}

	if requestID != "" {
		ctx.SetUserValue(RequestIDKey, requestID)
	}

	next(ctx)

	if requestID != "" {
		ctx.Response.Header.Set(RequestIDHeader, requestID)
	}
}
