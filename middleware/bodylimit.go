package middleware

import (
	"fmt"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type BodyLimitMiddleware struct {
	logger          types.Logger
	bodyLimitConfig *BodyLimitConfig
	weight          int
}

type BodyLimitConfig struct {
	MaxBodySize int `json:"max_body_size"`
}

func NewBodyLimitMiddleware(config types.ConfigManager, logger types.Logger) *BodyLimitMiddleware {
	var bodyLimitConfig = &BodyLimitConfig{
		MaxBodySize: 1 << 20,
	}

	settings := config.GetConfig().Middlewares.BodyLimit
	if settings.Params != nil {
		if err := utils.UnmarshalConfig(settings.Params, bodyLimitConfig); err != nil {
			logger.Error("Failed to unmarshal BodyLimit middleware config", zap.Error(err))
		}
	}

	return &BodyLimitMiddleware{
		logger:          logger,
		bodyLimitConfig: bodyLimitConfig,
		weight:          settings.Weight,
	}
}

func (bl *BodyLimitMiddleware) Name() string { return "body-limit" }
func (bl *BodyLimitMiddleware) Weight() int  { return bl.weight }

func (bl *BodyLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	limit := bl.bodyLimitConfig.MaxBodySize

	if limit > 0 && (ctx.Request.Header.ContentLength() > limit || len(ctx.PostBody()) > limit) {
		bl.logger.Warn("Request body too large",
			zap.ByteString("path", ctx.Path()),
			zap.Int("limit", limit))

		ctx.SetConnectionClose()
		utils.WriteJSONError(ctx, fasthttp.StatusRequestEntityTooLarge,
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", limit))
		return
	}

	next(ctx)
}
