package utils

import (
	"github.com/valyala/fasthttp"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func setNoStoreHeaders(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	ctx.Response.Header.Set("Pragma", "no-cache")
	ctx.Response.Header.Set("Expires", "0")

	if requestID := ctx.Request.Header.Peek("X-Request-ID"); len(requestID) > 0 {
		ctx.Response.Header.SetBytesV("X-Request-ID", requestID)
	}
}

// WriteJSONError writes a non-cacheable JSON error body.
func WriteJSONError(ctx *fasthttp.RequestCtx, statusCode int, message string) {
	setNoStoreHeaders(ctx)
	ctx.SetStatusCode(statusCode)
	ctx.SetContentType("application/json")

	body, err := Marshal(errorBody{
		Error:   fasthttp.StatusMessage(statusCode),
		Message: message,
	})
	if err != nil {
		ctx.SetBodyString(`{"error":"Internal Server Error","message":"An unexpected error occurred"}`)
		return
	}

	ctx.SetBody(body)
}

func CreateErrorResponse(ctx *fasthttp.RequestCtx) {
	WriteJSONError(ctx, fasthttp.StatusInternalServerError, "An unexpected error occurred")
}

// WriteJSON writes value as a JSON body with the given status.
func WriteJSON(ctx *fasthttp.RequestCtx, statusCode int, value interface{}) {
	body, err := Marshal(value)
	if err != nil {
		CreateErrorResponse(ctx)
		return
	}

	setNoStoreHeaders(ctx)
	ctx.SetStatusCode(statusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
