package api

import (
	"encoding/json"

	"github.com/perlin-network/folio"
	"github.com/perlin-network/folio/log"
	"github.com/valyala/fasthttp"
)

// StatusSource is anything that can snapshot itself race-free; the
// federation implements it.
type StatusSource interface {
	Status() folio.Status
}

type Options struct {
	ListenAddr string
}

// Handler builds the fasthttp request handler serving the federation's
// status as JSON on /status.
func Handler(src StatusSource) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/status":
			body, err := json.Marshal(src.Status())
			if err != nil {
				ctx.Error("failed to encode status", fasthttp.StatusInternalServerError)
				return
			}

			ctx.SetContentType("application/json")
			ctx.SetBody(body)
		default:
			ctx.Error("not found", fasthttp.StatusNotFound)
		}
	}
}

// Run serves the status endpoint until the listener fails.
func Run(src StatusSource, opts Options) error {
	logger := log.Node()
	logger.Info().Str("addr", opts.ListenAddr).Msg("Serving the status API.")

	return fasthttp.ListenAndServe(opts.ListenAddr, Handler(src))
}
