package stats

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/open-mx/openmx/cmn/nlog"
	"github.com/open-mx/openmx/core"
	"github.com/open-mx/openmx/tracing"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server is a read-only introspection surface over one core.Context: board
// enumeration, open-endpoint state, and a /metrics scrape endpoint (spec §6
// get_board_count/get_board_id exposed over the wire, plus SPEC_FULL.md
// §1.2's fasthttp domain-stack entry).
type Server struct {
	ctx            *core.Context
	metrics        *Metrics
	metricsHandler fasthttp.RequestHandler
}

func NewServer(ctx *core.Context, metrics *Metrics) *Server {
	return &Server{
		ctx:            ctx,
		metrics:        metrics,
		metricsHandler: fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})),
	}
}

// ListenAndServe blocks serving introspection requests on addr. Every
// request gets a span when tracing.Init has been called with Enabled;
// otherwise NewTraceableHandler is a pass-through.
func (s *Server) ListenAndServe(addr string) error {
	nlog.Infoln("stats: introspection server listening on", addr)
	return fasthttp.ListenAndServe(addr, tracing.NewTraceableHandler(s.Handler, "introspection"))
}

func (s *Server) Handler(rc *fasthttp.RequestCtx) {
	switch string(rc.Path()) {
	case "/metrics":
		s.metricsHandler(rc)
	case "/boards":
		s.serveBoards(rc)
	case "/endpoints":
		s.serveEndpoints(rc)
	default:
		rc.SetStatusCode(fasthttp.StatusNotFound)
	}
}

type boardView struct {
	Index uint8  `json:"index"`
	Name  string `json:"name"`
	MAC   string `json:"mac"`
}

func (s *Server) serveBoards(rc *fasthttp.RequestCtx) {
	out := make([]boardView, 0, len(s.ctx.Boards()))
	for _, b := range s.ctx.Boards() {
		out = append(out, boardView{Index: b.Index, Name: b.Name(), MAC: macString(b.MAC)})
	}
	writeJSON(rc, out)
}

type endpointView struct {
	BoardIndex uint8  `json:"board_index"`
	Index      uint8  `json:"index"`
	Status     string `json:"status"`
	SessionID  uint32 `json:"session_id"`
	Owner      string `json:"owner"`
}

func (s *Server) serveEndpoints(rc *fasthttp.RequestCtx) {
	var out []endpointView
	for _, b := range s.ctx.Boards() {
		b.ForEachEndpoint(func(ep *core.Endpoint) {
			out = append(out, endpointView{
				BoardIndex: ep.BoardIndex,
				Index:      ep.Index,
				Status:     ep.Status().String(),
				SessionID:  ep.SessionID,
				Owner:      ep.Owner,
			})
		})
	}
	writeJSON(rc, out)
}

func writeJSON(rc *fasthttp.RequestCtx, v any) {
	rc.SetContentType("application/json")
	b, err := json.Marshal(v)
	if err != nil {
		rc.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	rc.SetBody(b)
}

func macString(mac [6]byte) string {
	const hexDigits = "0123456789abcdef"
	b := make([]byte, 0, 17)
	for i, oct := range mac {
		if i > 0 {
			b = append(b, ':')
		}
		b = append(b, hexDigits[oct>>4], hexDigits[oct&0xf])
	}
	return string(b)
}
