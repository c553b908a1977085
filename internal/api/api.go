// Package api exposes the reaction engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/GoodEggStudios/nice/internal/engine"
	"github.com/GoodEggStudios/nice/internal/kv"
	"github.com/GoodEggStudios/nice/internal/metrics"
	"github.com/GoodEggStudios/nice/internal/pow"
	"github.com/GoodEggStudios/nice/internal/ratelimit"
)

// Error codes returned in the "code" field.
const (
	CodeIPLimit          = "IP_LIMIT"
	CodeButtonLimit      = "BUTTON_LIMIT"
	CodePowRequired      = "POW_REQUIRED"
	CodeInvalidPow       = "INVALID_POW"
	CodeInvalidButtonID  = "INVALID_BUTTON_ID"
	CodeIPBanned         = "IP_BANNED"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeInternal         = "INTERNAL_ERROR"
)

const (
	routeNice  = "nice"
	routeCount = "count"

	maxBodyBytes = 4 << 10
)

// Reactions is the subset of *engine.Engine the handlers need.
type Reactions interface {
	RecordNice(ctx context.Context, req engine.Request) (engine.Outcome, error)
	Count(ctx context.Context, ip, fingerprint, buttonID string) (engine.CountResult, error)
}

type Router struct {
	svc Reactions
}

// NewRouter mounts the public API with request IDs, access logging and panic
// recovery.
func NewRouter(svc Reactions, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(log))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", dur).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)

	api := &Router{svc: svc}
	r.Post("/api/v1/nice/{buttonID}", api.handleNice)
	r.Get("/api/v1/nice/{buttonID}/count", api.handleCount)
	return r
}

// ---- Request / response bodies ---------------------------------------------

type niceReq struct {
	Fingerprint string        `json:"fingerprint"`
	PowSolution *pow.Solution `json:"pow_solution"`
}

type niceResp struct {
	Success bool   `json:"success"`
	Count   int64  `json:"count"`
	Reason  string `json:"reason,omitempty"`
}

type countResp struct {
	Count    int64  `json:"count"`
	ButtonID string `json:"button_id"`
	HasNiced bool   `json:"has_niced"`
}

type errorResp struct {
	Error        string         `json:"error"`
	Code         string         `json:"code"`
	PowChallenge *pow.Challenge `json:"pow_challenge,omitempty"`
}

// ---- Handlers --------------------------------------------------------------

func (rt *Router) handleNice(w http.ResponseWriter, r *http.Request) {
	buttonID := chi.URLParam(r, "buttonID")
	if !ValidButtonID(buttonID) {
		writeError(w, routeNice, http.StatusBadRequest, "Invalid button ID format", CodeInvalidButtonID)
		return
	}

	// A missing or malformed body is treated as empty.
	var body niceReq
	_ = json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body)
	if body.PowSolution != nil && body.PowSolution.Challenge == "" {
		body.PowSolution = nil
	}

	out, err := rt.svc.RecordNice(r.Context(), engine.Request{
		IP:          clientIP(r),
		Fingerprint: body.Fingerprint,
		ButtonID:    buttonID,
		Solution:    body.PowSolution,
	})
	if err != nil {
		failure(w, r, routeNice, err)
		return
	}

	switch out.Status {
	case engine.StatusCounted:
		noStore(w)
		writeJSON(w, routeNice, niceResp{Success: true, Count: out.Count}, http.StatusOK)
	case engine.StatusAlreadyCounted:
		noStore(w)
		writeJSON(w, routeNice, niceResp{Success: false, Count: out.Count, Reason: out.Reason}, http.StatusOK)
	case engine.StatusInvalidPow:
		writeError(w, routeNice, http.StatusBadRequest, out.Verdict.Error, CodeInvalidPow)
	default:
		denied(w, out.Limit)
	}
}

func (rt *Router) handleCount(w http.ResponseWriter, r *http.Request) {
	buttonID := chi.URLParam(r, "buttonID")
	if !ValidButtonID(buttonID) {
		writeError(w, routeCount, http.StatusBadRequest, "Invalid button ID format", CodeInvalidButtonID)
		return
	}

	res, err := rt.svc.Count(r.Context(), clientIP(r), r.URL.Query().Get("fp"), buttonID)
	if err != nil {
		failure(w, r, routeCount, err)
		return
	}
	noStore(w)
	writeJSON(w, routeCount, countResp{Count: res.Count, ButtonID: buttonID, HasNiced: res.HasNiced}, http.StatusOK)
}

// ---- Helpers ---------------------------------------------------------------

func denied(w http.ResponseWriter, res ratelimit.Result) {
	switch res.Reason {
	case ratelimit.ReasonIPBanned:
		writeError(w, routeNice, http.StatusForbidden, "Forbidden", CodeIPBanned)
	case ratelimit.ReasonPowRequired:
		writeJSON(w, routeNice, errorResp{
			Error:        "Proof of work required",
			Code:         CodePowRequired,
			PowChallenge: res.Challenge,
		}, http.StatusTooManyRequests)
	default:
		if res.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
		}
		code := CodeIPLimit
		if res.Reason == ratelimit.ReasonButtonLimit {
			code = CodeButtonLimit
		}
		writeError(w, routeNice, http.StatusTooManyRequests, "Rate limit exceeded", code)
	}
}

func failure(w http.ResponseWriter, r *http.Request, route string, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidButtonID):
		writeError(w, route, http.StatusBadRequest, "Invalid button ID format", CodeInvalidButtonID)
	case errors.Is(err, kv.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		hlog.FromRequest(r).Warn().Err(err).Msg("store unavailable")
		w.Header().Set("Retry-After", "1")
		writeError(w, route, http.StatusServiceUnavailable, "Service temporarily unavailable", CodeStoreUnavailable)
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		writeError(w, route, http.StatusInternalServerError, "Internal server error", CodeInternal)
	}
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

func noStore(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	h.Set("CDN-Cache-Control", "no-store")
	h.Set("Cloudflare-CDN-Cache-Control", "no-store")
}

func writeError(w http.ResponseWriter, route string, status int, msg, code string) {
	writeJSON(w, route, errorResp{Error: msg, Code: code}, status)
}

func writeJSON(w http.ResponseWriter, route string, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
	metrics.HTTPResponses.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
