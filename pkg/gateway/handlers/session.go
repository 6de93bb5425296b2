package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/vai-rtc/pkg/core"
	"github.com/vango-go/vai-rtc/pkg/gateway/apierror"
	"github.com/vango-go/vai-rtc/pkg/gateway/config"
	"github.com/vango-go/vai-rtc/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-rtc/pkg/gateway/mw"
	"github.com/vango-go/vai-rtc/pkg/gateway/principal"
	"github.com/vango-go/vai-rtc/pkg/gateway/upstream"
)

// SessionMinter creates provider sessions.
type SessionMinter interface {
	CreateSession(ctx context.Context, req upstream.SessionRequest) (json.RawMessage, error)
}

// SessionHandler serves GET|POST /v1/realtime/session. GET mints a session
// with the configured defaults; POST may override model, voice and
// instructions. The provider response is returned verbatim so clients read
// the credential from client_secret.value.
type SessionHandler struct {
	Config    config.Config
	Minter    SessionMinter
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
}

const defaultMaxBodyBytes = 64 << 10

type sessionOverrides struct {
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	Instructions string `json:"instructions"`
}

func (h SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		apierror.WriteError(w, http.StatusMethodNotAllowed, &core.Error{
			Type:      core.ErrInvalidRequest,
			Message:   "method not allowed",
			RequestID: reqID,
		})
		return
	}

	end, ok := h.Lifecycle.Begin()
	if !ok {
		apierror.WriteError(w, http.StatusServiceUnavailable, &core.Error{
			Type:      core.ErrAPI,
			Message:   "gateway is shutting down",
			Code:      "draining",
			RequestID: reqID,
		})
		return
	}
	defer end()

	sr := upstream.SessionRequest{
		Model:        h.Config.DefaultModel,
		Voice:        h.Config.DefaultVoice,
		Instructions: h.Config.DefaultInstructions,
	}
	if r.Method == http.MethodPost {
		overrides, err := h.decodeOverrides(w, r)
		if err != nil {
			apierror.Write(w, err, reqID)
			return
		}
		if overrides.Model != "" {
			sr.Model = overrides.Model
		}
		if overrides.Voice != "" {
			sr.Voice = overrides.Voice
		}
		if overrides.Instructions != "" {
			sr.Instructions = overrides.Instructions
		}
	}
	if !h.Config.ModelAllowed(sr.Model) {
		apierror.WriteError(w, http.StatusBadRequest, &core.Error{
			Type:      core.ErrInvalidRequest,
			Message:   "model is not allowed",
			Param:     "model",
			RequestID: reqID,
		})
		return
	}

	ctx := r.Context()
	if h.Config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Config.HandlerTimeout)
		defer cancel()
	}

	body, err := h.Minter.CreateSession(ctx, sr)
	if err != nil {
		logger.Warn("mint session failed",
			"request_id", reqID,
			"principal", principal.Resolve(r, h.Config).Key,
			"model", sr.Model,
			"error", err,
		)
		apierror.Write(w, err, reqID)
		return
	}

	logger.Info("minted session", "request_id", reqID, "model", sr.Model)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h SessionHandler) decodeOverrides(w http.ResponseWriter, r *http.Request) (sessionOverrides, error) {
	var out sessionOverrides
	limit := h.Config.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return out, core.NewInvalidRequestError("request body too large")
		}
		return out, core.NewInvalidRequestError("invalid request body: " + err.Error())
	}
	out.Model = strings.TrimSpace(out.Model)
	out.Voice = strings.TrimSpace(out.Voice)
	return out, nil
}
