package activation

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/SafeScanQR/SafeScanQR/internal/common/logger"
	"github.com/SafeScanQR/SafeScanQR/internal/common/server"
	"github.com/SafeScanQR/SafeScanQR/internal/qrassets"
	"github.com/go-chi/chi/v5"
)

// AssetFetcher 二维码图片读取（缺图是正常结果，调用方前端本地兜底渲染）。
type AssetFetcher interface {
	Fetch(token string) ([]byte, error)
}

// Handler 激活相关的 HTTP 入口。
type Handler struct {
	svc      *Service
	resolver *Resolver
	assets   AssetFetcher
	log      logger.Logger
}

func NewHandler(svc *Service, resolver *Resolver, assets AssetFetcher, log logger.Logger) *Handler {
	return &Handler{
		svc:      svc,
		resolver: resolver,
		assets:   assets,
		log:      log,
	}
}

// Routes 挂载路由。/api/* 受 JWT 中间件保护，/public/* 免鉴权。
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/activate", h.activate)
	r.Post("/api/payments/intent", h.paymentIntent)
	r.Post("/api/qr/{token}/republish", h.republish)
	r.Get("/public/resolve/{token}", h.resolve)
	r.Get("/public/qr/{token}.png", h.qrImage)
}

type activateResponse struct {
	Success          bool   `json:"success"`
	ActivationNumber int64  `json:"activationNumber"`
	IsFree           bool   `json:"isFree"`
	Token            string `json:"token"`
	AlreadyActivated bool   `json:"alreadyActivated,omitempty"`
}

func (h *Handler) activate(w http.ResponseWriter, r *http.Request) {
	ai, ok := server.AuthFromContext(r.Context())
	if !ok || ai.Subject == "" {
		writeError(w, http.StatusUnauthorized, "authorization token required")
		return
	}

	res, err := h.svc.Activate(r.Context(), ai.Subject)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			writeError(w, http.StatusNotFound, "profile not found")
		case IsPrecondition(err):
			writeError(w, http.StatusPreconditionFailed, err.Error())
		default:
			// 原子段失败：实体保持未激活，可安全重试
			if h.log != nil {
				h.log.Errorf("activation failed profile=%s: %v", ai.Subject, err)
			}
			writeError(w, http.StatusInternalServerError, "failed to complete activation")
		}
		return
	}

	writeJSON(w, http.StatusOK, activateResponse{
		Success:          true,
		ActivationNumber: res.Ordinal,
		IsFree:           res.IsFree,
		Token:            res.Token,
		AlreadyActivated: res.AlreadyActivated,
	})
}

func (h *Handler) paymentIntent(w http.ResponseWriter, r *http.Request) {
	ai, ok := server.AuthFromContext(r.Context())
	if !ok || ai.Subject == "" {
		writeError(w, http.StatusUnauthorized, "authorization token required")
		return
	}

	free, secret, err := h.svc.PaymentIntent(r.Context(), ai.Subject)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyActivated):
			writeError(w, http.StatusBadRequest, "already activated")
		case errors.Is(err, ErrCounterUnavailable):
			writeError(w, http.StatusServiceUnavailable, "please retry")
		default:
			if h.log != nil {
				h.log.Errorf("payment intent failed profile=%s: %v", ai.Subject, err)
			}
			writeError(w, http.StatusInternalServerError, "failed to create payment intent")
		}
		return
	}

	if free {
		writeJSON(w, http.StatusOK, map[string]any{"free": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clientSecret": secret})
}

// republish 重发二维码图片（首次发布失败后的补救入口）。
func (h *Handler) republish(w http.ResponseWriter, r *http.Request) {
	ai, ok := server.AuthFromContext(r.Context())
	if !ok || ai.Subject == "" {
		writeError(w, http.StatusUnauthorized, "authorization token required")
		return
	}
	token := chi.URLParam(r, "token")

	if err := h.svc.RepublishAsset(r.Context(), token); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown code")
			return
		}
		if h.log != nil {
			h.log.Errorf("republish failed token=%s: %v", token, err)
		}
		writeError(w, http.StatusInternalServerError, "failed to republish qr image")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"published": true})
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	view, err := h.resolver.Resolve(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown code")
			return
		}
		if h.log != nil {
			h.log.Errorf("resolve failed token=%s: %v", token, err)
		}
		writeError(w, http.StatusInternalServerError, "failed to resolve code")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) qrImage(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if !IsWellFormedToken(token) {
		writeError(w, http.StatusNotFound, "unknown code")
		return
	}

	png, err := h.assets.Fetch(token)
	if err != nil {
		if errors.Is(err, qrassets.ErrNotFound) {
			writeError(w, http.StatusNotFound, "image not generated yet")
			return
		}
		if h.log != nil {
			h.log.Errorf("qr image fetch failed token=%s: %v", token, err)
		}
		writeError(w, http.StatusInternalServerError, "failed to load image")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
