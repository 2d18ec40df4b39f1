package profile

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/SafeScanQR/SafeScanQR/internal/activation"
	"github.com/SafeScanQR/SafeScanQR/internal/common/auth"
	"github.com/SafeScanQR/SafeScanQR/internal/common/config"
	"github.com/SafeScanQR/SafeScanQR/internal/common/logger"
	"github.com/SafeScanQR/SafeScanQR/internal/common/server"
	"github.com/go-chi/chi/v5"
)

// Handler 档案相关 HTTP 入口。
type Handler struct {
	svc     *Service
	authCfg config.AuthConfig
	log     logger.Logger
}

func NewHandler(svc *Service, authCfg config.AuthConfig, log logger.Logger) *Handler {
	return &Handler{svc: svc, authCfg: authCfg, log: log}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/profiles", h.register)
	r.Post("/api/profiles/verify-mobile", h.verifyMobile)
}

type registerRequest struct {
	FullName string `json:"full_name"`
	Mobile   string `json:"mobile"`
	Email    string `json:"email"`

	Contacts []struct {
		Name     string `json:"name"`
		Phone    string `json:"phone"`
		Relation string `json:"relation"`
	} `json:"contacts"`

	BloodGroup           string `json:"blood_group"`
	Allergies            string `json:"allergies"`
	MedicalConditions    string `json:"medical_conditions"`
	EmergencyInstruction string `json:"emergency_instruction"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	in := RegisterInput{
		FullName:             req.FullName,
		Mobile:               req.Mobile,
		Email:                req.Email,
		BloodGroup:           req.BloodGroup,
		Allergies:            req.Allergies,
		MedicalConditions:    req.MedicalConditions,
		EmergencyInstruction: req.EmergencyInstruction,
	}
	for _, c := range req.Contacts {
		in.Contacts = append(in.Contacts, ContactInput{Name: c.Name, Phone: c.Phone, Relation: c.Relation})
	}

	p, err := h.svc.Register(r.Context(), in)
	if err != nil {
		if activation.IsPrecondition(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if h.log != nil {
			h.log.Errorf("register profile failed: %v", err)
		}
		writeError(w, http.StatusInternalServerError, "failed to register profile")
		return
	}

	// 开发环境直接签发 access token；生产由外部身份源下发
	resp := map[string]any{"id": p.ID}
	if token, _, err := auth.GenerateAccessToken(h.authCfg, p.ID, []string{"user"}, 24*time.Hour); err == nil {
		resp["access_token"] = token
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) verifyMobile(w http.ResponseWriter, r *http.Request) {
	ai, ok := server.AuthFromContext(r.Context())
	if !ok || ai.Subject == "" {
		writeError(w, http.StatusUnauthorized, "authorization token required")
		return
	}

	if err := h.svc.VerifyMobile(r.Context(), ai.Subject); err != nil {
		if errors.Is(err, activation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		if h.log != nil {
			h.log.Errorf("verify mobile failed profile=%s: %v", ai.Subject, err)
		}
		writeError(w, http.StatusInternalServerError, "failed to verify mobile")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
