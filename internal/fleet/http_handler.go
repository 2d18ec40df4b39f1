package fleet

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/SafeScanQR/SafeScanQR/internal/activation"
	"github.com/SafeScanQR/SafeScanQR/internal/common/logger"
	"github.com/SafeScanQR/SafeScanQR/internal/common/server"
	"github.com/go-chi/chi/v5"
)

// Handler 车队管理 HTTP 入口，全部接口要求登录（JWT 中间件放行后
// 从上下文取车主身份）。
type Handler struct {
	svc *Service
	log logger.Logger
}

func NewHandler(svc *Service, log logger.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/fleet/vehicles", h.registerVehicle)
	r.Post("/api/fleet/vehicles/qr", h.generateAll)
	r.Post("/api/fleet/vehicles/{vehicleID}/qr", h.generateOne)
	r.Post("/api/fleet/vehicles/{vehicleID}/driver", h.upsertDriver)
}

type registerVehicleRequest struct {
	VehicleNumber string `json:"vehicle_number"`
	Model         string `json:"model"`
}

func (h *Handler) registerVehicle(w http.ResponseWriter, r *http.Request) {
	ai, ok := server.AuthFromContext(r.Context())
	if !ok || ai.Subject == "" {
		writeError(w, http.StatusUnauthorized, "authorization token required")
		return
	}

	var req registerVehicleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	v, err := h.svc.RegisterVehicle(r.Context(), RegisterVehicleInput{
		OwnerProfileID: ai.Subject,
		VehicleNumber:  req.VehicleNumber,
		Model:          req.Model,
	})
	if err != nil {
		if activation.IsPrecondition(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.errorf("register vehicle failed owner=%s: %v", ai.Subject, err)
		writeError(w, http.StatusInternalServerError, "failed to register vehicle")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":             v.ID,
		"vehicle_number": v.VehicleNumber,
	})
}

func (h *Handler) generateOne(w http.ResponseWriter, r *http.Request) {
	ai, ok := server.AuthFromContext(r.Context())
	if !ok || ai.Subject == "" {
		writeError(w, http.StatusUnauthorized, "authorization token required")
		return
	}
	vehicleID := chi.URLParam(r, "vehicleID")

	token, exists, err := h.svc.GenerateVehicleQR(r.Context(), ai.Subject, vehicleID)
	if err != nil {
		switch {
		case errors.Is(err, activation.ErrNotFound):
			writeError(w, http.StatusNotFound, "vehicle not found")
		case errors.Is(err, ErrNotOwner):
			writeError(w, http.StatusForbidden, "vehicle belongs to another owner")
		case activation.IsPrecondition(err):
			writeError(w, http.StatusPreconditionFailed, err.Error())
		default:
			h.errorf("generate vehicle qr failed vehicle=%s: %v", vehicleID, err)
			writeError(w, http.StatusInternalServerError, "failed to generate vehicle qr")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":         token,
		"alreadyExists": exists,
	})
}

func (h *Handler) generateAll(w http.ResponseWriter, r *http.Request) {
	ai, ok := server.AuthFromContext(r.Context())
	if !ok || ai.Subject == "" {
		writeError(w, http.StatusUnauthorized, "authorization token required")
		return
	}

	results, err := h.svc.GenerateAllVehicleQRs(r.Context(), ai.Subject)
	if err != nil {
		h.errorf("bulk vehicle qr failed owner=%s: %v", ai.Subject, err)
		writeError(w, http.StatusInternalServerError, "failed to generate vehicle qrs")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"vehicles": results})
}

type driverRequest struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	BloodGroup string `json:"blood_group"`
	Notes      string `json:"notes"`
}

func (h *Handler) upsertDriver(w http.ResponseWriter, r *http.Request) {
	ai, ok := server.AuthFromContext(r.Context())
	if !ok || ai.Subject == "" {
		writeError(w, http.StatusUnauthorized, "authorization token required")
		return
	}
	vehicleID := chi.URLParam(r, "vehicleID")

	var req driverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	d, err := h.svc.UpsertDriver(r.Context(), ai.Subject, vehicleID, FleetDriver{
		Name:       req.Name,
		Phone:      req.Phone,
		BloodGroup: req.BloodGroup,
		Notes:      req.Notes,
	})
	if err != nil {
		switch {
		case errors.Is(err, activation.ErrNotFound):
			writeError(w, http.StatusNotFound, "vehicle not found")
		case errors.Is(err, ErrNotOwner):
			writeError(w, http.StatusForbidden, "vehicle belongs to another owner")
		case activation.IsPrecondition(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.errorf("upsert driver failed vehicle=%s: %v", vehicleID, err)
			writeError(w, http.StatusInternalServerError, "failed to save driver")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": d.ID, "name": d.Name})
}

func (h *Handler) errorf(format string, args ...interface{}) {
	if h.log != nil {
		h.log.Errorf(format, args...)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
