package api

import (
	"net/http"
)

func (h *handlers) getPriceSetting(w http.ResponseWriter, r *http.Request) {
	setting, err := h.pricing.Setting(r.Context(), mustActor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPriceSetting(*setting))
}

func (h *handlers) updatePriceSetting(w http.ResponseWriter, r *http.Request) {
	var req PriceSettingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if req.HourlyRate == nil {
		writeError(w, http.StatusBadRequest, "invalid_hourly_rate", "hourly_rate is required")
		return
	}

	setting, err := h.pricing.UpdateHourlyRate(r.Context(), mustActor(r), *req.HourlyRate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPriceSetting(*setting))
}
