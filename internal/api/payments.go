package api

import (
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointments/internal/apperr"
	"github.com/hackgods/clinic-appointments/internal/payment"
)

func (h *handlers) listPayments(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := paging(w, r)
	if !ok {
		return
	}

	list, err := h.payments.List(r.Context(), mustActor(r), limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := make([]PaymentResponse, 0, len(list))
	for _, p := range list {
		resp = append(resp, toPayment(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) getPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_payment_id")
	if !ok {
		return
	}

	p, err := h.payments.Get(r.Context(), mustActor(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayment(*p))
}

func (h *handlers) initPayment(w http.ResponseWriter, r *http.Request) {
	var req InitPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	apptID, err := uuid.Parse(req.AppointmentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointment_id must be a valid UUID")
		return
	}

	res, err := h.payments.InitiateCheckout(r.Context(), mustActor(r), payment.InitInput{
		AppointmentID: apptID,
		Amount:        req.Amount,
		ClientIP:      clientIP(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, CheckoutResponse{
		PaymentID:           res.PaymentID,
		Token:               res.Token,
		CheckoutFormContent: res.Content,
		PaymentPageURL:      res.PageURL,
	})
}

func (h *handlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_payment_id")
	if !ok {
		return
	}

	var req VerifyPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	outcome, err := h.payments.Verify(r.Context(), mustActor(r), id, req.Token)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVerify(*outcome))
}

// paymentCallback is where the gateway sends the buyer's browser. It always
// answers with a redirect to the frontend.
func (h *handlers) paymentCallback(w http.ResponseWriter, r *http.Request) {
	token := callbackToken(w, r)

	outcome, err := h.payments.HandleCallback(r.Context(), token)
	if err != nil {
		msg := "payment could not be verified"
		if e, ok := apperr.From(err); ok {
			msg = e.Message
		}
		h.log.Warn("payment callback not applied",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Bool("has_token", token != ""),
			zap.Error(err),
		)
		h.redirect(w, r, "/payment/callback", url.Values{
			"token":  {token},
			"status": {"error"},
			"error":  {msg},
		})
		return
	}

	if outcome.Succeeded() {
		h.redirect(w, r, "/patient-panel", url.Values{
			"payment_success": {"true"},
			"payment_id":      {outcome.PaymentID.String()},
		})
		return
	}

	h.redirect(w, r, "/payment/callback", url.Values{
		"token":  {token},
		"status": {"failed"},
		"error":  {outcome.Message},
	})
}

func (h *handlers) redirect(w http.ResponseWriter, r *http.Request, path string, q url.Values) {
	http.Redirect(w, r, h.frontendURL+path+"?"+q.Encode(), http.StatusFound)
}

// callbackToken reads the token from a form post, a JSON body or the query string.
func callbackToken(w http.ResponseWriter, r *http.Request) string {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if r.Method == http.MethodPost && ct == "application/json" {
		var body VerifyPaymentRequest
		if err := decodeJSON(w, r, &body); err == nil && strings.TrimSpace(body.Token) != "" {
			return strings.TrimSpace(body.Token)
		}
	}
	// ParseForm failures leave the query values in place
	_ = r.ParseForm()
	return strings.TrimSpace(r.Form.Get("token"))
}
