package iyzico

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hackgods/clinic-appointments/internal/payment"
)

// fields is a decoded response with keys folded to lowercase and underscores
// removed, so paymentId and payment_id read the same.
type fields map[string]any

func (f fields) str(key string) string {
	return stringify(f[key])
}

func (f fields) list(key string) []any {
	v, _ := f[key].([]any)
	return v
}

func fold(key string) string {
	return strings.ToLower(strings.ReplaceAll(key, "_", ""))
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

// decode accepts a JSON object or a JSON string holding one.
func decode(raw []byte) (fields, error) {
	var v any
	for depth := 0; depth < 3; depth++ {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}

		switch t := v.(type) {
		case map[string]any:
			return foldMap(t), nil
		case string:
			raw = []byte(t)
			continue
		default:
			return nil, fmt.Errorf("unexpected json %T", v)
		}
	}
	return nil, fmt.Errorf("json nested too deeply")
}

func foldMap(m map[string]any) fields {
	out := make(fields, len(m))
	for k, v := range m {
		out[fold(k)] = v
	}
	return out
}

// Normalize turns a checkout form detail response into a payment.Result.
// Unrecognizable bodies become Malformed.
func Normalize(raw []byte) (res payment.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = payment.Malformed{Reason: fmt.Sprintf("normalize panic: %v", r), Raw: string(raw)}
		}
	}()

	f, err := decode(raw)
	if err != nil {
		return payment.Malformed{Reason: err.Error(), Raw: string(raw)}
	}

	switch strings.ToLower(f.str("status")) {
	case "success":
		return success(f)
	case "failure":
		return payment.Failure{
			Code:           f.str("errorcode"),
			Message:        f.str("errormessage"),
			ConversationID: f.str("conversationid"),
			BasketID:       f.str("basketid"),
		}
	case "":
		return payment.Malformed{Reason: "response has no status", Raw: string(raw)}
	default:
		return payment.Malformed{Reason: "unknown status " + strconv.Quote(f.str("status")), Raw: string(raw)}
	}
}

func success(f fields) payment.Result {
	paymentStatus := f.str("paymentstatus")
	if paymentStatus == "" {
		if items := f.list("itemtransactions"); len(items) > 0 {
			if first, ok := items[0].(map[string]any); ok {
				paymentStatus = foldMap(first).str("transactionstatus")
			}
		}
	}

	if strings.EqualFold(paymentStatus, "FAILURE") {
		msg := f.str("errormessage")
		if msg == "" {
			msg = "payment status FAILURE"
		}
		return payment.Failure{
			Code:           f.str("errorcode"),
			Message:        msg,
			ConversationID: f.str("conversationid"),
			BasketID:       f.str("basketid"),
		}
	}

	installment, _ := strconv.Atoi(f.str("installment"))

	return payment.Success{
		PaymentID:      f.str("paymentid"),
		ConversationID: f.str("conversationid"),
		BasketID:       f.str("basketid"),
		PaymentMethod:  paymentMethod(f),
		Price:          f.str("price"),
		PaidPrice:      f.str("paidprice"),
		FraudStatus:    f.str("fraudstatus"),
		Installment:    installment,
	}
}

func paymentMethod(f fields) string {
	if t := f.str("cardtype"); t != "" {
		if a := f.str("cardassociation"); a != "" {
			return t + " " + a
		}
		return t
	}
	return "CARD"
}

func parseInitialize(raw []byte) (*payment.CheckoutSession, error) {
	f, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckoutRejected, err)
	}

	if !strings.EqualFold(f.str("status"), "success") {
		msg := f.str("errormessage")
		if msg == "" {
			msg = "no error message"
		}
		if code := f.str("errorcode"); code != "" {
			msg += " (code " + code + ")"
		}
		return nil, fmt.Errorf("%w: %s", ErrCheckoutRejected, msg)
	}

	content := f.str("checkoutformcontent")
	if content == "" {
		content = f.str("content")
	}

	return &payment.CheckoutSession{
		Token:   f.str("token"),
		Content: content,
		PageURL: f.str("paymentpageurl"),
	}, nil
}
