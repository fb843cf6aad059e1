package pricing

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-appointments/internal/apperr"
	"github.com/hackgods/clinic-appointments/internal/money"
)

var (
	ErrSettingNotPermitted = apperr.Permission("price_setting_forbidden", "only staff can manage the price setting")
	ErrInvalidRate         = apperr.Validation("invalid_hourly_rate", "hourly rate must be greater than zero")
)

// Setting is the clinic wide hourly rate. There is exactly one row.
type Setting struct {
	HourlyRate money.Amount
	Currency   string
	UpdatedBy  *uuid.UUID
	UpdatedAt  time.Time
	Version    int64
}

// Window is the time range being priced.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}
