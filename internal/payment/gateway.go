package payment

import (
	"context"
	"time"

	"github.com/hackgods/clinic-appointments/internal/money"
)

// Gateway is the hosted checkout provider as seen by the reconciler.
type Gateway interface {
	// InitializeCheckout opens a hosted checkout session for one basket.
	InitializeCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	// RetrieveCheckout fetches the outcome for a checkout token. Transport
	// problems and unreadable bodies come back as Malformed, never as a panic.
	RetrieveCheckout(ctx context.Context, token string) Result
}

type CheckoutRequest struct {
	ConversationID string
	BasketID       string
	Price          money.Amount
	Currency       string
	CallbackURL    string
	Buyer          Buyer
	Item           BasketItem
}

type Buyer struct {
	ID             string
	Name           string
	Surname        string
	Email          string
	Phone          string
	IdentityNumber string
	IP             string
	City           string
	Country        string
	Address        string
	ZipCode        string
	RegisteredAt   time.Time
	LastLoginAt    time.Time
}

type BasketItem struct {
	ID        string
	Name      string
	Category1 string
	Category2 string
	Price     money.Amount
}

type CheckoutSession struct {
	Token   string
	Content string // embeddable checkout form markup
	PageURL string
}

// Result is one of Success, Failure or Malformed.
type Result interface {
	result()
}

type Success struct {
	PaymentID      string
	ConversationID string
	BasketID       string
	PaymentMethod  string
	Price          string
	PaidPrice      string
	FraudStatus    string
	Installment    int
}

// Failure is a well formed answer saying the payment did not go through.
type Failure struct {
	Code           string
	Message        string
	ConversationID string
	BasketID       string
}

// Malformed covers bodies without a recognizable status and transport errors.
type Malformed struct {
	Reason string
	Raw    string
}

func (Success) result()   {}
func (Failure) result()   {}
func (Malformed) result() {}

func correlationKeys(r Result) (conversationID, basketID string) {
	switch v := r.(type) {
	case Success:
		return v.ConversationID, v.BasketID
	case Failure:
		return v.ConversationID, v.BasketID
	}
	return "", ""
}
