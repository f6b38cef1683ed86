package models

import (
	"time"
)

// Donation 一笔已完成的捐款（记录库donations表）
// payment_intent_id是天然的幂等键，同一支付事件重复投递不会产生第二条记录
type Donation struct {
	ID                string    `json:"id"`
	PaymentIntentID   string    `json:"payment_intent_id"`
	CheckoutSessionID string    `json:"checkout_session_id"`
	StripeCustomerID  string    `json:"stripe_customer_id"`
	Amount            float64   `json:"amount"` // 主货币单位（元/美元），由分转换而来
	Currency          string    `json:"currency"`
	PaidAt            time.Time `json:"paid_at"`
	Recurring         bool      `json:"recurring"`
	SubscriptionID    string    `json:"subscription_id"`
	Status            string    `json:"status"` // paid, unpaid, no_payment_required
	DonorID           string    `json:"donor_id"`
	Email             string    `json:"email"`
	Organization      string    `json:"organization"`
	BillingCity       string    `json:"billing_city"`
	BillingCountry    string    `json:"billing_country"`
}
