package models

// Sponsorship 记录库中的长期捐助记录（sponsorships表）
// 对账时以stripe_subscription_id与支付处理方的订阅账本做关联
type Sponsorship struct {
	ID                   string  `json:"id"`
	StripeSubscriptionID string  `json:"stripe_subscription_id"`
	Status               string  `json:"status"` // active, past_due, canceled...
	MonthlyAmount        float64 `json:"monthly_amount"`
	Currency             string  `json:"currency"`
	DonorID              string  `json:"donor_id"`
}
