package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shanju/donation-ingest/utils"
)

// DonationInput 一笔捐款的写入参数，金额保持处理方原始的分单位
type DonationInput struct {
	PaymentIntentID   string
	CheckoutSessionID string
	StripeCustomerID  string
	AmountCents       int64
	Currency          string
	PaidAt            time.Time
	Recurring         bool
	SubscriptionID    string
	Status            string
	Email             string
	Organization      string
	BillingCity       string
	BillingCountry    string
}

// MinorToMajor 分转元，整个系统只在捐款落库这一处做单位转换
func MinorToMajor(cents int64) float64 {
	return float64(cents) / 100
}

// DonationRecorder 捐款落库器
// 以payment_intent_id做幂等键：先查后建，重复投递返回已有记录
// 查建之间存在竞态窗口（记录库无事务），以记录库侧唯一性约束兜底，
// 残余风险按已知可接受处理
type DonationRecorder struct {
	store RecordStore
	table string
}

// NewDonationRecorder 创建捐款落库器
func NewDonationRecorder(store RecordStore, table string) *DonationRecorder {
	return &DonationRecorder{store: store, table: table}
}

// Record 幂等写入一笔捐款，返回记录ID和是否新建
// 写入失败必须上抛，由webhook层返回失败让处理方重投，重投会被幂等检查吸收
func (r *DonationRecorder) Record(ctx context.Context, donorID string, in DonationInput) (string, bool, error) {
	// 没有幂等键的事件属于坏数据，重投也救不回来，按校验错误拒绝
	if in.PaymentIntentID == "" {
		return "", false, fmt.Errorf("%w: missing payment intent id", utils.ErrValidation)
	}
	if donorID == "" {
		return "", false, fmt.Errorf("%w: missing donor id", utils.ErrValidation)
	}

	// 幂等检查：同一个payment intent只允许一条捐款
	existing, err := r.store.FindFirst(ctx, r.table, "payment_intent_id", in.PaymentIntentID)
	if err != nil {
		return "", false, fmt.Errorf("lookup donation: %w", err)
	}
	if existing != nil {
		log.Printf("Donation for %s already recorded as %s, skipping duplicate", in.PaymentIntentID, existing.ID)
		return existing.ID, false, nil
	}

	fields := map[string]interface{}{
		"payment_intent_id":   in.PaymentIntentID,
		"checkout_session_id": in.CheckoutSessionID,
		"amount":              MinorToMajor(in.AmountCents),
		"currency":            in.Currency,
		"paid_at":             in.PaidAt.UTC().Format(time.RFC3339),
		"recurring":           in.Recurring,
		"status":              in.Status,
		"donor":               []string{donorID},
		"email":               in.Email,
	}
	if in.StripeCustomerID != "" {
		fields["stripe_customer_id"] = in.StripeCustomerID
	}
	if in.SubscriptionID != "" {
		fields["subscription_id"] = in.SubscriptionID
	}
	if in.Organization != "" {
		fields["organization"] = in.Organization
	}
	if in.BillingCity != "" {
		fields["billing_city"] = in.BillingCity
	}
	if in.BillingCountry != "" {
		fields["billing_country"] = in.BillingCountry
	}

	record, err := r.store.Create(ctx, r.table, fields)
	if err != nil {
		return "", false, fmt.Errorf("create donation: %w", err)
	}
	log.Printf("Recorded donation %s for intent %s, amount %.2f %s",
		record.ID, in.PaymentIntentID, MinorToMajor(in.AmountCents), in.Currency)
	return record.ID, true, nil
}
