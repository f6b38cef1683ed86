package models

import (
	"time"
)

// 不一致类型
const (
	MismatchMissingInStore     = "missing_in_store"
	MismatchMissingInProcessor = "missing_in_processor"
	MismatchStatus             = "status_mismatch"
	MismatchAmount             = "amount_mismatch"
)

// Mismatch 一条对账差异
type Mismatch struct {
	Kind           string `json:"kind"`
	SubscriptionID string `json:"subscription_id"`
	ProcessorValue string `json:"processor_value,omitempty"`
	StoreValue     string `json:"store_value,omitempty"`
}

// ReconciliationReport 一次对账的结果，只在内存中存在，不落库
type ReconciliationReport struct {
	ProcessorTotal int        `json:"processor_total"`
	StoreTotal     int        `json:"store_total"`
	Mismatches     []Mismatch `json:"mismatches"`
	CheckedAt      time.Time  `json:"checked_at"`
}

// Healthy 没有任何差异时视为健康
func (r *ReconciliationReport) Healthy() bool {
	return len(r.Mismatches) == 0
}
