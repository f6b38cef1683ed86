package services

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shanju/donation-ingest/models"
)

// 金额比较容差，主货币单位，吸收分转元的浮点误差
const amountEpsilon = 0.005

// ReconciliationAuditor 对账器
// 拉出支付处理方的订阅账本和记录库的捐助记录，
// 以订阅ID做关联，找出四类不一致：
// 处理方有店内无、店内有处理方无、状态不一致、金额不一致
type ReconciliationAuditor struct {
	processor SubscriptionLister
	store     RecordStore
	table     string // sponsorships表
}

// NewReconciliationAuditor 创建对账器
func NewReconciliationAuditor(processor SubscriptionLister, store RecordStore, table string) *ReconciliationAuditor {
	return &ReconciliationAuditor{processor: processor, store: store, table: table}
}

// Audit 跑一轮对账
// since非零时两侧取同一个时间窗：处理方按订阅创建时间圈定，
// 店内按记录创建时间圈定，否则窗外的健康记录会被误报成单边缺失
// 两侧任何一次翻页失败都中止整轮并返回错误，绝不产出半截报告
// includeDetails为false时差异条目不带两侧字段值，只留类型和订阅ID
func (a *ReconciliationAuditor) Audit(ctx context.Context, since time.Time, includeDetails bool) (*models.ReconciliationReport, error) {
	subs, err := a.processor.ListSubscriptions(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("fetch processor subscriptions: %w", err)
	}

	records, err := a.store.ListAll(ctx, a.table, since)
	if err != nil {
		return nil, fmt.Errorf("fetch store sponsorships: %w", err)
	}

	report := &models.ReconciliationReport{
		ProcessorTotal: len(subs),
		StoreTotal:     len(records),
		Mismatches:     []models.Mismatch{},
		CheckedAt:      time.Now().UTC(),
	}

	// 两侧各建一张订阅ID索引
	bySubID := make(map[string]ProcessorSubscription, len(subs))
	for _, s := range subs {
		bySubID[s.ID] = s
	}
	storeByID := make(map[string]models.Sponsorship, len(records))
	for _, r := range records {
		subID := r.StringField("stripe_subscription_id")
		if subID == "" {
			continue
		}
		storeByID[subID] = models.Sponsorship{
			ID:                   r.ID,
			StripeSubscriptionID: subID,
			Status:               r.StringField("status"),
			MonthlyAmount:        r.NumberField("monthly_amount"),
			Currency:             r.StringField("currency"),
		}
	}

	for _, s := range subs {
		stored, ok := storeByID[s.ID]
		if !ok {
			report.Mismatches = append(report.Mismatches, models.Mismatch{
				Kind:           models.MismatchMissingInStore,
				SubscriptionID: s.ID,
			})
			continue
		}

		if !statusEqual(s.Status, stored.Status) {
			m := models.Mismatch{
				Kind:           models.MismatchStatus,
				SubscriptionID: s.ID,
			}
			if includeDetails {
				m.ProcessorValue = s.Status
				m.StoreValue = stored.Status
			}
			report.Mismatches = append(report.Mismatches, m)
		}

		processorAmount := MinorToMajor(s.AmountCents)
		storeAmount := stored.MonthlyAmount
		if math.Abs(processorAmount-storeAmount) > amountEpsilon {
			m := models.Mismatch{
				Kind:           models.MismatchAmount,
				SubscriptionID: s.ID,
			}
			if includeDetails {
				m.ProcessorValue = fmt.Sprintf("%.2f", processorAmount)
				m.StoreValue = fmt.Sprintf("%.2f", storeAmount)
			}
			report.Mismatches = append(report.Mismatches, m)
		}
	}

	for subID := range storeByID {
		if _, ok := bySubID[subID]; !ok {
			report.Mismatches = append(report.Mismatches, models.Mismatch{
				Kind:           models.MismatchMissingInProcessor,
				SubscriptionID: subID,
			})
		}
	}

	// map遍历顺序不稳定，按订阅ID+类型排序保证报告可复现
	sort.Slice(report.Mismatches, func(i, j int) bool {
		a, b := report.Mismatches[i], report.Mismatches[j]
		if a.SubscriptionID != b.SubscriptionID {
			return a.SubscriptionID < b.SubscriptionID
		}
		return a.Kind < b.Kind
	})

	log.Printf("Reconciliation done: %d processor subscriptions, %d store records, %d mismatches",
		report.ProcessorTotal, report.StoreTotal, len(report.Mismatches))
	return report, nil
}

// statusEqual 比较两侧订阅状态
// 处理方的细分状态归并到店内的三档：active / past_due / canceled
func statusEqual(processorStatus, storeStatus string) bool {
	return normalizeStatus(processorStatus) == normalizeStatus(storeStatus)
}

func normalizeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return "active"
	case "past_due", "unpaid", "incomplete":
		return "past_due"
	case "canceled", "cancelled", "incomplete_expired":
		return "canceled"
	default:
		return strings.ToLower(strings.TrimSpace(status))
	}
}
