package services

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/shanju/donation-ingest/models"
	"github.com/shanju/donation-ingest/utils"
)

// DonorResolver 把付款人身份映射到唯一的捐赠人记录
// 匹配优先级：customer id > email > 新建，重复投递下幂等
type DonorResolver struct {
	store RecordStore
	table string
}

// NewDonorResolver 创建捐赠人解析器
func NewDonorResolver(store RecordStore, table string) *DonorResolver {
	return &DonorResolver{store: store, table: table}
}

// Resolve 找到或创建捐赠人，返回记录ID（传入的profile.ID忽略）
// 记录库重试后仍不可达时返回错误，上层必须中止本次webhook处理——
// 捐款绝不能在没有归属捐赠人的情况下落库
func (r *DonorResolver) Resolve(ctx context.Context, profile models.Donor) (string, error) {
	customerID := strings.TrimSpace(profile.StripeCustomerID)
	email := strings.ToLower(strings.TrimSpace(profile.Email))

	if customerID == "" && email == "" {
		return "", fmt.Errorf("%w: donor profile has neither customer id nor email", utils.ErrValidation)
	}

	// 1. 优先按customer id精确匹配，命中则不做任何修改
	if customerID != "" {
		record, err := r.store.FindFirst(ctx, r.table, "stripe_customer_id", customerID)
		if err != nil {
			return "", fmt.Errorf("lookup donor by customer id: %w", err)
		}
		if record != nil {
			return record.ID, nil
		}
	}

	// 2. 按email匹配；事件带customer id而存量记录缺失时回填（只补不改）
	if email != "" {
		record, err := r.store.FindFirst(ctx, r.table, "email", email)
		if err != nil {
			return "", fmt.Errorf("lookup donor by email: %w", err)
		}
		if record != nil {
			if customerID != "" && record.StringField("stripe_customer_id") == "" {
				if _, err := r.store.Update(ctx, r.table, record.ID, map[string]interface{}{
					"stripe_customer_id": customerID,
				}); err != nil {
					return "", fmt.Errorf("backfill donor customer id: %w", err)
				}
				log.Printf("Backfilled customer id %s onto donor %s", customerID, record.ID)
			}
			return record.ID, nil
		}
	}

	// 3. 两个键都没命中，新建捐赠人
	fields := map[string]interface{}{
		"email": email,
	}
	if profile.Name != "" {
		fields["name"] = profile.Name
	}
	if profile.Organization != "" {
		fields["organization"] = profile.Organization
	}
	if profile.Phone != "" {
		fields["phone"] = profile.Phone
	}
	if profile.Address != "" {
		fields["address"] = profile.Address
	}
	if customerID != "" {
		fields["stripe_customer_id"] = customerID
	}

	record, err := r.store.Create(ctx, r.table, fields)
	if err != nil {
		return "", fmt.Errorf("create donor: %w", err)
	}
	log.Printf("Created donor %s (customer_id=%s)", record.ID, customerID)
	return record.ID, nil
}
