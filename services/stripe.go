package services

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/shanju/donation-ingest/utils"
)

// ProcessorSubscription 从支付处理方拉回的订阅快照，对账只看这几个字段
type ProcessorSubscription struct {
	ID          string
	CustomerID  string
	Status      string
	AmountCents int64
	Currency    string
}

// SubscriptionLister 订阅列表拉取方，对账器只依赖这个接口
type SubscriptionLister interface {
	// ListSubscriptions 拉取since之后创建的全部订阅（含已取消）
	// 任何一页失败都整体返回错误，不返回半截数据
	ListSubscriptions(ctx context.Context, since time.Time) ([]ProcessorSubscription, error)
}

// StripeClient 支付处理方API客户端
type StripeClient struct {
	api *client.API
}

// NewStripeClient 创建支付处理方客户端
func NewStripeClient(secretKey string) *StripeClient {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeClient{api: api}
}

// ListSubscriptions 翻页拉取全部订阅
func (c *StripeClient) ListSubscriptions(ctx context.Context, since time.Time) ([]ProcessorSubscription, error) {
	params := &stripe.SubscriptionListParams{
		// 必须带上已取消的订阅，否则店内已停但处理方已取消的差异查不出来
		Status: stripe.String("all"),
	}
	params.Context = ctx
	if !since.IsZero() {
		params.CreatedRange = &stripe.RangeQueryParams{
			GreaterThanOrEqual: since.Unix(),
		}
	}

	var subs []ProcessorSubscription
	iter := c.api.Subscriptions.List(params)
	for iter.Next() {
		s := iter.Subscription()
		subs = append(subs, flattenSubscription(s))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: list subscriptions: %v", utils.ErrUpstreamUnavailable, err)
	}
	return subs, nil
}

// flattenSubscription 把处理方的订阅对象压平成对账快照
// 金额取所有订阅项的单价×数量之和，保持分单位
func flattenSubscription(s *stripe.Subscription) ProcessorSubscription {
	out := ProcessorSubscription{
		ID:       s.ID,
		Status:   string(s.Status),
		Currency: string(s.Currency),
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			qty := item.Quantity
			if qty == 0 {
				qty = 1
			}
			out.AmountCents += item.Price.UnitAmount * qty
		}
	}
	return out
}
