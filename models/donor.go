package models

// Donor 捐赠人记录（记录库donors表）
// 每个stripe_customer_id至多对应一条记录；没有customer id时以email去重
type Donor struct {
	ID               string `json:"id"` // 记录库分配的记录ID
	Name             string `json:"name"`
	Email            string `json:"email"`
	Organization     string `json:"organization"`
	Phone            string `json:"phone"`
	Address          string `json:"address"`
	StripeCustomerID string `json:"stripe_customer_id"`
}
