package models

import (
	"time"
)

// 通信记录状态
const (
	CommunicationSent   = "Sent"
	CommunicationFailed = "Failed"
)

// Communication 一次对外通知的留痕（记录库communications表）
// 创建失败只记日志，绝不影响已落库的捐款
type Communication struct {
	ID         string    `json:"id"`
	DonorID    string    `json:"donor_id"`
	DonationID string    `json:"donation_id"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Status     string    `json:"status"` // Sent, Failed
	SentAt     time.Time `json:"sent_at"`
}
