package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/shanju/donation-ingest/models"
)

// EmailSender 邮件发送方，实现方自己保证网络细节
type EmailSender interface {
	Send(ctx context.Context, toAddress, toName, subject, htmlBody string) error
}

// EmailConfig 发信配置（ZeptoMail HTTP API）
type EmailConfig struct {
	APIURL   string // 例如 https://api.zeptomail.com/v1.1/email
	APIKey   string
	From     string
	FromName string
}

// ZeptoMailSender 通过ZeptoMail HTTP API发送HTML邮件
type ZeptoMailSender struct {
	config     EmailConfig
	httpClient *http.Client
}

// NewZeptoMailSender 创建发信客户端
func NewZeptoMailSender(config EmailConfig) *ZeptoMailSender {
	return &ZeptoMailSender{
		config: config,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type emailRecipient struct {
	Email emailAddress `json:"email_address"`
}

type emailRequest struct {
	From     emailAddress     `json:"from"`
	To       []emailRecipient `json:"to"`
	Subject  string           `json:"subject"`
	HTMLBody string           `json:"htmlbody"`
}

// Send 发送一封HTML邮件
func (s *ZeptoMailSender) Send(ctx context.Context, toAddress, toName, subject, htmlBody string) error {
	payload := emailRequest{
		From:     emailAddress{Address: s.config.From, Name: s.config.FromName},
		To:       []emailRecipient{{Email: emailAddress{Address: toAddress, Name: toName}}},
		Subject:  subject,
		HTMLBody: htmlBody,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email payload: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("build email request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", s.config.APIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("email API returned %s: %s", resp.Status, body)
	}
	return nil
}

// ReceiptInput 回执邮件需要的信息
type ReceiptInput struct {
	DonorID    string
	DonationID string
	Email      string
	Name       string
	Amount     float64 // 主货币单位
	Currency   string
	Recurring  bool
	PaidAt     time.Time
}

// NotificationDispatcher 回执通知分发器
// 发信失败和通信记录写入失败是两个独立的故障域：
// 发信失败记一条Failed状态的通信记录，写入失败只记日志，
// 任何一种失败都不回滚、不上抛——捐款已经落库，通知只是尽力而为
type NotificationDispatcher struct {
	store  RecordStore
	table  string
	sender EmailSender
}

// NewNotificationDispatcher 创建通知分发器
func NewNotificationDispatcher(store RecordStore, table string, sender EmailSender) *NotificationDispatcher {
	return &NotificationDispatcher{store: store, table: table, sender: sender}
}

// SendReceipt 发送感谢回执并留痕，永远不返回错误
// 返回通信记录状态（Sent/Failed），仅供日志和测试
func (d *NotificationDispatcher) SendReceipt(ctx context.Context, in ReceiptInput) string {
	subject, body := buildReceipt(in)

	comm := models.Communication{
		DonorID:    in.DonorID,
		DonationID: in.DonationID,
		Subject:    subject,
		Body:       body,
		Status:     models.CommunicationSent,
		SentAt:     time.Now().UTC(),
	}
	if err := d.sender.Send(ctx, in.Email, in.Name, subject, body); err != nil {
		log.Printf("Receipt email to %s failed: %v", in.Email, err)
		comm.Status = models.CommunicationFailed
	}

	fields := map[string]interface{}{
		"donor":    []string{comm.DonorID},
		"donation": []string{comm.DonationID},
		"subject":  comm.Subject,
		"body":     comm.Body,
		"status":   comm.Status,
		"sent_at":  comm.SentAt.Format(time.RFC3339),
	}
	if _, err := d.store.Create(ctx, d.table, fields); err != nil {
		// 留痕失败只记日志，不影响请求结果
		log.Printf("Failed to save communication record for donation %s: %v", in.DonationID, err)
	}

	return comm.Status
}

// buildReceipt 生成回执邮件的主题和正文
func buildReceipt(in ReceiptInput) (string, string) {
	amount := fmt.Sprintf("%.2f %s", in.Amount, strings.ToUpper(in.Currency))
	subject := fmt.Sprintf("Thank you for your donation of %s", amount)

	var b strings.Builder
	name := in.Name
	if name == "" {
		name = "Friend"
	}
	b.WriteString(fmt.Sprintf("<p>Dear %s,</p>", name))
	b.WriteString(fmt.Sprintf("<p>We received your donation of <strong>%s</strong> on %s.</p>",
		amount, in.PaidAt.Format("January 2, 2006")))
	if in.Recurring {
		b.WriteString("<p>This is a recurring sponsorship. Thank you for your ongoing support!</p>")
	}
	b.WriteString("<p>This message serves as your receipt.</p>")
	return subject, b.String()
}
