package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shanju/donation-ingest/utils"
)

// Record 记录库中的一条记录
type Record struct {
	ID          string                 `json:"id"`
	Fields      map[string]interface{} `json:"fields"`
	CreatedTime string                 `json:"createdTime,omitempty"`
}

// StringField 读取字符串字段，缺失或类型不符时返回空串
func (r *Record) StringField(name string) string {
	if r == nil || r.Fields == nil {
		return ""
	}
	if v, ok := r.Fields[name].(string); ok {
		return v
	}
	return ""
}

// NumberField 读取数值字段
func (r *Record) NumberField(name string) float64 {
	if r == nil || r.Fields == nil {
		return 0
	}
	if v, ok := r.Fields[name].(float64); ok {
		return v
	}
	return 0
}

// RecordStore 记录库访问接口，上层组件只依赖这个接口
type RecordStore interface {
	// FindFirst 按单字段等值查询第一条记录，没有匹配时返回(nil, nil)
	FindFirst(ctx context.Context, table, field, value string) (*Record, error)
	Create(ctx context.Context, table string, fields map[string]interface{}) (*Record, error)
	Update(ctx context.Context, table, recordID string, fields map[string]interface{}) (*Record, error)
	// ListAll 翻页拉取since之后创建的记录，since为零值时拉整表
	// 内部按offset游标循环直到取完
	ListAll(ctx context.Context, table string, since time.Time) ([]Record, error)
}

// AirtableConfig 记录库配置
type AirtableConfig struct {
	BaseURL string // 默认 https://api.airtable.com
	BaseID  string
	APIKey  string // Bearer凭证
}

// AirtableClient 记录库HTTP客户端
// 每次调用先过令牌桶限流，再进重试包装，瞬时故障指数退避后重试
type AirtableClient struct {
	config   AirtableConfig
	limiter  *utils.TokenBucket
	attempts int
	// HTTP客户端连接池
	httpClient *http.Client
}

// NewAirtableClient 创建记录库客户端
func NewAirtableClient(config AirtableConfig, limiter *utils.TokenBucket, attempts int) *AirtableClient {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.airtable.com"
	}
	if attempts < 1 {
		attempts = 3
	}

	// 创建HTTP客户端连接池，单次请求硬超时
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: 15 * time.Second,
	}

	return &AirtableClient{
		config:     config,
		limiter:    limiter,
		attempts:   attempts,
		httpClient: httpClient,
	}
}

// tableURL 构建表资源地址：{base_url}/v0/{base_id}/{table}
func (c *AirtableClient) tableURL(table string) string {
	return fmt.Sprintf("%s/v0/%s/%s", strings.TrimSuffix(c.config.BaseURL, "/"),
		c.config.BaseID, url.PathEscape(table))
}

// do 发起一次记录库调用：先取一个令牌，再走重试包装
func (c *AirtableClient) do(ctx context.Context, method, rawURL string, payload, out interface{}) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return err
	}
	return utils.Retry(ctx, c.attempts, func() error {
		return c.doOnce(ctx, method, rawURL, payload, out)
	})
}

func (c *AirtableClient) doOnce(ctx context.Context, method, rawURL string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%w: marshal request: %v", utils.ErrValidation, err)
		}
		body = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", utils.ErrValidation, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// 网络层失败按上游不可用处理，由重试包装兜底
		return fmt.Errorf("%w: %v", utils.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", utils.ErrUpstreamUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: record store returned %d", utils.ErrUpstreamUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", utils.ErrNotFound, rawURL)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: record store returned %d: %s", utils.ErrValidation, resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: decode response: %v, body: %s", utils.ErrUpstreamUnavailable, err, respBody)
		}
	}
	return nil
}

// escapeFormulaValue 过滤公式注入，单引号转义
func escapeFormulaValue(v string) string {
	return strings.ReplaceAll(v, "'", "\\'")
}

type recordPage struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset"`
}

// FindFirst 按字段等值查询第一条记录
func (c *AirtableClient) FindFirst(ctx context.Context, table, field, value string) (*Record, error) {
	formula := fmt.Sprintf("{%s} = '%s'", field, escapeFormulaValue(value))

	query := url.Values{}
	query.Set("filterByFormula", formula)
	query.Set("maxRecords", "1")

	var page recordPage
	if err := c.do(ctx, http.MethodGet, c.tableURL(table)+"?"+query.Encode(), nil, &page); err != nil {
		return nil, err
	}
	if len(page.Records) == 0 {
		return nil, nil
	}
	return &page.Records[0], nil
}

// Create 创建一条记录
func (c *AirtableClient) Create(ctx context.Context, table string, fields map[string]interface{}) (*Record, error) {
	payload := map[string]interface{}{
		"fields":   fields,
		"typecast": true,
	}

	var record Record
	if err := c.do(ctx, http.MethodPost, c.tableURL(table), payload, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Update 部分更新一条记录
func (c *AirtableClient) Update(ctx context.Context, table, recordID string, fields map[string]interface{}) (*Record, error) {
	payload := map[string]interface{}{
		"fields":   fields,
		"typecast": true,
	}

	var record Record
	rawURL := c.tableURL(table) + "/" + url.PathEscape(recordID)
	if err := c.do(ctx, http.MethodPatch, rawURL, payload, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListPage 拉取一页记录，offset为空表示第一页，返回的offset为空表示取完
func (c *AirtableClient) ListPage(ctx context.Context, table, formula, offset string) ([]Record, string, error) {
	query := url.Values{}
	query.Set("pageSize", "100")
	if formula != "" {
		query.Set("filterByFormula", formula)
	}
	if offset != "" {
		query.Set("offset", offset)
	}

	var page recordPage
	if err := c.do(ctx, http.MethodGet, c.tableURL(table)+"?"+query.Encode(), nil, &page); err != nil {
		return nil, "", err
	}
	return page.Records, page.Offset, nil
}

// ListAll 按游标翻页拉取记录，since非零时只取该时刻之后创建的
// 任何一页失败都直接返回错误，不返回半截数据
func (c *AirtableClient) ListAll(ctx context.Context, table string, since time.Time) ([]Record, error) {
	formula := ""
	if !since.IsZero() {
		formula = fmt.Sprintf("NOT(IS_BEFORE(CREATED_TIME(), '%s'))", since.UTC().Format(time.RFC3339))
	}

	var all []Record
	offset := ""
	for {
		records, next, err := c.ListPage(ctx, table, formula, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
		if next == "" {
			return all, nil
		}
		offset = next
	}
}
