package routes

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/shanju/donation-ingest/models"
	"github.com/shanju/donation-ingest/services"
	"github.com/shanju/donation-ingest/utils"
)

// webhook请求体上限，防止恶意超大payload
const maxWebhookBody = 1 << 20 // 1 MiB

// webhook处理状态机
const (
	stateReceived         = "received"
	stateVerified         = "verified"
	stateDonorResolved    = "donor_resolved"
	stateDonationRecorded = "donation_recorded"
	stateNotified         = "notified"
	stateDone             = "done"
	stateRejected         = "rejected"
	stateFailed           = "failed"
)

type APIRoutes struct {
	resolver      *services.DonorResolver
	recorder      *services.DonationRecorder
	dispatcher    *services.NotificationDispatcher
	auditor       *services.ReconciliationAuditor
	webhookSecret string
	donateURL     string

	// 同一个事件可能被处理方重复投递，广播按payment intent去重
	broadcasted *dedupeLedger

	// WebSocket相关
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mutex      sync.Mutex
}

func NewAPIRoutes(resolver *services.DonorResolver, recorder *services.DonationRecorder,
	dispatcher *services.NotificationDispatcher, auditor *services.ReconciliationAuditor,
	webhookSecret, donateURL string) *APIRoutes {
	ar := &APIRoutes{
		resolver:      resolver,
		recorder:      recorder,
		dispatcher:    dispatcher,
		auditor:       auditor,
		webhookSecret: webhookSecret,
		donateURL:     donateURL,
		broadcasted:   newDedupeLedger(4096),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源的WebSocket连接
			},
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}

	// 启动WebSocket处理协程
	go ar.runWebSocketServer()

	return ar
}

// SetupRoutes 设置路由
func (ar *APIRoutes) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.POST("/webhook", ar.HandleWebhook)    // 支付处理方事件入口
		api.GET("/reconcile", ar.HandleReconcile) // 对账端点（管理侧）
	}

	// WebSocket路由，实时推送新捐款
	router.GET("/ws", ar.WebSocketHandler)

	// 捐款页二维码
	router.GET("/qrcode", ar.GenerateQRCode)

	// 健康检查
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// dedupeLedger 有界的已广播键集合
// 进程存活期内webhook会源源不断进来，集合满了按先进先出淘汰，
// 淘汰导致的重复广播由落库侧的幂等检查兜底（created=false不广播）
type dedupeLedger struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	limit int
}

func newDedupeLedger(limit int) *dedupeLedger {
	if limit < 1 {
		limit = 1
	}
	return &dedupeLedger{
		seen:  make(map[string]struct{}, limit),
		limit: limit,
	}
}

// Seen 记录key并返回之前是否已经见过
func (l *dedupeLedger) Seen(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[key]; ok {
		return true
	}
	l.seen[key] = struct{}{}
	l.order = append(l.order, key)
	if len(l.order) > l.limit {
		delete(l.seen, l.order[0])
		l.order = l.order[1:]
	}
	return false
}

// checkoutSession checkout.session.completed事件的payload
type checkoutSession struct {
	ID              string `json:"id"`
	Customer        string `json:"customer"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		Phone   string `json:"phone"`
		Address struct {
			City    string `json:"city"`
			Country string `json:"country"`
		} `json:"address"`
	} `json:"customer_details"`
	PaymentIntent string            `json:"payment_intent"`
	Subscription  string            `json:"subscription"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Mode          string            `json:"mode"` // payment / subscription
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
	Created       int64             `json:"created"`
}

// HandleWebhook 处理支付处理方webhook
// 返回码契约：签名/格式问题返回400（处理方不再重投），
// 下游故障返回500（处理方会重投，重投被幂等检查吸收），
// 处理成功或事件被忽略返回200
func (ar *APIRoutes) HandleWebhook(c *gin.Context) {
	log.Printf("====================================")
	log.Printf("开始处理支付事件")
	log.Printf("当前时间: %v", time.Now())
	log.Printf("====================================")

	state := stateReceived

	// 读取请求体，带大小上限
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	body, err := c.GetRawData()
	if err != nil {
		log.Printf("Webhook state %s -> %s: failed to read body: %v", state, stateRejected, err)
		c.String(http.StatusBadRequest, "error reading body")
		return
	}

	// 签名验证必须在任何解析之前，用原始字节验
	event, err := webhook.ConstructEventWithOptions(body, c.GetHeader("Stripe-Signature"), ar.webhookSecret,
		webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		log.Printf("Webhook state %s -> %s: signature verification failed: %v", state, stateRejected, err)
		c.String(http.StatusBadRequest, "invalid signature")
		return
	}
	state = stateVerified
	log.Printf("Webhook %s verified, type=%s", event.ID, event.Type)

	// 只有结账完成事件触发完整流程，其他已知类型确认收到即可
	if event.Type != "checkout.session.completed" {
		log.Printf("Webhook %s type %s acknowledged without processing", event.ID, event.Type)
		c.String(http.StatusOK, "ignored")
		return
	}

	var session checkoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		log.Printf("Webhook state %s -> %s: failed to parse session payload: %v", state, stateRejected, err)
		c.String(http.StatusBadRequest, "invalid payload")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	// 1. 解析捐赠人
	email := session.CustomerDetails.Email
	if email == "" {
		email = session.CustomerEmail
	}
	donorID, err := ar.resolver.Resolve(ctx, models.Donor{
		StripeCustomerID: session.Customer,
		Email:            email,
		Name:             session.CustomerDetails.Name,
		Organization:     session.Metadata["organization"],
		Phone:            session.CustomerDetails.Phone,
	})
	if err != nil {
		if errors.Is(err, utils.ErrValidation) {
			log.Printf("Webhook state %s -> %s: donor resolve rejected: %v", state, stateRejected, err)
			c.String(http.StatusBadRequest, "invalid donor data")
			return
		}
		// 记录库不可达，返回500让处理方重投
		log.Printf("Webhook state %s -> %s: donor resolve failed: %v", state, stateFailed, err)
		c.String(http.StatusInternalServerError, "error resolving donor")
		return
	}
	state = stateDonorResolved
	log.Printf("Webhook %s state -> %s, donor=%s", event.ID, state, donorID)

	// 订阅模式的结账没有payment intent，退化用session ID做幂等键
	intentID := session.PaymentIntent
	if intentID == "" {
		intentID = session.ID
	}

	// 2. 落库捐款
	donationID, created, err := ar.recorder.Record(ctx, donorID, services.DonationInput{
		PaymentIntentID:   intentID,
		CheckoutSessionID: session.ID,
		StripeCustomerID:  session.Customer,
		AmountCents:       session.AmountTotal,
		Currency:          session.Currency,
		PaidAt:            time.Unix(session.Created, 0),
		Recurring:         session.Mode == "subscription",
		SubscriptionID:    session.Subscription,
		Status:            session.PaymentStatus,
		Email:             email,
		Organization:      session.Metadata["organization"],
		BillingCity:       session.CustomerDetails.Address.City,
		BillingCountry:    session.CustomerDetails.Address.Country,
	})
	if err != nil {
		// 坏数据返回400终止重投，下游故障返回500等待重投
		if errors.Is(err, utils.ErrValidation) {
			log.Printf("Webhook state %s -> %s: donation rejected: %v", state, stateRejected, err)
			c.String(http.StatusBadRequest, "invalid donation data")
			return
		}
		log.Printf("Webhook state %s -> %s: donation record failed: %v", state, stateFailed, err)
		c.String(http.StatusInternalServerError, "error recording donation")
		return
	}
	state = stateDonationRecorded
	log.Printf("Webhook %s state -> %s, donation=%s, created=%v", event.ID, state, donationID, created)

	// 3. 通知属于尽力而为：重复投递不重发，发送失败不影响返回码
	if created && email != "" {
		ar.dispatcher.SendReceipt(ctx, services.ReceiptInput{
			DonorID:    donorID,
			DonationID: donationID,
			Email:      email,
			Name:       session.CustomerDetails.Name,
			Amount:     services.MinorToMajor(session.AmountTotal),
			Currency:   session.Currency,
			Recurring:  session.Mode == "subscription",
			PaidAt:     time.Unix(session.Created, 0),
		})
	}
	state = stateNotified
	log.Printf("Webhook %s state -> %s", event.ID, state)

	// 新捐款推给WebSocket客户端，重复投递只广播一次
	if created && !ar.broadcasted.Seen(intentID) {
		ar.BroadcastNewDonation(models.Donation{
			ID:              donationID,
			PaymentIntentID: intentID,
			Amount:          services.MinorToMajor(session.AmountTotal),
			Currency:        session.Currency,
			Recurring:       session.Mode == "subscription",
			PaidAt:          time.Unix(session.Created, 0).UTC(),
			DonorID:         donorID,
		})
	}

	state = stateDone
	log.Printf("Webhook %s handled successfully, state -> %s", event.ID, state)
	c.String(http.StatusOK, "success")
}

// HandleReconcile 跑一轮对账并返回报告
// 有差异不算请求失败：返回207表达"降级健康"，报告本身照常给出
func (ar *APIRoutes) HandleReconcile(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	var since time.Time
	if sinceStr := c.Query("since"); sinceStr != "" {
		parsed, err := time.Parse("2006-01-02", sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be YYYY-MM-DD"})
			return
		}
		since = parsed
	}
	includeDetails := c.Query("includeDetails") == "true" || c.Query("includeDetails") == "1"

	report, err := ar.auditor.Audit(ctx, since, includeDetails)
	if err != nil {
		log.Printf("Reconciliation run failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}

	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{
		"healthy": report.Healthy(),
		"report":  report,
	})
}

// GenerateQRCode 生成捐款页二维码
// 没有配置捐款页地址时这个端点不可用，返回404而不是编码空串
func (ar *APIRoutes) GenerateQRCode(c *gin.Context) {
	if ar.donateURL == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "donate url not configured"})
		return
	}

	qrBytes, err := utils.GenerateQRCode(ar.donateURL, 256)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "image/png")
	c.Writer.Write(qrBytes)
}

// runWebSocketServer 运行WebSocket服务器
func (ar *APIRoutes) runWebSocketServer() {
	log.Printf("====================================")
	log.Printf("WebSocket服务器已启动")
	log.Printf("当前时间: %v", time.Now())
	log.Printf("====================================")

	// 定期清理无效连接的定时器
	cleanupTicker := time.NewTicker(30 * time.Second)
	defer cleanupTicker.Stop()

	for {
		select {
		case client := <-ar.register:
			ar.mutex.Lock()
			ar.clients[client] = true
			clientCount := len(ar.clients)
			ar.mutex.Unlock()
			log.Printf("WebSocket客户端已连接，当前客户端数量: %d", clientCount)

		case client := <-ar.unregister:
			ar.mutex.Lock()
			if _, ok := ar.clients[client]; ok {
				delete(ar.clients, client)
				client.Close()
			}
			clientCount := len(ar.clients)
			ar.mutex.Unlock()
			log.Printf("WebSocket客户端已断开连接，当前客户端数量: %d", clientCount)

		case message := <-ar.broadcast:
			ar.mutex.Lock()
			successCount := 0
			failCount := 0
			for client := range ar.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					log.Printf("向客户端广播消息失败: %v", err)
					client.Close()
					delete(ar.clients, client)
					failCount++
				} else {
					successCount++
				}
			}
			ar.mutex.Unlock()
			log.Printf("广播完成，成功: %d, 失败: %d", successCount, failCount)

		case <-cleanupTicker.C:
			// 定期清理无效连接
			ar.cleanupInvalidConnections()
		}
	}
}

// cleanupInvalidConnections 清理无效的WebSocket连接
func (ar *APIRoutes) cleanupInvalidConnections() {
	ar.mutex.Lock()
	defer ar.mutex.Unlock()

	totalClients := len(ar.clients)
	invalidCount := 0

	for client := range ar.clients {
		// 发送ping消息测试连接是否有效
		if err := client.WriteMessage(websocket.PingMessage, nil); err != nil {
			client.Close()
			delete(ar.clients, client)
			invalidCount++
		}
	}

	if invalidCount > 0 {
		log.Printf("Cleaned up %d invalid WebSocket connections. Total clients: %d → %d",
			invalidCount, totalClients, len(ar.clients))
	}
}

// WebSocketHandler 处理WebSocket连接
func (ar *APIRoutes) WebSocketHandler(c *gin.Context) {
	conn, err := ar.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Error upgrading to WebSocket: %v", err)
		return
	}

	connID := utils.GenerateConnID()
	log.Printf("WebSocket connection %s established", connID)

	// 注册新客户端
	ar.register <- conn

	// 忽略客户端发送的消息，只处理服务器推送
	for {
		messageType, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket %s error: %v", connID, err)
			}
			break
		}

		if messageType == websocket.PingMessage {
			if err := conn.WriteMessage(websocket.PongMessage, nil); err != nil {
				break
			}
		}
	}

	// 注销客户端
	ar.unregister <- conn
}

// BroadcastNewDonation 广播新的捐款记录
func (ar *APIRoutes) BroadcastNewDonation(donation interface{}) {
	message := map[string]interface{}{
		"type":      "new_donation",
		"donation":  donation,
		"timestamp": time.Now().Unix(),
	}

	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("Error marshaling donation data: %v", err)
		return
	}

	// 发送到广播通道，没人消费时不能卡住webhook处理
	select {
	case ar.broadcast <- data:
	default:
		log.Printf("Broadcast channel full, dropping donation message")
	}
}
