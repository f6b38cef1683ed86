package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	gzip "github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"

	"github.com/shanju/donation-ingest/routes"
	"github.com/shanju/donation-ingest/services"
	"github.com/shanju/donation-ingest/utils"
)

// 缺一不可的配置项，启动时校验，报错只报key名不报值
var requiredKeys = []string{
	"stripe.secret_key",
	"stripe.webhook_secret",
	"airtable.base_id",
	"airtable.api_key",
	"airtable.tables.donors",
	"airtable.tables.donations",
	"airtable.tables.communications",
	"airtable.tables.sponsorships",
	"email.api_key",
	"email.from",
}

func main() {
	// 获取当前执行文件的目录
	execDir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		log.Fatalf("Failed to get exec dir: %v", err)
	}

	// 优先从当前工作目录加载配置文件
	viper.SetConfigFile("config.yaml")
	if err := viper.ReadInConfig(); err != nil {
		// 如果当前目录找不到，再尝试从执行文件目录查找
		viper.SetConfigFile(filepath.Join(execDir, "config.yaml"))
		if err := viper.ReadInConfig(); err != nil {
			log.Fatalf("Failed to read config: %v", err)
		}
	}

	// 环境变量可以覆盖配置文件，凭证不必写进文件
	viper.SetEnvPrefix("DONATION")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// 缺少必要配置必须立刻失败，不能静默降级
	var missing []string
	for _, key := range requiredKeys {
		if viper.GetString(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		log.Fatalf("Missing required config keys: %s", strings.Join(missing, ", "))
	}

	// 记录库限流桶，整个进程共享一个
	capacity := viper.GetInt("ratelimit.capacity")
	if capacity <= 0 {
		capacity = 5
	}
	maxWait := viper.GetDuration("ratelimit.max_wait")
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	limiter := utils.NewTokenBucket(capacity, maxWait)
	limiter.Start()

	attempts := viper.GetInt("retry.attempts")
	if attempts <= 0 {
		attempts = 3
	}

	// 记录库客户端
	store := services.NewAirtableClient(services.AirtableConfig{
		BaseURL: viper.GetString("airtable.base_url"),
		BaseID:  viper.GetString("airtable.base_id"),
		APIKey:  viper.GetString("airtable.api_key"),
	}, limiter, attempts)

	// 发信客户端
	sender := services.NewZeptoMailSender(services.EmailConfig{
		APIURL:   viper.GetString("email.api_url"),
		APIKey:   viper.GetString("email.api_key"),
		From:     viper.GetString("email.from"),
		FromName: viper.GetString("email.from_name"),
	})

	// 支付处理方客户端
	stripeClient := services.NewStripeClient(viper.GetString("stripe.secret_key"))

	tables := struct {
		donors, donations, communications, sponsorships string
	}{
		donors:         viper.GetString("airtable.tables.donors"),
		donations:      viper.GetString("airtable.tables.donations"),
		communications: viper.GetString("airtable.tables.communications"),
		sponsorships:   viper.GetString("airtable.tables.sponsorships"),
	}

	resolver := services.NewDonorResolver(store, tables.donors)
	recorder := services.NewDonationRecorder(store, tables.donations)
	dispatcher := services.NewNotificationDispatcher(store, tables.communications, sender)
	auditor := services.NewReconciliationAuditor(stripeClient, store, tables.sponsorships)

	// 设置 GIN 为生产模式
	gin.SetMode(gin.ReleaseMode)

	// 初始化路由，使用自定义中间件
	router := gin.New()

	// 设置可信代理，消除安全警告
	router.SetTrustedProxies([]string{"127.0.0.1"})

	// 添加必要的中间件
	router.Use(gin.Recovery())

	// 添加gzip压缩中间件
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	// 添加安全头部和CORS中间件
	router.Use(func(c *gin.Context) {
		// 安全头部
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")

		// CORS配置
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// 处理OPTIONS请求
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	// 初始化 API 路由
	apiRoutes := routes.NewAPIRoutes(resolver, recorder, dispatcher, auditor,
		viper.GetString("stripe.webhook_secret"), viper.GetString("site.donate_url"))
	apiRoutes.SetupRoutes(router)

	// 配置 HTTP 服务器
	port := viper.GetInt("server.port")
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server running on http://localhost%s", addr)
		log.Printf("Server mode: %s", gin.Mode())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 等待退出信号，优雅停机：先停HTTP再停限流桶
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	limiter.Stop()
	log.Printf("Server stopped")
}
