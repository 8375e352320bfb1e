package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"fedmail/node/internal/domain"
)

// ServerConfig HTTP 服务器监听配置
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// NodeConfig 节点核心配置
type NodeConfig struct {
	Domain        string   // 本节点负责的邮件域
	DirectoryURL  string   // 目录服务地址
	GatewayURL    string   // 外部网关地址，留空表示禁用网关逃逸
	Token         string   // 节点在目录中登记的凭据引用
	Permissioned  bool     // 许可模式：仅托管人可登记用户
	Custodians    []string // 托管人身份列表
	NodeID        string   // 节点自身身份，附在出站调用上
	SigningSeed   string   // 网关签名种子（hex，32 字节），留空随机生成
	LogVisibility string   // 日志可见性: public / controllers
	Version       string
}

// SMTPConfig SMTP 接收服务配置
type SMTPConfig struct {
	Enabled  bool
	BindAddr string // 监听地址，格式 "host:port"，默认 ":25"
}

// CORSConfig 跨域资源共享配置
type CORSConfig struct {
	AllowedOrigins []string // "*" 表示允许所有来源
}

// LogConfig 日志系统配置
type LogConfig struct {
	Level       string // debug, info, warn, error
	Development bool
	File        string // 留空仅输出到控制台
}

// RedisConfig Redis 计量后端配置
type RedisConfig struct {
	Enabled  bool   // 关闭时使用进程内计量
	Address  string // 默认 "localhost:6379"
	Password string
	DB       int
}

// JWTConfig JWT 认证配置
type JWTConfig struct {
	Secret        string        // 签名密钥，至少 32 字符
	Issuer        string        // 默认 "fedmail"
	AccessExpiry  time.Duration // 默认 15 分钟
	RefreshExpiry time.Duration // 默认 7 天
}

// Config 系统配置根结构体
type Config struct {
	Server ServerConfig
	Node   NodeConfig
	SMTP   SMTPConfig
	CORS   CORSConfig
	Log    LogConfig
	Redis  RedisConfig
	JWT    JWTConfig
}

// NodeConfiguration 把配置折叠为核心使用的节点配置对象。
func (c *Config) NodeConfiguration() *domain.NodeConfiguration {
	custodians := make([]domain.Principal, 0, len(c.Node.Custodians))
	for _, cu := range c.Node.Custodians {
		custodians = append(custodians, domain.Principal(cu))
	}
	return &domain.NodeConfiguration{
		Domain:           c.Node.Domain,
		DirectoryAddress: c.Node.DirectoryURL,
		Token:            c.Node.Token,
		Permissioned:     c.Node.Permissioned,
		GatewayURL:       c.Node.GatewayURL,
		Custodians:       custodians,
		LogVisibility:    c.Node.LogVisibility,
		Version:          c.Node.Version,
	}
}

// Load 从环境变量和 .env 文件加载配置。
//
// 加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: FEDMAIL_
// 例如: FEDMAIL_NODE_DOMAIN, FEDMAIL_JWT_SECRET
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("fedmail")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("node.domain", "")
	viper.SetDefault("node.directory_url", "")
	viper.SetDefault("node.gateway_url", "")
	viper.SetDefault("node.token", "")
	viper.SetDefault("node.permissioned", true)
	viper.SetDefault("node.custodians", "")
	viper.SetDefault("node.node_id", "")
	viper.SetDefault("node.signing_seed", "")
	viper.SetDefault("node.log_visibility", "controllers")
	viper.SetDefault("node.version", "dev")
	viper.SetDefault("smtp.enabled", false)
	viper.SetDefault("smtp.bind_addr", ":25")
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.issuer", "fedmail")
	viper.SetDefault("jwt.access_expiry", "15m")
	viper.SetDefault("jwt.refresh_expiry", "168h")

	nodeDomain := strings.ToLower(viper.GetString("node.domain"))
	if nodeDomain == "" {
		return nil, fmt.Errorf("node.domain must not be empty")
	}
	if _, err := domain.ValidateDomain(nodeDomain); err != nil {
		return nil, fmt.Errorf("invalid node.domain: %w", err)
	}

	custodians := parseList(viper.GetString("node.custodians"))
	if len(custodians) == 0 {
		return nil, fmt.Errorf("node.custodians must not be empty")
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	accessExpiry, err := time.ParseDuration(viper.GetString("jwt.access_expiry"))
	if err != nil {
		accessExpiry = 15 * time.Minute
	}
	refreshExpiry, err := time.ParseDuration(viper.GetString("jwt.refresh_expiry"))
	if err != nil {
		refreshExpiry = 7 * 24 * time.Hour
	}

	jwtSecret := viper.GetString("jwt.secret")
	// 安全检查：禁止默认密钥，且长度必须足够
	if jwtSecret == "change-me-in-production" {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret cannot be the default value. Please set FEDMAIL_JWT_SECRET environment variable")
	}
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	nodeID := viper.GetString("node.node_id")
	if nodeID == "" {
		nodeID = "node." + nodeDomain
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Node: NodeConfig{
			Domain:        nodeDomain,
			DirectoryURL:  viper.GetString("node.directory_url"),
			GatewayURL:    viper.GetString("node.gateway_url"),
			Token:         viper.GetString("node.token"),
			Permissioned:  viper.GetBool("node.permissioned"),
			Custodians:    custodians,
			NodeID:        nodeID,
			SigningSeed:   viper.GetString("node.signing_seed"),
			LogVisibility: viper.GetString("node.log_visibility"),
			Version:       viper.GetString("node.version"),
		},
		SMTP: SMTPConfig{
			Enabled:  viper.GetBool("smtp.enabled"),
			BindAddr: viper.GetString("smtp.bind_addr"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		Redis: RedisConfig{
			Enabled:  viper.GetBool("redis.enabled"),
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:        jwtSecret,
			Issuer:        viper.GetString("jwt.issuer"),
			AccessExpiry:  accessExpiry,
			RefreshExpiry: refreshExpiry,
		},
	}

	return cfg, nil
}

// parseList 将逗号分隔的字符串解析为切片，去除空白项。
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件。文件不存在时静默跳过，
// 已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}
	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
