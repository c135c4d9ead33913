package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"filtersync/app"
	"filtersync/config"
	"filtersync/dnsserver"
	"filtersync/engine"
	"filtersync/logger"
	"filtersync/model"
	"filtersync/webapi"
)

var (
	configPath string
	workDir    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "filtersync",
		Short: "过滤规则同步与匹配服务",
		Long: `filtersync 维护一组过滤规则列表：定期从远程更新、合并用户规则与白名单，
在规则变化后去抖并重建匹配引擎，同时为 DNS 查询和 HTTP 请求提供拦截判断。`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "w", "", "工作目录（默认：当前目录）")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newCheckCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "启动服务（默认）",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newUpdateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "立即强制检查所有已启用过滤器的更新后退出",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			ctx := context.Background()
			defer a.Close(ctx)

			res, err := a.UpdateFilters(ctx, true)
			if err != nil {
				return err
			}
			a.Flush(ctx)
			fmt.Printf("checked %d, updated %d, unchanged %d, failed %d (%s)\n",
				len(res.Checked), len(res.Updated), len(res.Unchanged), len(res.Failed), res.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func newCheckCommand() *cobra.Command {
	var referrer, requestType string
	cmd := &cobra.Command{
		Use:   "check <url>",
		Short: "打印 URL 的匹配结果",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			res := a.Check(&engine.Request{
				URL:       args[0],
				SourceURL: referrer,
				Type:      model.ParseRequestType(requestType),
			})
			out := map[string]interface{}{
				"url":     args[0],
				"blocked": res.Blocked(),
			}
			if res.BasicRule != nil {
				out["rule"] = res.BasicRule
			}
			if len(res.CSPRules) > 0 {
				out["csp_rules"] = res.CSPRules
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&referrer, "referrer", "", "来源页面 URL")
	cmd.Flags().StringVar(&requestType, "type", "document", "请求类型")
	return cmd
}

// loadConfig 确定配置路径（相对路径与工作目录拼接），加载配置并初始化日志
func loadConfig() (*config.Config, error) {
	effectiveWorkDir := workDir
	if effectiveWorkDir == "" {
		var err error
		effectiveWorkDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("无法获取当前工作目录：%w", err)
		}
	}
	effectiveConfigPath := configPath
	if !filepath.IsAbs(effectiveConfigPath) {
		effectiveConfigPath = filepath.Join(effectiveWorkDir, effectiveConfigPath)
	}

	cfg, err := config.LoadConfig(effectiveConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if !filepath.IsAbs(cfg.Storage.Dir) {
		cfg.Storage.Dir = filepath.Join(effectiveWorkDir, cfg.Storage.Dir)
	}

	if err := logger.Init(cfg.Log.Options()); err != nil {
		return nil, err
	}
	logger.Infof("Config loaded from %s, log level %s", effectiveConfigPath, cfg.Log.Level)
	return cfg, nil
}

// openApp 加载配置并启动核心组件，不启动 DNS 和 Web 服务
func openApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Start(context.Background()); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func runServer() error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer logger.Close()
	cfg := a.Config()

	// 启动 DNS 服务器（可选）
	var dnsServer *dnsserver.Server
	dnsServerDone := make(chan error, 1)
	if cfg.DNS.Enabled {
		dnsServer = dnsserver.NewServer(cfg.DNS, cfg.Filtering.BlockMode, a)
		go func() {
			dnsServerDone <- dnsServer.Start()
		}()
	}

	// 启动 Web API 服务（可选）
	var webServer *webapi.Server
	if cfg.WebUI.Enabled {
		webServer = webapi.NewServer(cfg, a)
		go func() {
			if err := webServer.Start(); err != nil {
				logger.Errorf("Web API server error: %v", err)
			}
		}()
	}

	// 设置优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	dnsExited := false
	select {
	case <-quit:
	case err := <-dnsServerDone:
		dnsExited = true
		logger.Errorf("DNS server exited: %v", err)
	}

	logger.Info("Shutting down server...")

	// 先关闭 Web 服务器
	if webServer != nil {
		logger.Info("Stopping Web API server...")
		if err := webServer.Stop(); err != nil {
			logger.Errorf("Failed to stop Web API server: %v", err)
		}
	}

	if dnsServer != nil && !dnsExited {
		dnsServer.Shutdown()
		select {
		case <-dnsServerDone:
			logger.Info("DNS server stopped.")
		case <-time.After(5 * time.Second):
			logger.Warn("DNS server shutdown timeout.")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		logger.Errorf("Failed to close: %v", err)
	}

	logger.Info("Server gracefully stopped.")
	return nil
}
