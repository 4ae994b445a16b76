package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/notebookwing/notebookwing/config"
	"github.com/notebookwing/notebookwing/pkg/logger"
	"github.com/notebookwing/notebookwing/services/notebook"
	"github.com/notebookwing/notebookwing/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// 构建信息变量，通过 LDFLAGS 注入
var (
	Version   = "v0.1.0"
	BuildTime = ""
	GoVersion = ""
)

var (
	configPath  string
	notebookURL string
)

var rootCmd = &cobra.Command{
	Use:   "notebookwing",
	Short: "Drive NotebookLM through a real browser session",
	Long: `notebookwing automates NotebookLM through a persistent, logged-in Chrome profile.

It creates notebooks, pastes sources, generates and downloads Studio materials
and runs chat presets. Steps the page does not allow are handed to the operator
through a manual fallback prompt.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&notebookURL, "notebook", "n", "", "Open this notebook URL before running the command")

	rootCmd.AddCommand(runCmd, materialCmd, chatCmd, sourcesCmd, materialsCmd, downloadCmd, serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app 一个命令使用的配置、数据库和笔记本服务
type app struct {
	cfg *config.Config
	db  *storage.BoltDB
	svc *notebook.Service
}

// openApp 加载配置并装配服务，reg 为 nil 时不注册指标
func openApp(reg prometheus.Registerer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.InitLogger(cfg.Log)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create database directory")
	}
	db, err := storage.NewBoltDB(cfg.Database.Path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	svc, err := notebook.New(cfg, notebook.Options{Store: db, Registerer: reg})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &app{cfg: cfg, db: db, svc: svc}, nil
}

// Close 先关闭浏览器再关闭数据库
func (a *app) Close() {
	ctx := context.Background()
	if err := a.svc.Close(); err != nil {
		logger.Warn(ctx, "Failed to close browser: %v", err)
	}
	if err := a.db.Close(); err != nil {
		logger.Warn(ctx, "Failed to close database: %v", err)
	}
}

// signalContext Ctrl+C 取消正在执行的工作流
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Version: %s\n", Version)
		fmt.Fprintf(out, "Build Time: %s\n", BuildTime)
		fmt.Fprintf(out, "Go Version: %s\n", GoVersion)
	},
}
