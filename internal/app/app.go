package app

import (
	"context"
	"errors"
	"fmt"

	"sigtra/internal/agent"
	"sigtra/internal/backtest"
	"sigtra/internal/config"
	"sigtra/internal/logger"
	"sigtra/internal/store"
	httpapi "sigtra/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动 HTTP 与交易服务。
type App struct {
	cfg     *config.Config
	ledger  store.Ledger
	sim     *backtest.Service
	agent   *agent.Service
	http    *httpapi.Server
	Summary *StartupSummary
}

// NewApp 按配置组装应用，只建依赖不启动任何服务。
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置为空")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动全部服务并阻塞到 ctx 取消。取消带来的退出视为正常停机。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("应用未初始化")
	}

	if a.Summary != nil {
		a.Summary.Print()
	}

	defer func() {
		if a.ledger == nil {
			return
		}
		if err := a.ledger.Close(); err != nil {
			logger.Warnf("关闭存储失败: %v", err)
		}
	}()

	group, ctx := errgroup.WithContext(ctx)

	if a.sim != nil {
		a.sim.SetContext(ctx)
	}

	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}

	if a.agent != nil {
		group.Go(func() error {
			return a.agent.Run(ctx)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// LiveService 暴露底层实盘服务实例（供测试/回放工具使用），sim 模式下为 nil。
func (a *App) LiveService() *agent.Service {
	if a == nil {
		return nil
	}
	return a.agent
}

// SimService 暴露底层模拟服务实例。
func (a *App) SimService() *backtest.Service {
	if a == nil {
		return nil
	}
	return a.sim
}
