// Package goofish drives the Goofish (Xianyu) web client through a real
// browser. It implements market.Adapter on top of go-rod: the seller stays
// logged in via a persistent user-data dir, and the adapter reads and writes
// the message UI the way a human operator would.
package goofish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// statusKeywords maps raw order badges and system notices seen in the UI to
// the simplified order status vocabulary the rest of the pipeline uses.
var statusKeywords = map[string]string{
	"交易成功":   "已完成",
	"去评价":    "已完成",
	"交易关闭":   "已关闭",
	"交易取消":   "已取消",
	"等待买家收货": "已发货",
	"等待卖家发货": "已付款",
	"等待买家付款": "待付款",
	"待付款":    "待付款",
	"已付款":    "已付款",
	"已发货":    "已发货",
	"已收货":    "已收货",
	"等待见面交易": "已付款",
	"退款中":    "退款中",
	"已退款":    "已退款",
}

// systemMessageKeywords marks transaction notices rendered inline with chat
// messages; they are never buyer utterances.
var systemMessageKeywords = []string{
	"我已拍下，待付款",
	"我已付款，等待你发货",
	"请双方沟通及时确认价格",
	"请包装好商品",
	"你已发货",
	"已发货，等待买家确认",
	"买家已确认收货",
	"交易成功",
	"交易关闭",
	"订单已取消",
	"退款成功",
	"申请退款",
	"你撤回了一条消息",
	"对方撤回了一条消息",
	"对方正在输入",
}

// Options configures the browser session.
type Options struct {
	URL         string
	Headless    bool
	UserDataDir string
	EnterDelay  time.Duration
	LoginWait   time.Duration
	Logger      *slog.Logger
}

// Adapter is the go-rod market.Adapter for the Goofish web client.
type Adapter struct {
	opts     Options
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	log      *slog.Logger
}

// New prepares an adapter; the browser starts on Start.
func New(opts Options) *Adapter {
	if opts.URL == "" {
		opts.URL = "https://www.goofish.com/im"
	}
	if opts.EnterDelay <= 0 {
		opts.EnterDelay = 1500 * time.Millisecond
	}
	if opts.LoginWait <= 0 {
		opts.LoginWait = 5 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{opts: opts, log: log.With("component", "goofish")}
}

// Start launches the browser, opens the message page, and blocks until the
// seller account is logged in (scanning the QR code by hand on first run).
func (a *Adapter) Start(ctx context.Context) error {
	l := launcher.New().
		Headless(a.opts.Headless).
		Set("window-size", "1280,800").
		Set("lang", "zh-CN")
	if a.opts.UserDataDir != "" {
		l = l.UserDataDir(a.opts.UserDataDir)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("goofish: launch browser: %w", err)
	}
	a.launcher = l

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("goofish: connect browser: %w", err)
	}
	a.browser = browser

	page, err := browser.Page(proto.TargetCreateTarget{URL: a.opts.URL})
	if err != nil {
		return fmt.Errorf("goofish: open page: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("goofish: load page: %w", err)
	}
	a.page = page
	a.log.Info("browser started", "url", a.opts.URL, "headless", a.opts.Headless)

	return a.waitForLogin(ctx)
}

func (a *Adapter) waitForLogin(ctx context.Context) error {
	deadline := time.Now().Add(a.opts.LoginWait)
	a.log.Info("waiting for storefront login", "timeout", a.opts.LoginWait)

	for time.Now().Before(deadline) {
		var loggedIn bool
		if err := a.eval(jsCheckLogin, &loggedIn); err != nil {
			a.log.Debug("login probe failed", "error", err)
		} else if loggedIn {
			a.log.Info("storefront login confirmed")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("goofish: login wait timed out after %s", a.opts.LoginWait)
}

// eval runs a page-side function and decodes its JSON result into out.
func (a *Adapter) eval(js string, out interface{}, args ...interface{}) error {
	res, err := a.page.Eval(js, args...)
	if err != nil {
		return fmt.Errorf("goofish: eval: %w", err)
	}
	if out == nil {
		return nil
	}
	data, err := json.Marshal(res.Value.Val())
	if err != nil {
		return fmt.Errorf("goofish: encode eval result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("goofish: decode eval result: %w", err)
	}
	return nil
}

// Close shuts the browser down.
func (a *Adapter) Close() error {
	if a.browser != nil {
		if err := a.browser.Close(); err != nil {
			return fmt.Errorf("goofish: close browser: %w", err)
		}
	}
	if a.launcher != nil {
		a.launcher.Cleanup()
	}
	return nil
}
