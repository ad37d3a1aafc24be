package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"github.com/chaz8081/birdbridge/internal/ble"
	"github.com/chaz8081/birdbridge/internal/config"
	"github.com/chaz8081/birdbridge/internal/gateway"
	"github.com/chaz8081/birdbridge/internal/handler"
	"github.com/chaz8081/birdbridge/internal/logger"
	"github.com/chaz8081/birdbridge/internal/notify"
	"github.com/chaz8081/birdbridge/internal/tracer"
	"github.com/chaz8081/birdbridge/internal/worker"
)

// CLI is the root command structure for birdbridge.
type CLI struct {
	Config  string `short:"c" help:"Path to config file (default: ~/.config/birdbridge/config.yaml)" type:"path"`
	Verbose bool   `short:"v" help:"Enable debug logging"`

	Serve ServeCmd `cmd:"" default:"withargs" help:"Run the HTTP gateway (default)"`
	Scan  ScanCmd  `cmd:"" help:"Scan for robots and print what was sighted"`
	Init  InitCmd  `cmd:"" help:"Write the default config file if none exists"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("birdbridge"),
		kong.Description("HTTP gateway between a browser programming environment and BirdBrain robots over BLE."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}

// app holds the shared services every command builds from config.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	bus     *notify.Bus
	pool    *worker.Pool
	manager *ble.Manager

	closeLog       func() error
	shutdownTracer func(context.Context) error
}

func setup(ctx context.Context, globals *CLI) (*app, error) {
	cfg, source, err := loadConfig(globals.Config)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Log, globals.Verbose)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)
	log.Info("config loaded", "source", source)

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("tracer: %w", err)
	}

	bus := notify.NewBus(log)
	pool := worker.New(cfg.Workers.Size, log)
	manager := ble.NewManager(ble.NewTinyGoAdapter(), bus, pool, ble.ManagerOptions{
		ScanDuration: cfg.Scan.Duration,
		UART: ble.UARTOptions{
			ResponseTimeout: cfg.UART.ResponseTimeout,
			WriteRate:       cfg.UART.WriteRate,
			WriteBurst:      cfg.UART.WriteBurst,
			BufferSize:      cfg.UART.BufferSize,
			MaxWrite:        cfg.UART.MaxWrite,
		},
	}, log)

	return &app{
		cfg:            cfg,
		log:            log,
		bus:            bus,
		pool:           pool,
		manager:        manager,
		closeLog:       closeLog,
		shutdownTracer: shutdownTracer,
	}, nil
}

func (rt *app) close() {
	rt.manager.Close()
	rt.bus.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.shutdownTracer(shutdownCtx); err != nil {
		rt.log.Warn("tracer shutdown", "error", err)
	}
	rt.closeLog()
}

// families returns the built-in families with config UUID overrides applied.
func families(cfg *config.Config) []handler.Family {
	var out []handler.Family
	for _, f := range []handler.Family{handler.Hummingbird(), handler.Flutter()} {
		if o, ok := cfg.Families[f.Name]; ok {
			f = f.WithOverrides(ble.UARTSettings{
				ServiceUUID:  o.ServiceUUID,
				TxCharUUID:   o.TxCharUUID,
				RxCharUUID:   o.RxCharUUID,
				RxConfigUUID: o.RxConfigUUID,
			})
		}
		out = append(out, f)
	}
	return out
}

// ServeCmd runs the gateway until interrupted.
type ServeCmd struct {
	Addr string `help:"Listen address (overrides server.addr)"`
}

func (c *ServeCmd) Run(globals *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.close()

	radio := handler.FromManager(rt.manager)
	var handlers []*handler.Handler
	var routes []gateway.FamilyHandler
	for _, f := range families(rt.cfg) {
		h := handler.New(f, radio, handler.Options{
			Sink:   rt.bus,
			Logger: rt.log,
			Breaker: handler.BreakerConfig{
				MaxFailures: rt.cfg.Breaker.MaxFailures,
				Timeout:     rt.cfg.Breaker.Timeout,
				Interval:    rt.cfg.Breaker.Interval,
			},
			ScanDuration: rt.cfg.Scan.Duration,
		})
		handlers = append(handlers, h)
		routes = append(routes, h)
	}
	defer func() {
		for _, h := range handlers {
			h.Close()
		}
	}()

	srv := gateway.New(rt.bus, rt.pool, gateway.Options{
		QueueTimeout: rt.cfg.Server.QueueTimeout,
		RateLimit:    rt.cfg.Server.RateLimit,
		Burst:        rt.cfg.Server.Burst,
		Logger:       rt.log,
	}, routes...)

	addr := rt.cfg.Server.Addr
	if c.Addr != "" {
		addr = c.Addr
	}
	printBanner(rt.cfg, addr)

	if err := srv.Start(ctx, addr); err != nil {
		return err
	}
	rt.log.Info("shutting down")
	return nil
}

// ScanCmd runs a single discovery and prints the sighted robots.
type ScanCmd struct {
	Family   string        `default:"hummingbird" enum:"hummingbird,flutter" help:"Robot family to scan for"`
	Duration time.Duration `help:"Scan duration (overrides scan.duration)"`
}

func (c *ScanCmd) Run(globals *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.close()

	var family handler.Family
	for _, f := range families(rt.cfg) {
		if f.Name == c.Family {
			family = f
		}
	}

	done := make(chan struct{}, 1)
	unsub := rt.bus.Subscribe(func(_ context.Context, ev notify.Event) {
		if ev.Kind == notify.KindDiscoverTimeout && ev.Family == family.Name {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	d := c.Duration
	if d <= 0 {
		d = rt.cfg.Scan.Duration
	}
	if !rt.manager.StartScan(ble.ScanFilter{Family: family.Name, ServiceUUID: family.ServiceUUID()}, d) {
		return fmt.Errorf("could not start scan; is Bluetooth enabled?")
	}
	fmt.Printf("Scanning for %s robots for %s...\n", family.Name, d)

	select {
	case <-done:
	case <-ctx.Done():
	}

	list := rt.manager.ListFamily(family.Name)
	if len(list) == 0 {
		fmt.Println("No robots found.")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tADVERTISED\tRSSI")
	for _, p := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", p.ID, p.Name, p.AdvertisedName, p.RSSI)
	}
	return tw.Flush()
}

// InitCmd writes the default config file.
type InitCmd struct{}

func (c *InitCmd) Run() error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. It also reports where
// the config came from.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, defaultPath, nil
	}

	return config.Default(), "defaults", nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, addr string) {
	fmt.Println("=== birdbridge ===")
	fmt.Printf("  Listen:   http://%s\n", addr)
	fmt.Printf("  Scan:     %s\n", cfg.Scan.Duration)
	fmt.Printf("  Workers:  %d\n", cfg.Workers.Size)
	fmt.Printf("  Log:      %s (%s)\n", cfg.Log.Level, cfg.Log.Format)
	fmt.Println("==================")
}
