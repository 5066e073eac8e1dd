package commands

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feifeigood/swiftlink/internal/api"
	"github.com/feifeigood/swiftlink/internal/config"
	"github.com/feifeigood/swiftlink/internal/dnsproxy"
	"github.com/feifeigood/swiftlink/internal/dnsproxy/caching"
	"github.com/feifeigood/swiftlink/internal/dnsproxy/rules"
	"github.com/feifeigood/swiftlink/internal/dnsproxy/upstreams"
	"github.com/feifeigood/swiftlink/internal/fakeip"
	"github.com/feifeigood/swiftlink/internal/geoip"
	"github.com/feifeigood/swiftlink/internal/log"
	"github.com/feifeigood/swiftlink/internal/proxy"
)

const apiShutdownTimeout = 5 * time.Second

func CreateServeCommand() *ServeCommand {
	return &ServeCommand{
		fs: flag.NewFlagSet("serve", flag.ExitOnError),
	}
}

// ServeCommand runs the resolver until it receives SIGINT or SIGTERM.
type ServeCommand struct {
	fs  *flag.FlagSet
	ctx *AppContext
	cfg *config.Config

	geo       *geoip.Resolver
	allocator *fakeip.Allocator
	cache     *caching.ResponseCache
	group     *upstreams.Group
	server    *dnsproxy.Server

	apiServer *api.Server
	apiRunner *RestartableRunner
}

func (s *ServeCommand) Name() string {
	return s.fs.Name()
}

func (s *ServeCommand) Init(args []string, ctx *AppContext) error {
	s.ctx = ctx

	if err := s.fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadAndValidateConfig(ctx.ConfigPath)
	if err != nil {
		return err
	}
	s.cfg = cfg

	return nil
}

func (s *ServeCommand) Run() error {
	log.Infof("Starting swiftlink %s...", s.ctx.Version)

	if err := s.buildComponents(); err != nil {
		s.teardown()
		return err
	}

	if err := s.server.Start(); err != nil {
		s.teardown()
		return err
	}

	if s.cfg.API != nil && s.cfg.API.Listen != "" {
		s.startAPI()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Infof("Received signal %v, shutting down...", sig)

	s.shutdown()
	return nil
}

// buildComponents constructs the resolver pipeline from configuration:
// GeoIP database, forward proxies, upstream group, fake-IP allocator,
// response cache, rule engine, router and listeners.
func (s *ServeCommand) buildComponents() error {
	dnsCfg := s.cfg.DNS

	if s.cfg.GeoIP != nil && s.cfg.GeoIP.Path != "" {
		geo, err := geoip.Open(s.cfg.GeoIP.Path)
		if err != nil {
			return fmt.Errorf("failed to open GeoIP database: %w", err)
		}
		s.geo = geo
	}

	dialers := make(map[string]proxy.Dialer, len(s.cfg.Proxies))
	for name, rawURL := range s.cfg.Proxies {
		dialer, err := proxy.FromURL(rawURL)
		if err != nil {
			return fmt.Errorf("failed to build proxy %q: %w", name, err)
		}
		dialers[name] = dialer
	}

	var ups []upstreams.Upstream
	for _, ns := range dnsCfg.Nameservers {
		opts := upstreams.Options{
			Priority:           ns.Priority,
			Hostname:           ns.Hostname,
			InsecureSkipVerify: ns.InsecureSkipVerify,
			Timeout:            dnsCfg.GetQueryTimeout(),
		}
		if ns.Proxy != "" {
			opts.Dialer = dialers[ns.Proxy]
		}

		up, err := upstreams.ParseUpstream(ns.URL, opts)
		if err != nil {
			return fmt.Errorf("failed to parse nameserver %q: %w", ns.URL, err)
		}
		ups = append(ups, up)
	}

	group, err := upstreams.NewGroup(ups, upstreams.GroupOptions{
		Race:             dnsCfg.Race,
		RaceServers:      dnsCfg.GetRaceServers(),
		FailureThreshold: dnsCfg.GetFailureThreshold(),
		Cooldown:         dnsCfg.GetCooldown(),
		QueryTimeout:     dnsCfg.GetQueryTimeout(),
	})
	if err != nil {
		return err
	}
	s.group = group

	fakeTTL := uint32(1)
	if fakeCfg := dnsCfg.FakeIP; fakeCfg != nil && fakeCfg.Enable {
		var store fakeip.Store
		if fakeCfg.Persist {
			store, err = fakeip.NewSqliteStore(fakeCfg.CachePath)
			if err != nil {
				return fmt.Errorf("failed to open fake IP store: %w", err)
			}
		} else {
			store = fakeip.NewMemoryStore()
		}

		allocator, err := fakeip.NewAllocator(
			fakeCfg.GetIPv4Range(),
			fakeCfg.GetIPv6Range(),
			fakeCfg.GetSize(),
			store,
			fakeCfg.Whitelist,
		)
		if err != nil {
			store.Close()
			return fmt.Errorf("failed to create fake IP allocator: %w", err)
		}
		s.allocator = allocator
		fakeTTL = fakeCfg.GetTTL()
		log.Infof("Fake IP pool: %s / %s (%d leases, persist: %v)",
			fakeCfg.GetIPv4Range(), fakeCfg.GetIPv6Range(), fakeCfg.GetSize(), fakeCfg.Persist)
	}

	if dnsCfg.Cache.GetEnable() {
		s.cache = caching.NewResponseCache(dnsCfg.Cache.GetSize())
	}

	engine := rules.NewEngine(dnsCfg.Rules, dnsCfg.GetDefaultAction(), s.geo)

	router := dnsproxy.NewRouter(dnsproxy.RouterConfig{
		FakeTTL:         fakeTTL,
		ResolveDeadline: dnsCfg.GetResolveDeadline(),
	}, engine, group, s.cache, s.allocator)

	s.server = dnsproxy.NewServer(dnsCfg.Listeners, router, s.cache)
	return nil
}

// startAPI brings up the admin API under a supervisor so an API crash
// cannot take the resolver down.
func (s *ServeCommand) startAPI() {
	handler := api.NewHandler(s.ctx.Version, s.allocator, s.cache, s.group)
	s.apiServer = api.NewServer(s.cfg.API.Listen, handler)

	s.apiRunner = NewRestartableRunner("api-server", func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- s.apiServer.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
			defer cancel()
			return s.apiServer.Stop(shutdownCtx)
		}
	})

	if err := s.apiRunner.Start(context.Background()); err != nil {
		log.Errorf("Failed to start API server: %v", err)
	}
}

func (s *ServeCommand) shutdown() {
	if s.apiRunner != nil {
		if err := s.apiRunner.Stop(); err != nil {
			log.Warnf("API server shutdown: %v", err)
		}
	}
	s.server.Stop()
	s.teardown()
	log.Infof("swiftlink stopped")
}

// teardown releases component resources in reverse construction order.
func (s *ServeCommand) teardown() {
	if s.group != nil {
		s.group.Close()
	}
	if s.allocator != nil {
		if err := s.allocator.Close(); err != nil {
			log.Warnf("Failed to close fake IP store: %v", err)
		}
	}
	if s.geo != nil {
		s.geo.Close()
	}
}
