// Package app assembles one host supervisor process: site descriptor, bus
// connection, persistence, class table, launchers and the supervisor itself.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openscope/siteops/common/spec/site"
	"github.com/openscope/siteops/internal/agent"
	"github.com/openscope/siteops/internal/agent/builtin"
	"github.com/openscope/siteops/internal/bus"
	"github.com/openscope/siteops/internal/launcher"
	"github.com/openscope/siteops/internal/registry"
	"github.com/openscope/siteops/internal/store"
	"github.com/openscope/siteops/internal/supervisor"
)

// Config is everything sited needs at startup.
type Config struct {
	// SitePath locates the site descriptor YAML.
	SitePath string
	// HostID names this host's section of the descriptor.
	HostID string
	// BusURL overrides the descriptor's bus endpoint when set.
	BusURL string
	// DatabasePath locates the sqlite file; empty runs without
	// persistence.
	DatabasePath string
	// EnableDocker turns on the container launcher for image-backed
	// classes.
	EnableDocker bool
	// DockerNetwork names the network containers join.
	DockerNetwork string
	// Policy tunes the restart policy; zero values take the defaults.
	Policy supervisor.RestartPolicy
}

// App is one wired host supervisor process.
type App struct {
	cfg    Config
	site   *site.Config
	host   site.Host
	conn   *bus.Conn
	db     *store.Store
	sup    *supervisor.Supervisor
	loaded bool
}

// New loads the site descriptor and wires every component.  Descriptor
// errors are fatal; everything downstream degrades per instance.
func New(cfg Config) (*App, error) {
	siteCfg, err := site.Load(cfg.SitePath)
	if err != nil {
		return nil, fmt.Errorf("site descriptor: %w", err)
	}
	host := siteCfg.ForHost(cfg.HostID)

	busURL := cfg.BusURL
	if busURL == "" {
		busURL = siteCfg.Hub.BusURL
	}

	a := &App{cfg: cfg, site: siteCfg, host: host}

	if cfg.DatabasePath != "" {
		a.db, err = store.New(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	}

	a.conn, err = bus.Connect(busURL, "sited-"+cfg.HostID)
	if err != nil {
		a.closePartial()
		return nil, fmt.Errorf("bus: %w", err)
	}

	root := siteCfg.Hub.AddressRoot
	regClient := registry.NewClient(a.conn, siteCfg.Hub.RegistryAddressOrDefault())

	classes := agent.NewClasses()
	ctrl := builtin.NewControllerRef()
	if err := builtin.RegisterAll(classes, ctrl); err != nil {
		a.closePartial()
		return nil, fmt.Errorf("class table: %w", err)
	}

	var persister registry.Persister
	if a.db != nil {
		persister = a.db
	}
	inproc := launcher.NewInProc(launcher.InProcOptions{
		Classes:   classes,
		Bus:       a.conn,
		Root:      root,
		HostID:    cfg.HostID,
		Registry:  regClient,
		Persister: persister,
	})

	var docker launcher.Launcher
	if cfg.EnableDocker {
		d, err := launcher.NewDocker(launcher.DockerOptions{
			Classes:         classes,
			Network:         cfg.DockerNetwork,
			BusURL:          busURL,
			Root:            root,
			HostID:          cfg.HostID,
			RegistryAddress: siteCfg.Hub.RegistryAddressOrDefault(),
		})
		if err != nil {
			a.closePartial()
			return nil, fmt.Errorf("docker launcher: %w", err)
		}
		if err := d.EnsureNetwork(context.Background()); err != nil {
			a.closePartial()
			return nil, fmt.Errorf("docker launcher: %w", err)
		}
		docker = d
	}

	var journal supervisor.Journal
	if a.db != nil {
		journal = a.db
	}
	a.sup = supervisor.New(supervisor.Options{
		HostID:  cfg.HostID,
		Classes: classes,
		InProc:  inproc,
		Docker:  docker,
		Policy:  cfg.Policy,
		Journal: journal,
	})
	ctrl.Set(a.sup)
	return a, nil
}

// Run launches the host's declared instances and blocks until ctx is
// cancelled, then tears everything down in reverse order.
func (a *App) Run(ctx context.Context) error {
	slog.Info("sited: loading host",
		"host", a.cfg.HostID, "instances", len(a.host.Instances),
		"root", a.site.Hub.AddressRoot)

	if err := a.sup.LoadHost(ctx, a.host); err != nil {
		return err
	}
	a.loaded = true

	<-ctx.Done()
	slog.Info("sited: shutting down", "host", a.cfg.HostID)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.sup.Shutdown(stopCtx)
}

// ExitStatus reports the process exit code and failed instance ids.
func (a *App) ExitStatus() (int, []string) {
	if a.sup == nil || !a.loaded {
		return 1, nil
	}
	return a.sup.ExitStatus()
}

// Close releases the bus connection and the database.
func (a *App) Close() {
	a.closePartial()
}

func (a *App) closePartial() {
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			slog.Warn("sited: bus close failed", "err", err)
		}
		a.conn = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			slog.Warn("sited: store close failed", "err", err)
		}
		a.db = nil
	}
}
