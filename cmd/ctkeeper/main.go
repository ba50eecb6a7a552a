// ctkeeper maintains Certificate Transparency evidence for a TLS server:
// it keeps every configured certificate's SCT cache fresh and collated so
// the server's handshake path always has a valid bundle to hand out.
//
// The daemon fails closed: the first refresh pass must fully succeed
// before it settles into its periodic schedule, so a server gated on
// ctkeeper's startup never accepts connections without SCT evidence.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ctkeeper/ctkeeper/config"
	"github.com/ctkeeper/ctkeeper/log"
	"github.com/ctkeeper/ctkeeper/refresh"
	"github.com/ctkeeper/ctkeeper/registry"
	"github.com/ctkeeper/ctkeeper/store"
)

func buildRegistry(cfg *config.Config) (*registry.Registry, error) {
	b := registry.NewBuilder()
	if cfg.Registry.PublicKeyDir != "" {
		if err := b.LoadPublicKeyDir(cfg.Registry.PublicKeyDir); err != nil {
			return nil, err
		}
	}
	if cfg.Registry.Database != "" {
		if err := b.LoadDatabase(cfg.Registry.Database); err != nil {
			return nil, err
		}
	}
	if cfg.Registry.LogList != "" {
		if err := b.LoadLogListFile(cfg.Registry.LogList); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}

func main() {
	configFile := flag.String("config", "/etc/ctkeeper/ctkeeper.json", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	reg, err := buildRegistry(cfg)
	if err != nil {
		log.Fatalf("log registry: %v", err)
	}
	log.Infof("loaded %d trusted logs", reg.Len())

	trusted := cfg.TrustedLogs
	if len(trusted) == 0 {
		trusted = reg.URLs()
	}
	if len(trusted) == 0 {
		log.Fatalf("no trusted log URLs available for submission")
	}

	st, err := store.New(cfg.StorageDir, cfg.MaxSCTAge, nil)
	if err != nil {
		log.Fatalf("SCT store: %v", err)
	}

	refresher, err := refresh.New(refresh.Options{
		Store:            st,
		CertificateFiles: cfg.CertificateFiles,
		TrustedLogs:      trusted,
		ToolPath:         cfg.FetchTool,
		Interval:         cfg.RefreshInterval,
	})
	if err != nil {
		log.Fatalf("refresher: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Infof("metrics listening on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Errorf("metrics listener: %v", err)
			}
		}()
	}

	// Fail closed: no periodic schedule until every configured
	// certificate has a full set of valid SCTs.
	if err := refresher.Startup(ctx); err != nil {
		log.Fatalf("%v", err)
	}
	log.Info("startup refresh pass complete")

	refresher.Run(ctx)
}
