// Command pst-stat-core is the long-running per-beam voltage statistics
// engine (spec.md §1, §6). It owns exactly one appmgr.Manager for its
// lifetime; either an operator drives it over the RPC surface (-c PORT)
// or it self-configures from a document (-f FILE) and self-terminates
// after -t SECONDS.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ska-telescope/pst-stat-go/internal/appmgr"
	"github.com/ska-telescope/pst-stat-go/internal/faultbus"
	"github.com/ska-telescope/pst-stat-go/internal/filename"
	"github.com/ska-telescope/pst-stat-go/internal/header"
	"github.com/ska-telescope/pst-stat-go/internal/mcpserver"
	"github.com/ska-telescope/pst-stat-go/internal/processor"
	"github.com/ska-telescope/pst-stat-go/internal/publish/hdf5"
	"github.com/ska-telescope/pst-stat-go/internal/publish/scalar"
	"github.com/ska-telescope/pst-stat-go/internal/rpcserver"
	"github.com/ska-telescope/pst-stat-go/internal/segment"
	"github.com/ska-telescope/pst-stat-go/internal/segment/udpring"
	"github.com/ska-telescope/pst-stat-go/internal/statcfg"
	"github.com/ska-telescope/pst-stat-go/internal/statmetrics"
	"github.com/ska-telescope/pst-stat-go/internal/storage"
	"github.com/ska-telescope/pst-stat-go/internal/wsmonitor"
)

// verbosity mirrors the teacher's global DebugMode: one process-wide
// knob set at startup and adjustable at runtime via set_log_level.
var verbosity int

func setLogLevel(level string) error {
	switch level {
	case "info":
		verbosity = 0
	case "debug":
		verbosity = 1
	case "trace":
		verbosity = 2
	default:
		return fmt.Errorf("unknown log level %q (want info, debug or trace)", level)
	}
	log.Printf("log level set to %s", level)
	return nil
}

func headerFrom(fields map[string]string) *header.Header {
	h := header.New()
	for k, v := range fields {
		h.Set(k, v)
	}
	return h
}

// metricsPublisher wraps a processor.Publisher to record its Publish
// duration under a name, for internal/statmetrics.ObservePublish.
type metricsPublisher struct {
	name string
	inner processor.Publisher
	m     *statmetrics.Metrics
}

func (p *metricsPublisher) Publish(store *storage.Storage) error {
	start := time.Now()
	err := p.inner.Publish(store)
	p.m.ObservePublish(p.name, time.Since(start))
	return err
}

// newProducerFactory builds an appmgr.ProducerFactory backed by
// internal/segment/udpring, deriving the multicast groups from the
// configured ports and the ring-buffer keys carried in the beam header
// (spec.md §6 DATA_KEY/WEIGHTS_KEY), the way ka9q-radio's own hostnames
// hash to a multicast address when they don't resolve via DNS.
func newProducerFactory(t TransportConfig) appmgr.ProducerFactory {
	return func(beamHeader *header.Header) (segment.Producer, error) {
		dataKey, _ := beamHeader.GetVal("DATA_KEY")
		weightsKey, _ := beamHeader.GetVal("WEIGHTS_KEY")
		cfg := udpring.Config{
			DataGroup:         fmt.Sprintf("%s:%d", dataKey, t.DataPort),
			WeightsGroup:      fmt.Sprintf("%s:%d", weightsKey, t.WeightsPort),
			Iface:             t.Iface,
			DataHeaderPath:    t.DataHeaderPath,
			WeightsHeaderPath: t.WeightsHeaderPath,
			HeapsPerSegment:   t.HeapsPerSegment,
		}
		return udpring.New(cfg), nil
	}
}

// newPublisherFactory builds an appmgr.PublisherFactory registering the
// live scalar snapshot plus an HDF5 file writer per scan (spec.md §4.3
// step 6, §4.6). outDir (-d PATH) is the base path unless the scan header
// carries a non-empty STAT_BASE_PATH, which then takes precedence.
func newPublisherFactory(scalarPub *scalar.Publisher, outDir string, verbose bool, metrics *statmetrics.Metrics) appmgr.PublisherFactory {
	return func(cfg *statcfg.StreamConfig, scanHeader *header.Header) ([]processor.Publisher, error) {
		ebID, _ := scanHeader.GetVal("EB_ID")
		scanID, _ := scanHeader.GetVal("SCAN_ID")
		telescope, _ := scanHeader.GetVal("TELESCOPE")
		utcStart, _ := scanHeader.GetVal("UTC_START")
		beamID, _ := scanHeader.GetVal("BEAM_ID")
		obsOffset, _ := scanHeader.GetUint64("OBS_OFFSET")
		picoseconds, _ := scanHeader.GetUint64("PICOSECONDS")
		basePath := outDir
		if v, err := scanHeader.GetVal("STAT_BASE_PATH"); err == nil && v != "" {
			basePath = v
		}

		var fileNumber uint64
		pathFor := func() (string, error) {
			fileNumber++
			return filename.Build(filename.Params{
				StatBasePath: basePath,
				EbID:         ebID,
				ScanID:       scanID,
				Telescope:    telescope,
				UtcStart:     utcStart,
				ObsOffset:    obsOffset,
				FileNumber:   fileNumber,
			})
		}

		channelFreqs := make([]float64, cfg.Nchan)
		for c := 0; c < cfg.Nchan; c++ {
			channelFreqs[c] = cfg.ChannelCentreFrequency(c)
		}
		headerRec := func() hdf5.HeaderRecord {
			return hdf5.HeaderRecord{
				EbID:      ebID,
				BeamID:    beamID,
				UtcStart:  utcStart,
				TMin:      hdf5.TMinFromPicoseconds(picoseconds),
				Freq:      cfg.Freq,
				Bandwidth: cfg.Bandwidth,
				StartChan: uint32(cfg.StartChan),
				Npol:      cfg.Npol,
				Ndim:      cfg.Ndim,
				Nchan:     cfg.Nchan,
				ChanFreq:  channelFreqs,
			}
		}

		hdf5Pub := hdf5.New(hdf5.NewWriter(), pathFor, headerRec, verbose)

		return []processor.Publisher{
			&metricsPublisher{name: "scalar", inner: scalarPub, m: metrics},
			&metricsPublisher{name: "hdf5", inner: hdf5Pub, m: metrics},
		}, nil
	}
}

func run() int {
	port := flag.Int("c", 0, "start RPC monitoring on PORT (optional)")
	outDir := flag.String("d", "/tmp", "base output directory")
	configFile := flag.String("f", "", "configuration file (alternative to RPC control)")
	timeoutSec := flag.Int("t", 0, "self-termination timeout in SECONDS for non-RPC mode")
	verbose := flag.Bool("v", false, "increase verbosity")
	veryVerbose := flag.Bool("vv", false, "increase verbosity further")
	flag.Parse()

	if *veryVerbose {
		verbosity = 2
	} else if *verbose {
		verbosity = 1
	}

	reg := prometheus.NewRegistry()
	metrics := statmetrics.New(reg)
	scalarPub := scalar.New()

	var cfg *Config
	if *configFile != "" {
		var err error
		cfg, err = LoadConfig(*configFile)
		if err != nil {
			log.Printf("fatal: %v", err)
			return 1
		}
		if err := cfg.Validate(); err != nil {
			log.Printf("fatal: %v", err)
			return 1
		}
	}

	transport := TransportConfig{}
	if cfg != nil {
		transport = cfg.Transport
	}

	manager := appmgr.New(appmgr.Options{
		NewProducer:   newProducerFactory(transport),
		NewPublishers: newPublisherFactory(scalarPub, *outDir, verbosity > 1, metrics),
	})

	if cfg != nil && cfg.MQTT.Enabled {
		bridge, err := faultbus.New(faultbus.Config{
			Broker: cfg.MQTT.Broker,
			Topic:  cfg.MQTT.Topic,
			BeamID: cfg.Scan.BeamID,
			QoS:    cfg.MQTT.QoS,
		})
		if err != nil {
			log.Printf("fatal: faultbus: %v", err)
			return 1
		}
		defer bridge.Close()
		manager.SetFaultHandler(bridge.OnFault)
	}

	// Two-stage shutdown (spec.md §7): the first signal cancels ctx and
	// starts a graceful teardown; a second signal before that finishes
	// exits immediately.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("termination signal received, shutting down")
		cancel()
		<-sigCh
		log.Println("second termination signal received, exiting immediately")
		os.Exit(1)
	}()

	stateTicker := time.NewTicker(time.Second)
	defer stateTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stateTicker.C:
				metrics.SetState(manager.State().String())
				metrics.SampleCPU(0)
			}
		}
	}()

	wsHandler := wsmonitor.New(scalarPub, time.Second)
	wsDone := make(chan struct{})
	go wsHandler.Run(wsDone)
	defer close(wsDone)

	var grpcSrv interface{ Stop() }
	if *port > 0 {
		srv := rpcserver.New(manager, scalarPub, setLogLevel)
		gs := rpcserver.NewGRPCServer(srv)
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
		if err != nil {
			log.Printf("fatal: listen on :%d: %v", *port, err)
			return 1
		}
		go func() {
			if err := gs.Serve(lis); err != nil {
				log.Printf("rpc server stopped: %v", err)
			}
		}()
		grpcSrv = gs

		mcp := mcpserver.New(manager, scalarPub)
		mux := http.NewServeMux()
		mux.Handle("/mcp", mcp.Handler())
		mux.Handle("/monitor", wsHandler)
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		monitorAddr := fmt.Sprintf(":%d", *port+1)
		monitorSrv := &http.Server{Addr: monitorAddr, Handler: mux}
		go func() {
			log.Printf("monitor HTTP server listening on %s", monitorAddr)
			if err := monitorSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("monitor server error: %v", err)
			}
		}()
		defer monitorSrv.Close()
	}

	if cfg != nil {
		beamHeader := headerFrom(cfg.beamHeader())
		if err := manager.ConfigureBeam(ctx, beamHeader); err != nil {
			log.Printf("fatal: configure_beam: %v", err)
			return 1
		}
		scanHeader := headerFrom(cfg.scanHeader())
		if err := manager.ConfigureScan(scanHeader); err != nil {
			log.Printf("fatal: configure_scan: %v", err)
			return 1
		}
		startHeader := headerFrom(cfg.startHeader())
		if err := manager.StartScan(startHeader); err != nil {
			log.Printf("fatal: start_scan: %v", err)
			return 1
		}
		log.Printf("scan %s started for beam %s (segment correlation id prefix %s)",
			cfg.Scan.ScanID, cfg.Scan.BeamID, uuid.New().String()[:8])

		if *timeoutSec > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(*timeoutSec) * time.Second):
			}
		} else {
			<-ctx.Done()
		}

		if manager.State() == appmgr.Scanning {
			if err := manager.StopScan(); err != nil {
				log.Printf("stop_scan: %v", err)
			}
		}
	} else {
		<-ctx.Done()
	}

	log.Println("shutting down")
	if grpcSrv != nil {
		done := make(chan struct{})
		go func() {
			grpcSrv.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Println("graceful rpc shutdown timed out, exiting")
		}
	}

	return 0
}

func main() {
	os.Exit(run())
}
