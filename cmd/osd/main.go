// Command osd runs one block storage engine instance: it opens a device
// triple (data/meta/journal), recovers from any prior crash, and serves the
// Operation API over the transport package's TCP listener until signaled to
// stop.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mirrorll/vitastor/blockstore"
	"github.com/mirrorll/vitastor/config"
	"github.com/mirrorll/vitastor/storage"
	"github.com/mirrorll/vitastor/transport"
)

func main() {
	confPath := flag.String("conf", "./conf.yaml", "path to conf file")
	addr := flag.String("addr", "", "listen address, overrides conf file's server.addr")
	flushOnly := flag.Bool("flush", false, "drain the journal to empty, then exit (spec's flush_journal one-shot mode)")
	flag.Parse()

	if _, err := os.Stat(*confPath); os.IsNotExist(err) {
		log.Fatalf("osd: conf file %s does not exist", *confPath)
	}
	if err := config.Init(*confPath); err != nil {
		log.Fatalf("osd: %v", err)
	}
	cfg := config.Get()

	opts, err := storage.FromMap(cfg.ToOptionsMap())
	if err != nil {
		log.Fatalf("osd: bad configuration: %v", err)
	}

	engine, err := blockstore.Open(opts)
	if err != nil {
		log.Fatalf("osd: open failed: %v", err)
	}

	go engine.Run()

	if *flushOnly {
		runFlushOnly(engine)
		return
	}

	serverCfg := transport.FromServerConfig(cfg.Server)
	if *addr != "" {
		serverCfg.Addr = *addr
	}

	srv, err := transport.New(serverCfg, transport.NewHandler(engine))
	if err != nil {
		log.Fatalf("osd: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.Printf("osd: server stopped: %v", err)
		}
	}()

	<-sigCh
	log.Println("osd: shutting down")

	if err := srv.Stop(); err != nil {
		log.Printf("osd: error stopping server: %v", err)
	}
	if err := engine.Close(); err != nil {
		log.Printf("osd: error closing engine: %v", err)
	}
}

// runFlushOnly implements spec §6's "flush_journal=true is a one-shot mode:
// open, drain, close": nudge every dirty oid and poll until the journal
// reports empty, then close and exit.
func runFlushOnly(engine *blockstore.Engine) {
	log.Println("osd: flush-only mode: draining journal")
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for !engine.JournalEmpty() {
		engine.NudgeAll()
		<-ticker.C
	}

	log.Println("osd: journal drained")
	if err := engine.Close(); err != nil {
		log.Fatalf("osd: error closing engine: %v", err)
	}
}
