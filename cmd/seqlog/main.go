package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/drpcorg/seqlog"
	"github.com/drpcorg/seqlog/network"
	"github.com/drpcorg/seqlog/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func serveMetrics(addr string, host *seqlog.Replica, log utils.Logger) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(host.Metrics()...)
	reg.MustRegister(network.WriteBatchBytes, network.ReadBatchRecords)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics endpoint failed", "addr", addr, "err", err)
		}
	}()
}

func run(conf *Config) error {
	level, err := conf.Level()
	if err != nil {
		return err
	}
	log := utils.NewDefaultLogger(level)
	signer, err := conf.KeyPair()
	if err != nil {
		return err
	}

	host, err := seqlog.Open(conf.Dir, seqlog.Options{
		Name:   conf.Name,
		Logger: log,
	})
	if err != nil {
		return err
	}
	defer host.Close()

	if conf.Metrics != "" {
		serveMetrics(conf.Metrics, host, log)
	}

	repl := REPL{Host: host, Conf: conf, Log: log, Signer: signer}
	if err = repl.Open(context.Background()); err != nil {
		return err
	}
	defer repl.Close()

	for _, addr := range conf.Listen {
		if err := repl.net.Listen(addr); err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
	}
	for _, addr := range conf.Connect {
		if err := repl.net.Connect(addr); err != nil {
			return fmt.Errorf("connect %s: %w", addr, err)
		}
	}
	_, _ = fmt.Fprintf(os.Stderr, "%s is %s\n", conf.Name, signer.Identity())

	for {
		err = repl.REPL()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
		}
	}
}

func main() {
	path := flag.String("config", "", "path to the TOML config")
	flag.Parse()

	conf, err := LoadConfig(*path)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-2)
	}
	if err = run(conf); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
}
