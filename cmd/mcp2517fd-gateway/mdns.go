package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_can-server._tcp"

// registerMDNS is a hook for tests.
var registerMDNS = func(instance, service string, port int, txt []string) (func(), error) {
	svc, err := zeroconf.Register(instance, service, "local.", port, txt, nil)
	if err != nil {
		return nil, err
	}
	return svc.Shutdown, nil
}

func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("mcp2517fd-%s", host)
}

func mdnsTXT(cfg *appConfig, bitRate uint32) []string {
	return []string{
		"controller=mcp2517fd",
		"bitrate=" + strconv.FormatUint(uint64(bitRate), 10),
		"mode=" + cfg.mode,
		"version=" + version,
		"commit=" + commit,
	}
}

// startMDNS advertises the gateway until ctx is done or the returned cleanup
// runs. It is a no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int, bitRate uint32) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	shutdown, err := registerMDNS(mdnsInstance(cfg), mdnsServiceType, port, mdnsTXT(cfg, bitRate))
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}
