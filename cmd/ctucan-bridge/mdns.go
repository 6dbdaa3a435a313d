package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_ctucan._tcp"

// listenPort extracts the port from a bound host:port (or :port) address.
func listenPort(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if n, err := strconv.Atoi(addr[i+1:]); err == nil {
			return n
		}
	}
	return 0
}

func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return "ctucan-" + host
}

func mdnsText(cfg *appConfig, deviceVersion uint16) []string {
	return []string{
		"backend=" + cfg.backend,
		fmt.Sprintf("core=%d.%d", deviceVersion>>8, deviceVersion&0xFF),
		"fd=1",
		"version=" + version,
		"commit=" + commit,
	}
}

// runMDNS advertises the cannelloni listener until ctx is done.
func runMDNS(ctx context.Context, cfg *appConfig, port int, deviceVersion uint16) error {
	svc, err := zeroconf.Register(mdnsInstance(cfg), mdnsServiceType, "local.", port, mdnsText(cfg, deviceVersion), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	<-ctx.Done()
	svc.Shutdown()
	return nil
}
