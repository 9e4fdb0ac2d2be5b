package app

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_thermostat-monitor._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the monitor HTTP surface listening on httpAddr.
func (a *App) startMDNS(httpAddr string) error {
	port, err := listenPort(httpAddr)
	if err != nil {
		return err
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "thermostat-monitor"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("Thermostat Monitor (%s)", hostname))
	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, a.mdnsTXT(port, hostname), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func (a *App) mdnsTXT(port int, hostname string) []string {
	hostFQDN := sanitizeMDNSHost(hostname)
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN += ".local"
	}
	return []string{
		fmt.Sprintf("http_port=%d", port),
		"request_topic=" + a.cfg.Monitor.RequestTopic,
		"base_topic=" + a.cfg.MQTT.BaseTopic,
		fmt.Sprintf("devices=%d", len(a.cfg.Thermostats)),
		"proto=v1",
		"host=" + hostFQDN,
	}
}

// listenPort extracts the numeric port of a listen address such as ":8080".
func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse http address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port in http address %q", addr)
	}
	return port, nil
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(strings.TrimSpace(name))
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		cleaned = "Thermostat Monitor"
	}
	return truncateRunes(cleaned, 63)
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = "thermostat-monitor"
	}
	// Host labels are limited to 63 characters.
	return truncateRunes(cleaned, 63)
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}
