// Package doctor checks that the local chanpool setup can reach a working
// daemon: config file, socket and daemon health.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/g960059/chanpool/internal/api"
	"github.com/g960059/chanpool/internal/config"
	"github.com/g960059/chanpool/internal/security"
)

const defaultHealthTimeout = 3 * time.Second

type HealthChecker interface {
	Health(ctx context.Context) (api.HealthResponse, error)
}

type Options struct {
	ConfigPath string
	Config     config.Config
	Client     HealthChecker
	Timeout    time.Duration
}

type Check struct {
	Name    string `json:"name" yaml:"name" table:"CHECK"`
	Status  string `json:"status" yaml:"status" table:"STATUS"` // pass | warn | fail
	Message string `json:"message" yaml:"message" table:"MESSAGE"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty" table:"PATH"`
}

type Result struct {
	OK       bool     `json:"ok" yaml:"ok"`
	Checks   []Check  `json:"checks" yaml:"checks"`
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

func Run(ctx context.Context, opts Options) Result {
	out := Result{OK: true}
	add := func(c Check) {
		out.Checks = append(out.Checks, c)
		if c.Status == "warn" {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == "fail" {
			out.OK = false
		}
	}

	add(checkConfigFile(opts.ConfigPath))
	if opts.Config.ServerURL == "" {
		add(checkSocket(opts.Config.SocketPath))
	}
	if opts.Client != nil {
		add(checkDaemon(ctx, opts.Client, opts.Timeout))
	}
	return out
}

func checkConfigFile(path string) Check {
	if strings.TrimSpace(path) == "" {
		return Check{Name: "config_file", Status: "pass", Message: "no config file; using defaults"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Check{Name: "config_file", Status: "warn", Message: "not found; using defaults", Path: path}
		}
		return Check{Name: "config_file", Status: "fail", Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	if _, err := config.Load(path); err != nil {
		return Check{Name: "config_file", Status: "fail", Message: err.Error(), Path: path}
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return Check{Name: "config_file", Status: "warn", Message: fmt.Sprintf("permissions %04o, expected 0600", perm), Path: path}
	}
	return Check{Name: "config_file", Status: "pass", Message: "valid", Path: path}
}

func checkSocket(path string) Check {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Check{Name: "socket", Status: "fail", Message: "socket not found; is chanpoold running?", Path: path}
		}
		return Check{Name: "socket", Status: "fail", Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	if info.Mode()&os.ModeSocket == 0 {
		return Check{Name: "socket", Status: "fail", Message: "path exists but is not a socket", Path: path}
	}
	return Check{Name: "socket", Status: "pass", Message: "present", Path: path}
}

func checkDaemon(ctx context.Context, client HealthChecker, timeout time.Duration) Check {
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	health, err := client.Health(hctx)
	if err != nil {
		return Check{Name: "daemon", Status: "fail", Message: security.RedactText(err.Error())}
	}
	if health.Status != "ok" {
		return Check{Name: "daemon", Status: "warn", Message: fmt.Sprintf("status %s", health.Status)}
	}
	return Check{Name: "daemon", Status: "pass", Message: fmt.Sprintf("ok, store %s, api %s", health.StoreBackend, health.SchemaVersion)}
}
