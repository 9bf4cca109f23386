// Package dnsreg registers the gateway with a custom DNS API server so it
// is reachable by name on the tailnet. Registration is best-effort: the
// gateway serves traffic whether or not the record exists.
package dnsreg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jerkytreats/lmserver/internal/config"
	"github.com/jerkytreats/lmserver/internal/logx"
)

const registerTimeout = 10 * time.Second

type record struct {
	Name         string `json:"name"`
	Port         int    `json:"port"`
	ServiceName  string `json:"service_name"`
	TargetDevice string `json:"target_device"`
}

// Register posts the gateway's service record to the DNS API server.
// It returns an error for logging purposes only; callers must not treat a
// failed registration as fatal.
func Register(ctx context.Context, cfg config.Config) error {
	if !cfg.DNSRegister {
		logx.Log.Info().Msg("DNS registration disabled, skipping")
		return nil
	}

	payload, err := json.Marshal(record{
		Name:         cfg.DNSServiceName,
		Port:         cfg.Port,
		ServiceName:  "lmserver",
		TargetDevice: cfg.DNSTargetDevice,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	url := strings.TrimSuffix(cfg.DNSAPIURL, "/") + "/add-record/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registration failed with status %d: %s", resp.StatusCode, body)
	}

	logx.Log.Info().
		Str("domain", cfg.DNSServiceName+"."+cfg.DNSDomainBase).
		Int("port", cfg.Port).
		Msg("registered with DNS")
	return nil
}

// Deregister removes the record on shutdown. The DNS API has no delete
// endpoint yet, so this only logs.
func Deregister(cfg config.Config) {
	logx.Log.Info().Msg("DNS deregistration not implemented (service shutdown)")
}
