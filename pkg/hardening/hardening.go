// Package hardening refuses to start the firewall with insecure settings in
// production-like environments.
package hardening

import (
	"fmt"
	"net"
	"strings"
)

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity string
	// DatabaseHost is exempt from the TLS requirement when it is loopback
	// or a unix socket directory.
	DatabaseHost          string
	DatabaseRequireTLS    string
	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	// AdminAddress must be loopback unless AllowPublicAdmin is true; the
	// admin API can drop cached facts.
	AdminAddress     string
	AllowPublicAdmin string
}

func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "apwall"
	}
	if !isLocalDatabase(o.DatabaseHost) && !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true for remote database %q", service, o.DatabaseHost)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if err := validateAdminAddress(o.AdminAddress, o.AllowPublicAdmin, service); err != nil {
		return err
	}
	return nil
}

func validateAdminAddress(addr, allowPublic, service string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" || isTrue(allowPublic, false) {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s: invalid ADMIN_ADDRESS %q: %w", service, addr, err)
	}
	if !isLoopback(host) {
		return fmt.Errorf("%s: strict production hardening requires a loopback ADMIN_ADDRESS, got %q (set ADMIN_ALLOW_PUBLIC=true to override)", service, addr)
	}
	return nil
}

func isLocalDatabase(host string) bool {
	host = strings.TrimSpace(host)
	return host == "" || strings.HasPrefix(host, "/") || isLoopback(host)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
