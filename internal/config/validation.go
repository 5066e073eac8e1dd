package config

import (
	"fmt"
	"net"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// getValidationMessage returns a human-readable message for a validation error
func getValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "field is required"
	case "min":
		return fmt.Sprintf("must be >= %s", e.Param())
	case "max":
		return fmt.Sprintf("must be <= %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "url":
		return "must be a valid URL"
	case "hostport":
		return "must be in format 'host:port' (IPv6 in square brackets, e.g. [::1]:53)"
	case "cidr_or_empty":
		return "must be a valid CIDR prefix (e.g. 198.18.0.0/15) or empty"
	case "upstream_url":
		return "must be a valid nameserver URL (udp://ip[:port], tcp://ip[:port], tls://host[:port], https://host/path or quic://host[:port])"
	case "proxy_url":
		return "must be a valid proxy URL (socks5://[user:pass@]host:port or http://[user:pass@]host:port)"
	default:
		return fmt.Sprintf("validation failed: %s", e.Tag())
	}
}

// ValidationError represents a single validation error with context
type ValidationError struct {
	ItemName  string // For lists: the name of the item (e.g., "nameserver[1]", "my-proxy")
	FieldPath string // Dot-notation field path (e.g., "dns.fake_ip.cache_path")
	Message   string // Human-readable error message
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("validation failed with %d error(s):\n", len(ve)))
	for i, err := range ve {
		if err.ItemName != "" {
			sb.WriteString(fmt.Sprintf("  %d. [%s] %s: %s\n", i+1, err.ItemName, err.FieldPath, err.Message))
		} else {
			sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.FieldPath, err.Message))
		}
	}
	return sb.String()
}

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	if err := validate.RegisterValidation("hostport", validateHostPort); err != nil {
		panic(err)
	}
	if err := validate.RegisterValidation("cidr_or_empty", validateCIDROrEmpty); err != nil {
		panic(err)
	}
	if err := validate.RegisterValidation("upstream_url", validateUpstreamURLTag); err != nil {
		panic(err)
	}
	if err := validate.RegisterValidation("proxy_url", validateProxyURLTag); err != nil {
		panic(err)
	}

	// Register function to get field name from "toml" tag
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Custom validator: host:port format
func validateHostPort(fl validator.FieldLevel) bool {
	_, _, err := net.SplitHostPort(fl.Field().String())
	return err == nil
}

// Custom validator: CIDR prefix or empty
func validateCIDROrEmpty(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	_, _, err := net.ParseCIDR(value)
	return err == nil
}

// Custom validator: nameserver URL format
func validateUpstreamURLTag(fl validator.FieldLevel) bool {
	return ValidateUpstreamURL(fl.Field().String()) == nil
}

// Custom validator: proxy URL format
func validateProxyURLTag(fl validator.FieldLevel) bool {
	return ValidateProxyURL(fl.Field().String()) == nil
}

// ValidateUpstreamURL validates a DNS nameserver URL format
func ValidateUpstreamURL(upstream string) error {
	if upstream == "" {
		return fmt.Errorf("nameserver URL cannot be empty")
	}

	u, err := url.Parse(upstream)
	if err != nil {
		return fmt.Errorf("invalid nameserver URL: %v", err)
	}

	switch u.Scheme {
	case "udp", "tcp", "tls", "quic":
		// The port is optional; the parser fills in the scheme default
		// (53 for plain DNS, 853 for DoT/DoQ).
		if u.Hostname() == "" {
			return fmt.Errorf("invalid %s nameserver format (expected %s://host[:port])", u.Scheme, u.Scheme)
		}
		return nil
	case "https", "doh":
		if u.Host == "" {
			return fmt.Errorf("invalid DoH nameserver format (expected https://host/path)")
		}
		return nil
	}

	return fmt.Errorf("unsupported nameserver scheme (supported: udp://, tcp://, tls://, https://, quic://)")
}

// ValidateProxyURL validates a forward proxy URL format
func ValidateProxyURL(proxy string) error {
	if proxy == "" {
		return fmt.Errorf("proxy URL cannot be empty")
	}

	u, err := url.Parse(proxy)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %v", err)
	}

	switch u.Scheme {
	case "socks5", "http":
		if u.Host == "" {
			return fmt.Errorf("proxy URL must contain a host")
		}
		if _, _, err := net.SplitHostPort(u.Host); err != nil {
			return fmt.Errorf("proxy URL must be in format %s://host:port", u.Scheme)
		}
		return nil
	}

	return fmt.Errorf("unsupported proxy scheme (supported: socks5://, http://)")
}
