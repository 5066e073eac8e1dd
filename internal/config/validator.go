package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidateConfig validates the entire configuration and returns all validation errors
func (c *Config) ValidateConfig() error {
	var validationErrors ValidationErrors

	if c.DNS == nil {
		validationErrors = append(validationErrors, ValidationError{
			FieldPath: "dns",
			Message:   "configuration must contain 'dns' section",
		})
		return validationErrors
	}

	if err := validate.Struct(c.DNS); err != nil {
		validationErrors = append(validationErrors, convertValidatorErrors(err, "dns", "")...)
	}

	validationErrors = append(validationErrors, c.validateListeners()...)
	validationErrors = append(validationErrors, c.validateNameservers()...)
	validationErrors = append(validationErrors, c.validateProxies()...)
	validationErrors = append(validationErrors, c.validateFakeIP()...)
	validationErrors = append(validationErrors, c.validateRules()...)

	if c.API != nil {
		if err := validate.Struct(c.API); err != nil {
			validationErrors = append(validationErrors, convertValidatorErrors(err, "api", "")...)
		}
	}

	if c.GeoIP != nil {
		if err := validate.Struct(c.GeoIP); err != nil {
			validationErrors = append(validationErrors, convertValidatorErrors(err, "geoip", "")...)
		}
	}

	if len(validationErrors) > 0 {
		return validationErrors
	}

	return nil
}

func (c *Config) validateListeners() ValidationErrors {
	var validationErrors ValidationErrors

	seenAddrs := make(map[string]bool)

	for i, listener := range c.DNS.Listeners {
		itemName := fmt.Sprintf("listener[%d]", i)

		// TLS-backed listeners need a certificate
		switch listener.Protocol {
		case "tls", "https", "quic":
			if listener.CertFile == "" || listener.KeyFile == "" {
				validationErrors = append(validationErrors, ValidationError{
					ItemName:  itemName,
					FieldPath: fmt.Sprintf("dns.listener.%d", i),
					Message:   fmt.Sprintf("cert_file and key_file are required for %s listeners", listener.Protocol),
				})
			}
		}

		key := listener.Protocol + "/" + listener.Listen
		if seenAddrs[key] {
			validationErrors = append(validationErrors, ValidationError{
				ItemName:  itemName,
				FieldPath: fmt.Sprintf("dns.listener.%d.listen", i),
				Message:   fmt.Sprintf("duplicate listener address: %s (%s)", listener.Listen, listener.Protocol),
			})
		}
		seenAddrs[key] = true
	}

	return validationErrors
}

func (c *Config) validateNameservers() ValidationErrors {
	var validationErrors ValidationErrors

	for i, ns := range c.DNS.Nameservers {
		itemName := fmt.Sprintf("nameserver[%d]", i)

		if ns.Proxy != "" {
			if _, ok := c.Proxies[ns.Proxy]; !ok {
				validationErrors = append(validationErrors, ValidationError{
					ItemName:  itemName,
					FieldPath: fmt.Sprintf("dns.nameserver.%d.proxy", i),
					Message:   fmt.Sprintf("unknown proxy: %s (not declared in [proxies])", ns.Proxy),
				})
			}

			// Plain UDP cannot be relayed through a stream proxy
			if strings.HasPrefix(ns.URL, "udp://") {
				validationErrors = append(validationErrors, ValidationError{
					ItemName:  itemName,
					FieldPath: fmt.Sprintf("dns.nameserver.%d.proxy", i),
					Message:   "udp:// nameservers cannot be used with a proxy (use tcp://, tls://, https:// or quic://)",
				})
			}
		}
	}

	return validationErrors
}

func (c *Config) validateProxies() ValidationErrors {
	var validationErrors ValidationErrors

	for name, proxyURL := range c.Proxies {
		if err := ValidateProxyURL(proxyURL); err != nil {
			validationErrors = append(validationErrors, ValidationError{
				ItemName:  name,
				FieldPath: "proxies." + name,
				Message:   err.Error(),
			})
		}
	}

	return validationErrors
}

func (c *Config) validateFakeIP() ValidationErrors {
	var validationErrors ValidationErrors

	fakeIP := c.DNS.FakeIP
	if fakeIP == nil || !fakeIP.Enable {
		return nil
	}

	if err := validate.Struct(fakeIP); err != nil {
		validationErrors = append(validationErrors, convertValidatorErrors(err, "dns.fake_ip", "")...)
	}

	if fakeIP.Persist && fakeIP.CachePath == "" {
		validationErrors = append(validationErrors, ValidationError{
			FieldPath: "dns.fake_ip.cache_path",
			Message:   "cache_path is required when persist is enabled",
		})
	}

	return validationErrors
}

func (c *Config) validateRules() ValidationErrors {
	var validationErrors ValidationErrors

	for i, rule := range c.DNS.Rules {
		itemName := fmt.Sprintf("rule[%d]", i)

		if len(rule.Domains) == 0 && rule.GeoIP == "" {
			validationErrors = append(validationErrors, ValidationError{
				ItemName:  itemName,
				FieldPath: fmt.Sprintf("dns.rule.%d", i),
				Message:   "must specify at least one of: domains, geoip",
			})
		}

		if rule.GeoIP != "" && c.GeoIP == nil {
			validationErrors = append(validationErrors, ValidationError{
				ItemName:  itemName,
				FieldPath: fmt.Sprintf("dns.rule.%d.geoip", i),
				Message:   "geoip rules require the [geoip] section with a database path",
			})
		}

		if rule.Action == "fakeip" && (c.DNS.FakeIP == nil || !c.DNS.FakeIP.Enable) {
			validationErrors = append(validationErrors, ValidationError{
				ItemName:  itemName,
				FieldPath: fmt.Sprintf("dns.rule.%d.action", i),
				Message:   "fakeip action requires [dns.fake_ip] with enable = true",
			})
		}
	}

	return validationErrors
}

// convertValidatorErrors converts go-playground/validator errors to our ValidationError format
func convertValidatorErrors(err error, fieldPrefix string, itemName string) ValidationErrors {
	var validationErrors ValidationErrors

	var validatorErrs validator.ValidationErrors
	if errors.As(err, &validatorErrs) {
		for _, e := range validatorErrs {
			fieldPath := fieldPrefix
			if e.Field() != "" {
				// e.Field() returns the TOML tag name because we registered TagNameFunc
				fieldName := e.Field()

				if fieldPrefix != "" {
					fieldPath = fieldPrefix + "." + fieldName
				} else {
					fieldPath = fieldName
				}
			}

			message := getValidationMessage(e)

			validationErrors = append(validationErrors, ValidationError{
				ItemName:  itemName,
				FieldPath: fieldPath,
				Message:   message,
			})
		}
	}

	return validationErrors
}
