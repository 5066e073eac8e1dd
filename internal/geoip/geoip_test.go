package geoip

import (
	"net"
	"testing"
)

func TestOpen_MissingFile(t *testing.T) {
	_, err := Open("/non/existent/geoip.mmdb")
	if err == nil {
		t.Error("Expected error for missing database file")
	}
}

func TestCountry_NilResolver(t *testing.T) {
	var r *Resolver

	if got := r.Country(net.ParseIP("8.8.8.8")); got != "" {
		t.Errorf("Expected empty country for nil resolver, got %q", got)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Expected nil Close on nil resolver, got %v", err)
	}
}

func TestCountry_NilIP(t *testing.T) {
	r := &Resolver{}

	if got := r.Country(nil); got != "" {
		t.Errorf("Expected empty country for nil IP, got %q", got)
	}
}

func TestCountry_ClosedResolver(t *testing.T) {
	r := &Resolver{}

	if err := r.Close(); err != nil {
		t.Errorf("Expected nil error closing empty resolver, got %v", err)
	}
	if got := r.Country(net.ParseIP("8.8.8.8")); got != "" {
		t.Errorf("Expected empty country after close, got %q", got)
	}
}
