// Package geoip resolves IP addresses to ISO country codes using a
// MaxMind GeoLite2/GeoIP2 database.
package geoip

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"

	"github.com/feifeigood/swiftlink/internal/log"
)

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Resolver looks up the country of an IP address. A nil Resolver is
// valid and never matches.
type Resolver struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader
}

// Open reads a .mmdb database from path.
func Open(path string) (*Resolver, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database %s: %v", path, err)
	}

	log.Infof("Loaded GeoIP database %s (%s, built %s)",
		path, reader.Metadata.DatabaseType,
		time.Unix(int64(reader.Metadata.BuildEpoch), 0).Format("2006-01-02"))

	return &Resolver{reader: reader}, nil
}

// Country returns the upper-case ISO country code for ip, or "" when the
// resolver is nil, the address is invalid or the database has no record.
func (r *Resolver) Country(ip net.IP) string {
	if r == nil || ip == nil {
		return ""
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.reader == nil {
		return ""
	}

	var record countryRecord
	if err := r.reader.Lookup(ip, &record); err != nil {
		log.Debugf("GeoIP lookup failed for %s: %v", ip, err)
		return ""
	}

	return strings.ToUpper(record.Country.ISOCode)
}

// Close releases the database.
func (r *Resolver) Close() error {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}
