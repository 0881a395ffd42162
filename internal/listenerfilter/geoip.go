package listenerfilter

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/oschwald/geoip2-golang"

	"l4relay/internal/network"
)

// CountryMetadataKey and ASNMetadataKey are the DynamicMetadata keys GeoIP
// sets when a lookup succeeds.
const (
	CountryMetadataKey = "geo.country_code"
	ASNMetadataKey     = "geo.asn"
)

// GeoIPDatabase owns the two MaxMind readers a GeoIP filter chain needs
// (country and ASN are separate database files upstream). A filter chain
// built with this filter owns exactly one GeoIPDatabase, opened once at
// startup and shared across every socket the chain's factory builds a
// filter for — unlike SNI, the underlying *geoip2.Reader is a shared,
// concurrency-safe mmap, so there is no per-socket state to isolate.
type GeoIPDatabase struct {
	country *geoip2.Reader
	asn     *geoip2.Reader
}

// OpenGeoIPDatabase opens the country database at countryPath; asnPath may
// be empty, in which case ASN lookups are skipped.
func OpenGeoIPDatabase(countryPath, asnPath string) (*GeoIPDatabase, error) {
	country, err := geoip2.Open(countryPath)
	if err != nil {
		return nil, fmt.Errorf("listenerfilter: opening GeoIP country database: %w", err)
	}
	db := &GeoIPDatabase{country: country}
	if asnPath != "" {
		asn, err := geoip2.Open(asnPath)
		if err != nil {
			_ = country.Close()
			return nil, fmt.Errorf("listenerfilter: opening GeoIP ASN database: %w", err)
		}
		db.asn = asn
	}
	return db, nil
}

// Close releases both underlying readers.
func (db *GeoIPDatabase) Close() error {
	var err error
	if db.asn != nil {
		err = db.asn.Close()
	}
	if cerr := db.country.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// geoIPFactory binds a filter chain's listener filter slot to one shared
// GeoIPDatabase.
type geoIPFactory struct{ db *GeoIPDatabase }

// NewGeoIPFactory returns a factory whose filters look up the accepted
// socket's remote address against db.
func NewGeoIPFactory(db *GeoIPDatabase) network.ListenerFilterFactory {
	return geoIPFactory{db: db}
}

func (f geoIPFactory) Name() string                          { return "geoip" }
func (f geoIPFactory) Matcher() network.ListenerFilterMatcher { return nil }
func (f geoIPFactory) NewFilter() network.ListenerFilter      { return GeoIP{db: f.db} }

// GeoIP looks up the accepted socket's remote address in a MaxMind GeoIP2
// database and sets CountryMetadataKey/ASNMetadataKey. Both lookups are
// local mmap reads, not network I/O, so unlike SNI this filter never
// suspends: it runs to completion inline and returns FilterContinue.
type GeoIP struct{ db *GeoIPDatabase }

func (g GeoIP) OnAccept(_ context.Context, cb network.ListenerFilterCallbacks) network.FilterStatus {
	if g.db == nil {
		return network.FilterContinue
	}
	host, _, err := net.SplitHostPort(cb.Socket().RemoteAddress().String())
	if err != nil {
		host = cb.Socket().RemoteAddress().String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return network.FilterContinue
	}

	meta := cb.DynamicMetadata()
	if record, err := g.db.country.Country(ip); err == nil && record.Country.IsoCode != "" {
		meta.Set(CountryMetadataKey, record.Country.IsoCode)
	}
	if g.db.asn != nil {
		if record, err := g.db.asn.ASN(ip); err == nil && record.AutonomousSystemNumber != 0 {
			meta.Set(ASNMetadataKey, strconv.FormatUint(uint64(record.AutonomousSystemNumber), 10))
		}
	}
	return network.FilterContinue
}
