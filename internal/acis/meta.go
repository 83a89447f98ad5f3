package acis

import (
	"fmt"
	"regexp"
	"strconv"
)

// SiteMeta holds the metadata fields the service returned for one site.
// Fields the service omitted are absent from the map.
type SiteMeta map[string]any

// Name returns the site name if present.
func (m SiteMeta) Name() (string, bool) {
	s, ok := m["name"].(string)
	return s, ok
}

// State returns the postal state code if present.
func (m SiteMeta) State() (string, bool) {
	s, ok := m["state"].(string)
	return s, ok
}

// LonLat returns the site coordinates if present.
func (m SiteMeta) LonLat() (LonLat, bool) {
	ll, ok := m["ll"].([]any)
	if !ok || len(ll) != 2 {
		return LonLat{}, false
	}
	lon, ok1 := ll[0].(float64)
	lat, ok2 := ll[1].(float64)
	if !ok1 || !ok2 {
		return LonLat{}, false
	}
	return LonLat{Lon: lon, Lat: lat}, true
}

// Elev returns the site elevation if present.
func (m SiteMeta) Elev() (float64, bool) {
	f, ok := m["elev"].(float64)
	return f, ok
}

// SIDs returns the station identifiers, parsed into id and network.
// Identifiers that cannot be parsed are skipped.
func (m SiteMeta) SIDs() []StationID {
	raw, ok := m["sids"].([]any)
	if !ok {
		return nil
	}
	ids := make([]StationID, 0, len(raw))
	for _, r := range raw {
		s, ok := r.(string)
		if !ok {
			continue
		}
		id, err := ParseSID(s)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// StationID is a station identifier within one network.
type StationID struct {
	ID      string
	Network string
}

var networks = map[int]string{
	1:  "WBAN",
	2:  "COOP",
	3:  "FAA",
	4:  "WMO",
	5:  "ICAO",
	6:  "GHCN",
	7:  "NWSLI",
	8:  "RCC",
	9:  "ThreadEx",
	10: "CoCoRaHS",
}

var sidRegex = regexp.MustCompile(`^([^ ]*) (\d+)$`)

// ParseSID parses a "<id> <network code>" identifier.
func ParseSID(sid string) (StationID, error) {
	m := sidRegex.FindStringSubmatch(sid)
	if m == nil {
		return StationID{}, fmt.Errorf("not a valid sid: %q", sid)
	}
	code, _ := strconv.Atoi(m[2])
	network, ok := networks[code]
	if !ok {
		return StationID{}, fmt.Errorf("unknown sid type %d", code)
	}
	return StationID{ID: m[1], Network: network}, nil
}
