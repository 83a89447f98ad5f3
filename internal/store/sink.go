package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/climatedata/acis/internal/acis"
)

// Schema creates the tables written by Sink.
const Schema = `
CREATE TABLE IF NOT EXISTS acis_sites (
	uid        TEXT PRIMARY KEY,
	name       TEXT,
	state      TEXT,
	lon        DOUBLE PRECISION,
	lat        DOUBLE PRECISION,
	elev       DOUBLE PRECISION,
	meta       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS acis_observations (
	uid        TEXT NOT NULL,
	element    TEXT NOT NULL,
	obs_date   DATE NOT NULL,
	raw        TEXT NOT NULL,
	value      DOUBLE PRECISION,
	trace      BOOLEAN NOT NULL DEFAULT FALSE,
	flags      TEXT[],
	fetched_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (uid, element, obs_date)
);
`

const upsertSite = `
	INSERT INTO acis_sites (uid, name, state, lon, lat, elev, meta, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (uid) DO UPDATE SET
		name = $2, state = $3, lon = $4, lat = $5, elev = $6, meta = $7, updated_at = $8
`

const upsertObservation = `
	INSERT INTO acis_observations (uid, element, obs_date, raw, value, trace, flags, fetched_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (uid, element, obs_date) DO UPDATE SET
		raw = $4, value = $5, trace = $6, flags = $7, fetched_at = $8
`

// DB is the subset of *pgxpool.Pool used by Sink.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Site is one row of acis_sites.
type Site struct {
	UID   string
	Name  *string
	State *string
	Lon   *float64
	Lat   *float64
	Elev  *float64
	Meta  acis.SiteMeta
}

// Observation is one row of acis_observations: a single element value for
// one site and date.
type Observation struct {
	UID     string
	Element string
	Date    time.Time
	Raw     string
	Value   *float64
	Trace   bool
	Flags   []string
}

// Sites flattens the site metadata of res, ordered by uid.
func Sites(res acis.Result) []Site {
	meta := res.Meta()
	uids := make([]string, 0, len(meta))
	for uid := range meta {
		uids = append(uids, uid)
	}
	if ds, ok := res.(interface{ Sites() []string }); ok {
		uids = ds.Sites()
	}

	sites := make([]Site, 0, len(uids))
	for _, uid := range uids {
		m, ok := meta[uid]
		if !ok {
			continue
		}
		s := Site{UID: uid, Meta: m}
		if name, ok := m.Name(); ok {
			s.Name = &name
		}
		if state, ok := m.State(); ok {
			s.State = &state
		}
		if ll, ok := m.LonLat(); ok {
			s.Lon, s.Lat = &ll.Lon, &ll.Lat
		}
		if elev, ok := m.Elev(); ok {
			s.Elev = &elev
		}
		sites = append(sites, s)
	}
	return sites
}

// Observations flattens the records of res into one row per element value.
// Gridded values are skipped; they have no per-site identity.
func Observations(res acis.Result) []Observation {
	elems := res.Elems()
	var obs []Observation
	for rec := range res.Records() {
		for i, v := range rec.Values {
			if v.Grid != nil || i >= len(elems) {
				continue
			}
			o := Observation{
				UID:     rec.UID,
				Element: elems[i],
				Date:    rec.Date,
				Raw:     v.String(),
				Trace:   v.Trace(),
				Flags:   v.Flags,
			}
			if f, ok := v.Float(); ok {
				o.Value = &f
			}
			obs = append(obs, o)
		}
	}
	return obs
}

// Sink writes results to PostgreSQL.
type Sink struct {
	db     DB
	now    func() time.Time
	logger zerolog.Logger
}

// NewSink creates a Sink writing through db.
func NewSink(db DB, logger zerolog.Logger) *Sink {
	return &Sink{
		db:     db,
		now:    time.Now,
		logger: logger.With().Str("component", "acis_store").Logger(),
	}
}

// Migrate creates the sink tables if they do not exist.
func (s *Sink) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Save upserts the sites and observations of res in a single batch and
// returns the number of observations written.
func (s *Sink) Save(ctx context.Context, res acis.Result) (int, error) {
	sites := Sites(res)
	obs := Observations(res)
	if len(sites) == 0 && len(obs) == 0 {
		return 0, nil
	}

	now := s.now().UTC()
	batch := &pgx.Batch{}
	for _, site := range sites {
		meta, err := json.Marshal(site.Meta)
		if err != nil {
			return 0, fmt.Errorf("encode meta for %s: %w", site.UID, err)
		}
		batch.Queue(upsertSite, site.UID, site.Name, site.State, site.Lon, site.Lat, site.Elev, meta, now)
	}
	for _, o := range obs {
		batch.Queue(upsertObservation, o.UID, o.Element, o.Date, o.Raw, o.Value, o.Trace, o.Flags, now)
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()
	for range sites {
		if _, err := br.Exec(); err != nil {
			return 0, fmt.Errorf("upsert site: %w", err)
		}
	}
	for range obs {
		if _, err := br.Exec(); err != nil {
			return 0, fmt.Errorf("upsert observation: %w", err)
		}
	}

	s.logger.Debug().
		Int("sites", len(sites)).
		Int("observations", len(obs)).
		Msg("saved result")
	return len(obs), nil
}
