package repository

import (
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// recordsDoc is the on-disk shape of the record repository.
type recordsDoc struct {
	Records   []*TradeRecord `json:"records"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RecordRepository holds TradeRecords. Closed records are retained for
// history and statistics.
type RecordRepository struct {
	mu      sync.Mutex
	path    string
	logger  zerolog.Logger
	records map[string]*TradeRecord
}

// NewRecordRepository loads the repository from path. Unreadable or
// malformed files are logged and the repository starts empty.
func NewRecordRepository(path string, logger zerolog.Logger) *RecordRepository {
	r := &RecordRepository{
		path:    path,
		logger:  logger.With().Str("component", "record_repository").Logger(),
		records: make(map[string]*TradeRecord),
	}
	r.load()
	return r
}

func (r *RecordRepository) load() {
	var doc recordsDoc
	if err := loadJSON(r.path, &doc); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Error().Err(err).Str("path", r.path).Msg("failed to load records, starting empty")
		}
		return
	}
	for _, rec := range doc.Records {
		r.records[rec.Id] = rec
	}
	r.logger.Info().Int("records", len(r.records)).Msg("record repository loaded")
}

func (r *RecordRepository) persistLocked() {
	doc := recordsDoc{UpdatedAt: time.Now()}
	for _, rec := range r.records {
		doc.Records = append(doc.Records, rec)
	}
	sort.Slice(doc.Records, func(i, j int) bool {
		return doc.Records[i].OpenTime.Before(doc.Records[j].OpenTime)
	})
	if err := saveJSON(r.path, doc); err != nil {
		r.logger.Error().Err(err).Msg("failed to persist records")
	}
}

// Insert adds a record, assigning a local id when absent.
func (r *RecordRepository) Insert(rec *TradeRecord) *TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.Id == "" {
		rec.Id = uuid.NewString()
	}
	if rec.OpenTime.IsZero() {
		rec.OpenTime = time.Now()
	}
	r.records[rec.Id] = rec
	r.persistLocked()
	return rec
}

// Update persists an existing record.
func (r *RecordRepository) Update(rec *TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.Id]; !ok {
		return ErrNotFound
	}
	r.records[rec.Id] = rec
	r.persistLocked()
	return nil
}

// Get returns a record by id.
func (r *RecordRepository) Get(id string) (*TradeRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Open returns records in OPEN status, optionally filtered by source.
// An empty source matches everything.
func (r *RecordRepository) Open(source Source) []*TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*TradeRecord
	for _, rec := range r.records {
		if rec.IsOpen() && (source == "" || rec.Source == source) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out
}

// Closed returns records in any terminal status, newest close first.
func (r *RecordRepository) Closed(source Source) []*TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*TradeRecord
	for _, rec := range r.records {
		if !rec.IsOpen() && (source == "" || rec.Source == source) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CloseTime.After(out[j].CloseTime) })
	return out
}

// BySymbol returns every record for a symbol.
func (r *RecordRepository) BySymbol(symbol string) []*TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*TradeRecord
	for _, rec := range r.records {
		if rec.Symbol == symbol {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out
}

// All returns every record.
func (r *RecordRepository) All() []*TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*TradeRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out
}
