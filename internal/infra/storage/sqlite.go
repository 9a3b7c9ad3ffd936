// Package storage persists minute bars, assets, session hours and the
// fragment journal in SQLite.
package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"backtest_go/internal/calendar"
	"backtest_go/internal/domain"
)

const batchSize = 500

// MinuteBarRecord is one stored minute. NULL columns are missing observations.
type MinuteBarRecord struct {
	Sid    int64 `gorm:"primaryKey;autoIncrement:false"`
	Minute int64 `gorm:"primaryKey;autoIncrement:false"` // unix minutes
	Open   *float64
	High   *float64
	Low    *float64
	Close  *float64
	Volume *float64
}

func (MinuteBarRecord) TableName() string { return "minute_bars" }

func (r MinuteBarRecord) value(f domain.Field) float64 {
	var p *float64
	switch f {
	case domain.FieldOpen:
		p = r.Open
	case domain.FieldHigh:
		p = r.High
	case domain.FieldLow:
		p = r.Low
	case domain.FieldClose:
		p = r.Close
	case domain.FieldVolume:
		p = r.Volume
	}
	if p == nil {
		return math.NaN()
	}
	return *p
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

func toRecord(b domain.MinuteBar) MinuteBarRecord {
	return MinuteBarRecord{
		Sid:    b.Sid,
		Minute: unixMinute(b.Ts),
		Open:   nullable(b.Open),
		High:   nullable(b.High),
		Low:    nullable(b.Low),
		Close:  nullable(b.Close),
		Volume: nullable(b.Volume),
	}
}

func unixMinute(ts time.Time) int64 {
	return ts.Truncate(time.Minute).Unix() / 60
}

// SessionRecord stores the hours of one session as unix seconds.
type SessionRecord struct {
	Label string `gorm:"primaryKey"`
	Open  int64
	Close int64
}

func (SessionRecord) TableName() string { return "sessions" }

// FragmentRecord is one journaled fragment and, once filled, its fill.
type FragmentRecord struct {
	ID         string `gorm:"primaryKey"`
	Sid        int64  `gorm:"index"`
	Session    string `gorm:"index"`
	Size       int64
	Kind       string
	Price      float64
	At         *time.Time
	LimitRatio float64
	StopRatio  float64
	CreatedAt  time.Time
	FilledSize int64
	FillPrice  float64
	FilledAt   *time.Time
}

func (FragmentRecord) TableName() string { return "fragments" }

// Store is the SQLite persistence layer.
type Store struct {
	db *gorm.DB
}

// Open creates (or opens) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&MinuteBarRecord{}, &domain.Asset{}, &SessionRecord{}, &FragmentRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Asset Operations
// ======================================================================================

// UpsertAsset creates or updates an asset snapshot.
func (s *Store) UpsertAsset(asset *domain.Asset) error {
	if err := asset.Validate(); err != nil {
		return err
	}
	return s.db.Save(asset).Error
}

// GetAsset retrieves an asset by sid. Unknown sids return nil, nil.
func (s *Store) GetAsset(sid int64) (*domain.Asset, error) {
	var asset domain.Asset
	err := s.db.First(&asset, "sid = ?", sid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

// AllAssets returns every asset ordered by sid.
func (s *Store) AllAssets() ([]domain.Asset, error) {
	var assets []domain.Asset
	err := s.db.Order("sid").Find(&assets).Error
	return assets, err
}

// ======================================================================================
// Calendar Operations
// ======================================================================================

// SaveSessions stores the hours of every session of cal.
func (s *Store) SaveSessions(cal *calendar.Calendar) error {
	hours := cal.Hours()
	records := make([]SessionRecord, 0, len(hours))
	for _, h := range hours {
		records = append(records, SessionRecord{Label: string(h.Label), Open: h.Open.Unix(), Close: h.Close.Unix()})
	}
	if len(records) == 0 {
		return nil
	}
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(records, batchSize).Error
}

// LoadCalendar rebuilds the stored sessions as a calendar in loc.
func (s *Store) LoadCalendar(loc *time.Location) (*calendar.Calendar, error) {
	var records []SessionRecord
	if err := s.db.Order("label").Find(&records).Error; err != nil {
		return nil, err
	}
	hours := make([]calendar.Hours, 0, len(records))
	for _, r := range records {
		hours = append(hours, calendar.Hours{
			Label: domain.Session(r.Label),
			Open:  time.Unix(r.Open, 0).In(loc),
			Close: time.Unix(r.Close, 0).In(loc),
		})
	}
	return calendar.New(loc, hours)
}

// ======================================================================================
// Minute Bar Operations
// ======================================================================================

// SaveBars upserts minute bars in batches.
func (s *Store) SaveBars(ctx context.Context, bars []domain.MinuteBar) error {
	if len(bars) == 0 {
		return nil
	}
	records := make([]MinuteBarRecord, len(bars))
	for i, b := range bars {
		records[i] = toRecord(b)
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(records, batchSize).Error
}

// SessionBars returns every stored bar of the given assets within [start, end].
func (s *Store) SessionBars(ctx context.Context, assets []domain.Asset, start, end time.Time) ([]domain.MinuteBar, error) {
	records, err := s.window(ctx, assets, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]domain.MinuteBar, len(records))
	for i, r := range records {
		out[i] = domain.MinuteBar{
			Sid:    r.Sid,
			Ts:     time.Unix(r.Minute*60, 0).In(start.Location()),
			Open:   r.value(domain.FieldOpen),
			High:   r.value(domain.FieldHigh),
			Low:    r.value(domain.FieldLow),
			Close:  r.value(domain.FieldClose),
			Volume: r.value(domain.FieldVolume),
		}
	}
	return out, nil
}

func (s *Store) window(ctx context.Context, assets []domain.Asset, start, end time.Time) ([]MinuteBarRecord, error) {
	sids := make([]int64, len(assets))
	for i, a := range assets {
		sids[i] = a.Sid
	}
	var records []MinuteBarRecord
	err := s.db.WithContext(ctx).
		Where("sid IN ? AND minute BETWEEN ? AND ?", sids, unixMinute(start), unixMinute(end)).
		Order("sid, minute").
		Find(&records).Error
	return records, err
}

// GetValue implements domain.MinuteBarSource.
func (s *Store) GetValue(ctx context.Context, asset domain.Asset, ts time.Time, field domain.Field) (float64, error) {
	if field < domain.FieldOpen || field > domain.FieldVolume {
		return math.NaN(), domain.ErrInvalidField
	}
	var records []MinuteBarRecord
	err := s.db.WithContext(ctx).
		Where("sid = ? AND minute = ?", asset.Sid, unixMinute(ts)).
		Limit(1).
		Find(&records).Error
	if err != nil {
		return math.NaN(), err
	}
	if len(records) == 0 {
		return math.NaN(), nil
	}
	return records[0].value(field), nil
}

// LoadRawArrays implements domain.MinuteBarSource.
func (s *Store) LoadRawArrays(ctx context.Context, fields []domain.Field, start, end time.Time, assets []domain.Asset) ([][][]float64, error) {
	first := unixMinute(start)
	n := 0
	if last := unixMinute(end); last >= first {
		n = int(last-first) + 1
	}

	out := make([][][]float64, len(fields))
	row := make(map[int64]int, len(assets))
	for ai, a := range assets {
		row[a.Sid] = ai
	}
	for fi := range fields {
		out[fi] = make([][]float64, len(assets))
		for ai := range assets {
			cells := make([]float64, n)
			for m := range cells {
				cells[m] = math.NaN()
			}
			out[fi][ai] = cells
		}
	}
	if n == 0 || len(assets) == 0 {
		return out, nil
	}

	records, err := s.window(ctx, assets, start, end)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		ai := row[r.Sid]
		m := int(r.Minute - first)
		for fi, f := range fields {
			out[fi][ai][m] = r.value(f)
		}
	}
	return out, nil
}

var _ domain.MinuteBarSource = (*Store)(nil)

// ======================================================================================
// Fragment Journal
// ======================================================================================

// RecordFragments journals fragments; resubmitted ids are ignored.
func (s *Store) RecordFragments(ctx context.Context, fragments []domain.Fragment) error {
	if len(fragments) == 0 {
		return nil
	}
	records := make([]FragmentRecord, len(fragments))
	for i, f := range fragments {
		r := FragmentRecord{
			ID:         f.ID,
			Sid:        f.Sid,
			Session:    string(f.Session),
			Size:       f.Size,
			Kind:       f.Fill.Kind.String(),
			Price:      f.Fill.Price,
			LimitRatio: f.LimitRatio,
			StopRatio:  f.StopRatio,
			CreatedAt:  f.CreatedAt,
		}
		if f.Fill.Kind == domain.FillTimed {
			at := f.Fill.At
			r.At = &at
		}
		records[i] = r
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(records, batchSize).Error
}

// RecordFill attaches a fill to its journaled fragment.
func (s *Store) RecordFill(ctx context.Context, fill domain.FillReport) error {
	at := fill.FilledAt
	res := s.db.WithContext(ctx).Model(&FragmentRecord{}).
		Where("id = ?", fill.FragmentID).
		Updates(map[string]any{"filled_size": fill.Size, "fill_price": fill.Price, "filled_at": &at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("fill for unknown fragment %s", fill.FragmentID)
	}
	return nil
}

// Fragments returns the journal of one session ordered by creation.
func (s *Store) Fragments(ctx context.Context, session domain.Session) ([]FragmentRecord, error) {
	var records []FragmentRecord
	err := s.db.WithContext(ctx).
		Where("session = ?", string(session)).
		Order("rowid").
		Find(&records).Error
	return records, err
}
