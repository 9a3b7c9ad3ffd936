package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"backtest_go/internal/domain"
)

// AssetConfig describes one instrument of the backtest universe.
type AssetConfig struct {
	Sid             int64   `yaml:"sid"`
	Symbol          string  `yaml:"symbol"`
	Exchange        string  `yaml:"exchange"`
	TickSize        int64   `yaml:"tick_size"`
	Increment       bool    `yaml:"increment"`
	Restricted      float64 `yaml:"restricted"`
	BidMechanism    bool    `yaml:"bid_mechanism"`
	PriceMultiplier float64 `yaml:"price_multiplier"`
	FirstTraded     string  `yaml:"first_traded"`
	LastTraded      string  `yaml:"last_traded"`
	// Seed price of the synthetic random walk written by the seed command.
	StartPrice float64 `yaml:"start_price"`
}

// Asset converts the entry to the domain capability snapshot.
func (a AssetConfig) Asset() domain.Asset {
	mult := a.PriceMultiplier
	if mult == 0 {
		mult = 1
	}
	return domain.Asset{
		Sid:             a.Sid,
		Symbol:          a.Symbol,
		Exchange:        a.Exchange,
		TickSize:        a.TickSize,
		Increment:       a.Increment,
		Restricted:      a.Restricted,
		BidMechanism:    a.BidMechanism,
		PriceMultiplier: mult,
		FirstTraded:     domain.Session(a.FirstTraded),
		LastTraded:      domain.Session(a.LastTraded),
	}
}

// Config는 백테스트 실행에 필요한 모든 설정을 담습니다.
// LoadConfig로 읽은 뒤 환경 변수로 경로와 주소를 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Data struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"data"`

	Calendar struct {
		Timezone string   `yaml:"timezone"`
		First    string   `yaml:"first_session"`
		Last     string   `yaml:"last_session"`
		Open     string   `yaml:"open"`
		Close    string   `yaml:"close"`
		Holidays []string `yaml:"holidays"`
	} `yaml:"calendar"`

	Division struct {
		BaseNotional        decimal.Decimal `yaml:"base_notional"`
		PositionLotMultiple int64           `yaml:"position_lot_multiple"`
		Seed                uint64          `yaml:"seed"`
		Uncover             string          `yaml:"uncover"`
		IntervalSec         int             `yaml:"interval_sec"`
		MaxSlices           int             `yaml:"max_slices"`
		PriceTick           float64         `yaml:"price_tick"`
		Concentration       float64         `yaml:"concentration"`
		ReferenceMode       string          `yaml:"reference_mode"`
	} `yaml:"division"`

	Controls struct {
		MaxOrderShares    int64           `yaml:"max_order_shares"`
		MaxOrderNotional  decimal.Decimal `yaml:"max_order_notional"`
		MaxPositionShares int64           `yaml:"max_position_shares"`
		MaxPositionWeight float64         `yaml:"max_position_weight"`
		LongOnly          bool            `yaml:"long_only"`
		CashReserve       decimal.Decimal `yaml:"cash_reserve"`
		MaxDailyDisposal  int64           `yaml:"max_daily_disposal"`
	} `yaml:"controls"`

	Execution struct {
		Mode      string `yaml:"mode"` // paper | remote
		RemoteURL string `yaml:"remote_url"`
		Journal   bool   `yaml:"journal"`
	} `yaml:"execution"`

	Backtest struct {
		StartingCash    decimal.Decimal `yaml:"starting_cash"`
		CapitalPerTrade decimal.Decimal `yaml:"capital_per_trade"`
		FastPeriod      int             `yaml:"fast_period"`
		SlowPeriod      int             `yaml:"slow_period"`
		Assets          []AssetConfig   `yaml:"assets"`
	} `yaml:"backtest"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ConfigLoadError{Path: path, Err: domain.ErrConfigNotFound}
		}
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML, applies defaults and env overrides, then validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	// 경로와 원격 주소는 환경 변수가 우선합니다
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ConfigLoadError reports a configuration file that could not be read.
type ConfigLoadError struct {
	Path string
	Err  error
}

func (e *ConfigLoadError) Error() string {
	return "load config " + e.Path + ": " + e.Err.Error()
}

func (e *ConfigLoadError) Unwrap() error {
	return e.Err
}

func (c *Config) applyDefaults() {
	if c.Data.DBPath == "" {
		c.Data.DBPath = "backtest.db"
	}
	if c.Calendar.Timezone == "" {
		c.Calendar.Timezone = "UTC"
	}
	if c.Calendar.Open == "" {
		c.Calendar.Open = "09:30"
	}
	if c.Calendar.Close == "" {
		c.Calendar.Close = "15:00"
	}
	if c.Division.BaseNotional.IsZero() {
		c.Division.BaseNotional = decimal.NewFromInt(20000)
	}
	if c.Division.PositionLotMultiple == 0 {
		c.Division.PositionLotMultiple = 1
	}
	if c.Division.IntervalSec == 0 {
		c.Division.IntervalSec = 60
	}
	if c.Execution.Mode == "" {
		c.Execution.Mode = "paper"
	}
	if c.Backtest.FastPeriod == 0 {
		c.Backtest.FastPeriod = 5
	}
	if c.Backtest.SlowPeriod == 0 {
		c.Backtest.SlowPeriod = 20
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Data.DBPath == "" {
		return &domain.ConfigError{Field: "data.db_path", Err: errors.New("required")}
	}

	// Calendar
	if _, err := c.Location(); err != nil {
		return &domain.ConfigError{Field: "calendar.timezone", Err: err}
	}
	if c.Calendar.First == "" || c.Calendar.Last == "" || c.Calendar.Last < c.Calendar.First {
		return &domain.ConfigError{Field: "calendar", Err: fmt.Errorf("invalid session range %q..%q", c.Calendar.First, c.Calendar.Last)}
	}
	for _, hm := range []string{c.Calendar.Open, c.Calendar.Close} {
		if _, err := time.Parse("15:04", hm); err != nil {
			return &domain.ConfigError{Field: "calendar.open/close", Err: err}
		}
	}

	// Division
	if c.Division.BaseNotional.IsNegative() {
		return &domain.ConfigError{Field: "division.base_notional", Err: errors.New("must not be negative")}
	}
	if c.Division.PositionLotMultiple < 0 {
		return &domain.ConfigError{Field: "division.position_lot_multiple", Err: errors.New("must be positive")}
	}
	switch strings.ToLower(c.Division.ReferenceMode) {
	case "", "prior_session", "prior_minute":
	default:
		return &domain.ConfigError{Field: "division.reference_mode", Err: fmt.Errorf("unknown mode %q", c.Division.ReferenceMode)}
	}
	if c.Division.Concentration < 0 || c.Division.Concentration > 1 {
		return &domain.ConfigError{Field: "division.concentration", Err: errors.New("must be within [0, 1]")}
	}

	// Controls
	if c.Controls.MaxPositionWeight < 0 || c.Controls.MaxPositionWeight > 1 {
		return &domain.ConfigError{Field: "controls.max_position_weight", Err: errors.New("must be within [0, 1]")}
	}

	// Execution
	switch c.Execution.Mode {
	case "paper":
	case "remote":
		if !strings.HasPrefix(c.Execution.RemoteURL, "ws://") && !strings.HasPrefix(c.Execution.RemoteURL, "wss://") {
			return &domain.ConfigError{Field: "execution.remote_url", Err: fmt.Errorf("invalid WS URL: %s", c.Execution.RemoteURL)}
		}
	default:
		return &domain.ConfigError{Field: "execution.mode", Err: fmt.Errorf("unknown mode %q", c.Execution.Mode)}
	}

	// Backtest
	if !c.Backtest.StartingCash.IsPositive() {
		return &domain.ConfigError{Field: "backtest.starting_cash", Err: errors.New("must be positive")}
	}
	if c.Backtest.FastPeriod <= 0 || c.Backtest.FastPeriod >= c.Backtest.SlowPeriod {
		return &domain.ConfigError{Field: "backtest.fast_period", Err: errors.New("must be positive and below slow_period")}
	}
	if len(c.Backtest.Assets) == 0 {
		return &domain.ConfigError{Field: "backtest.assets", Err: errors.New("at least one asset is required")}
	}
	seen := make(map[int64]bool, len(c.Backtest.Assets))
	for _, a := range c.Backtest.Assets {
		if seen[a.Sid] {
			return &domain.ConfigError{Field: "backtest.assets", Err: fmt.Errorf("duplicate sid %d", a.Sid)}
		}
		seen[a.Sid] = true
		if err := a.Asset().Validate(); err != nil {
			return &domain.ConfigError{Field: "backtest.assets", Err: err}
		}
	}

	return nil
}

// Location resolves the calendar timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Calendar.Timezone)
}

// Interval is the spacing of timed fragment targets.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Division.IntervalSec) * time.Second
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if path := os.Getenv("BACKTEST_DB_PATH"); path != "" {
		cfg.Data.DBPath = path
	}
	if url := os.Getenv("BACKTEST_REMOTE_URL"); url != "" {
		cfg.Execution.RemoteURL = url
	}
	if level := os.Getenv("BACKTEST_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}
