package market_hours

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MarketHoursService provides market hours checking functionality
type MarketHoursService struct {
	mu           sync.Mutex
	holidayCache map[string]map[string]bool // "code:year" -> holiday dates
}

// NewMarketHoursService creates a new market hours service
func NewMarketHoursService() *MarketHoursService {
	return &MarketHoursService{
		holidayCache: make(map[string]map[string]bool),
	}
}

// IsMarketOpen checks if a market is open for trading at t
func (s *MarketHoursService) IsMarketOpen(exchangeName string, t time.Time) bool {
	config := getExchangeConfig(GetExchangeCode(exchangeName))
	marketTime := t.In(config.Timezone)

	if marketTime.Weekday() == time.Saturday || marketTime.Weekday() == time.Sunday {
		return false
	}
	if s.isHoliday(config, marketTime) {
		return false
	}

	openTime, closeTime := s.session(config, marketTime)
	return !marketTime.Before(openTime) && marketTime.Before(closeTime)
}

// GetMarketStatus returns detailed status for a market. Unlike IsMarketOpen it
// does not fall back to DefaultExchange for unknown exchanges.
func (s *MarketHoursService) GetMarketStatus(exchangeName string, t time.Time) (*MarketStatus, error) {
	code, ok := lookupExchangeCode(exchangeName)
	if !ok {
		return nil, fmt.Errorf("exchange not found: %s", exchangeName)
	}
	config := exchangeConfigs[code]
	marketTime := t.In(config.Timezone)
	openTime, closeTime := s.session(&config, marketTime)

	return &MarketStatus{
		Open:     s.IsMarketOpen(code, t),
		Exchange: config.Name,
		Timezone: config.Timezone.String(),
		OpensAt:  openTime.Format("15:04"),
		ClosesAt: closeTime.Format("15:04"),
	}, nil
}

// session returns the open and close instants on marketTime's date
func (s *MarketHoursService) session(config *ExchangeConfig, marketTime time.Time) (time.Time, time.Time) {
	y, m, d := marketTime.Date()
	hours := config.TradingHours
	openTime := time.Date(y, m, d, hours.OpenHour, hours.OpenMinute, 0, 0, config.Timezone)
	closeTime := time.Date(y, m, d, hours.CloseHour, hours.CloseMinute, 0, 0, config.Timezone)

	if config.EarlyCloseHour > 0 {
		for _, day := range config.HolidayRules.EarlyCloseFixedDays {
			if int(m) == day.Month && d == day.Day {
				closeTime = time.Date(y, m, d, config.EarlyCloseHour, config.EarlyCloseMin, 0, 0, config.Timezone)
				break
			}
		}
	}
	return openTime, closeTime
}

func (s *MarketHoursService) isHoliday(config *ExchangeConfig, marketTime time.Time) bool {
	year := marketTime.Year()
	key := fmt.Sprintf("%s:%d", config.Code, year)

	s.mu.Lock()
	holidays, ok := s.holidayCache[key]
	if !ok {
		holidays = holidaysForYear(config.HolidayRules, year)
		s.holidayCache[key] = holidays
	}
	s.mu.Unlock()

	return holidays[marketTime.Format("2006-01-02")]
}

// ExchangeCodes returns every configured exchange code in sorted order
func ExchangeCodes() []string {
	codes := make([]string, 0, len(exchangeConfigs))
	for code := range exchangeConfigs {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// GetOpenMarkets returns the exchanges open at t
func (s *MarketHoursService) GetOpenMarkets(t time.Time) []string {
	open := make([]string, 0)
	for _, code := range ExchangeCodes() {
		if s.IsMarketOpen(code, t) {
			open = append(open, code)
		}
	}
	return open
}
