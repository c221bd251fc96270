// Package market_hours answers whether an exchange is open for trading at a
// given instant, accounting for sessions, weekends and holidays.
package market_hours

import "time"

// TradingHours represents regular trading hours for an exchange
type TradingHours struct {
	OpenHour    int
	OpenMinute  int
	CloseHour   int
	CloseMinute int
}

// FixedDateHoliday represents a holiday on a fixed date
type FixedDateHoliday struct {
	Month int
	Day   int
	// Observe on the nearest weekday when the date falls on a weekend
	ObserveOnWeekday bool
}

// RuleBasedHoliday represents a holiday calculated by rule
type RuleBasedHoliday struct {
	Month   int
	Weekday time.Weekday
	N       int // Nth occurrence (1 = first, -1 = last)
}

// HolidayRuleSet defines holidays for an exchange
type HolidayRuleSet struct {
	FixedDateHolidays   []FixedDateHoliday
	RuleBasedHolidays   []RuleBasedHoliday
	EasterOffsets       []int // days relative to Easter Sunday (-2 = Good Friday)
	EarlyCloseFixedDays []FixedDateHoliday
}

// ExchangeConfig represents configuration for a single exchange
type ExchangeConfig struct {
	Code           string
	Name           string
	TradingHours   TradingHours
	Timezone       *time.Location
	EarlyCloseHour int // 0 = no early closes
	EarlyCloseMin  int
	HolidayRules   HolidayRuleSet
}

// MarketStatus represents the current status of a market
type MarketStatus struct {
	Open     bool   `json:"open"`
	Exchange string `json:"exchange"`
	Timezone string `json:"timezone"`
	OpensAt  string `json:"opens_at"`
	ClosesAt string `json:"closes_at"`
}
