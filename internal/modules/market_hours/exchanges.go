package market_hours

import (
	"strings"
	"time"
	_ "time/tzdata" // exchange timezones must resolve on minimal images
)

// DefaultExchange is used for symbols without a known listing
const DefaultExchange = "XNYS"

// Exchange name mapping to exchange code
var exchangeNameToCode = map[string]string{
	"NYSE":      "XNYS",
	"New York":  "XNYS",
	"NASDAQ":    "XNAS",
	"NasdaqGS":  "XNAS",
	"NasdaqCM":  "XNAS",
	"LSE":       "XLON",
	"London":    "XLON",
	"XETRA":     "XETR",
	"Frankfurt": "XETR",
}

// GetExchangeCode returns the exchange code for an exchange name, falling back
// to DefaultExchange
func GetExchangeCode(exchangeName string) string {
	if code, ok := lookupExchangeCode(exchangeName); ok {
		return code
	}
	return DefaultExchange
}

// lookupExchangeCode resolves a configured code or a known exchange name
func lookupExchangeCode(exchangeName string) (string, bool) {
	normalized := strings.TrimSpace(exchangeName)
	if _, exists := exchangeConfigs[strings.ToUpper(normalized)]; exists {
		return strings.ToUpper(normalized), true
	}
	for name, code := range exchangeNameToCode {
		if strings.EqualFold(normalized, name) {
			return code, true
		}
	}
	return "", false
}

func getExchangeConfig(code string) *ExchangeConfig {
	if config, ok := exchangeConfigs[code]; ok {
		return &config
	}
	config := exchangeConfigs[DefaultExchange]
	return &config
}

var usHolidays = HolidayRuleSet{
	FixedDateHolidays: []FixedDateHoliday{
		{Month: 1, Day: 1, ObserveOnWeekday: true},   // New Year's Day
		{Month: 6, Day: 19, ObserveOnWeekday: true},  // Juneteenth
		{Month: 7, Day: 4, ObserveOnWeekday: true},   // Independence Day
		{Month: 12, Day: 25, ObserveOnWeekday: true}, // Christmas
	},
	RuleBasedHolidays: []RuleBasedHoliday{
		{Month: 1, Weekday: time.Monday, N: 3},    // MLK Day
		{Month: 2, Weekday: time.Monday, N: 3},    // Presidents Day
		{Month: 5, Weekday: time.Monday, N: -1},   // Memorial Day
		{Month: 9, Weekday: time.Monday, N: 1},    // Labor Day
		{Month: 11, Weekday: time.Thursday, N: 4}, // Thanksgiving
	},
	EasterOffsets:       []int{-2}, // Good Friday
	EarlyCloseFixedDays: []FixedDateHoliday{{Month: 12, Day: 24}},
}

// exchangeConfigs contains all exchange configurations
var exchangeConfigs = map[string]ExchangeConfig{
	"XNYS": {
		Code:           "XNYS",
		Name:           "New York Stock Exchange",
		TradingHours:   TradingHours{OpenHour: 9, OpenMinute: 30, CloseHour: 16},
		Timezone:       mustLoadLocation("America/New_York"),
		EarlyCloseHour: 13,
		HolidayRules:   usHolidays,
	},
	"XNAS": {
		Code:           "XNAS",
		Name:           "NASDAQ",
		TradingHours:   TradingHours{OpenHour: 9, OpenMinute: 30, CloseHour: 16},
		Timezone:       mustLoadLocation("America/New_York"),
		EarlyCloseHour: 13,
		HolidayRules:   usHolidays,
	},
	"XLON": {
		Code:           "XLON",
		Name:           "London Stock Exchange",
		TradingHours:   TradingHours{OpenHour: 8, CloseHour: 16, CloseMinute: 30},
		Timezone:       mustLoadLocation("Europe/London"),
		EarlyCloseHour: 12,
		EarlyCloseMin:  30,
		HolidayRules: HolidayRuleSet{
			FixedDateHolidays: []FixedDateHoliday{
				{Month: 1, Day: 1, ObserveOnWeekday: true},
				{Month: 12, Day: 25, ObserveOnWeekday: true},
				{Month: 12, Day: 26, ObserveOnWeekday: true},
			},
			RuleBasedHolidays: []RuleBasedHoliday{
				{Month: 5, Weekday: time.Monday, N: 1},  // Early May bank holiday
				{Month: 5, Weekday: time.Monday, N: -1}, // Spring bank holiday
				{Month: 8, Weekday: time.Monday, N: -1}, // Summer bank holiday
			},
			EasterOffsets:       []int{-2, 1}, // Good Friday, Easter Monday
			EarlyCloseFixedDays: []FixedDateHoliday{{Month: 12, Day: 24}, {Month: 12, Day: 31}},
		},
	},
	"XETR": {
		Code:         "XETR",
		Name:         "XETRA",
		TradingHours: TradingHours{OpenHour: 9, CloseHour: 17, CloseMinute: 30},
		Timezone:     mustLoadLocation("Europe/Berlin"),
		HolidayRules: HolidayRuleSet{
			FixedDateHolidays: []FixedDateHoliday{
				{Month: 1, Day: 1},
				{Month: 5, Day: 1},
				{Month: 12, Day: 24},
				{Month: 12, Day: 25},
				{Month: 12, Day: 26},
				{Month: 12, Day: 31},
			},
			EasterOffsets: []int{-2, 1},
		},
	},
}

// mustLoadLocation loads a timezone location, panicking if it fails
func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic("failed to load timezone: " + name + ": " + err.Error())
	}
	return loc
}
