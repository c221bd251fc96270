package testing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aristath/rotation/internal/domain"
)

// MockPreferenceProvider is a mock implementation of domain.PreferenceProvider for testing
type MockPreferenceProvider struct {
	mu    sync.RWMutex
	prefs map[string]domain.UserPreferences
	err   error
}

// NewMockPreferenceProvider creates a new mock preference provider
func NewMockPreferenceProvider() *MockPreferenceProvider {
	return &MockPreferenceProvider{prefs: make(map[string]domain.UserPreferences)}
}

// SetPreferences stores the preferences to return for prefs.UserID
func (m *MockPreferenceProvider) SetPreferences(prefs domain.UserPreferences) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[prefs.UserID] = prefs
}

// SetError sets the error to return
func (m *MockPreferenceProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// GetPreferences returns stored preferences or the defaults
func (m *MockPreferenceProvider) GetPreferences(_ context.Context, userID string) (*domain.UserPreferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	prefs, ok := m.prefs[userID]
	if !ok {
		prefs = domain.DefaultPreferences(userID)
	}
	return &prefs, nil
}

// MockTargetProvider is a mock implementation of domain.TargetProvider for testing
type MockTargetProvider struct {
	mu      sync.RWMutex
	targets map[string]map[string]float64
	err     error
}

// NewMockTargetProvider creates a new mock target provider
func NewMockTargetProvider() *MockTargetProvider {
	return &MockTargetProvider{targets: make(map[string]map[string]float64)}
}

// SetTargets sets the targets to return for a user
func (m *MockTargetProvider) SetTargets(userID string, targets map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[userID] = targets
}

// SetError sets the error to return
func (m *MockTargetProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// GetTargets returns a copy of the user's targets
func (m *MockTargetProvider) GetTargets(_ context.Context, userID string) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	result := make(map[string]float64, len(m.targets[userID]))
	for symbol, weight := range m.targets[userID] {
		result[symbol] = weight
	}
	return result, nil
}

// MockMarketHours is a mock implementation of domain.MarketHoursChecker for testing.
// Every exchange is open unless closed explicitly.
type MockMarketHours struct {
	mu     sync.RWMutex
	closed map[string]bool
}

// NewMockMarketHours creates a new mock market hours checker
func NewMockMarketHours() *MockMarketHours {
	return &MockMarketHours{closed: make(map[string]bool)}
}

// SetClosed marks an exchange as closed or open
func (m *MockMarketHours) SetClosed(exchange string, closed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[strings.ToUpper(exchange)] = closed
}

// IsMarketOpen reports whether the exchange is open
func (m *MockMarketHours) IsMarketOpen(exchangeName string, _ time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed[strings.ToUpper(exchangeName)]
}

// Verify interface implementation
var (
	_ domain.PreferenceProvider = (*MockPreferenceProvider)(nil)
	_ domain.TargetProvider     = (*MockTargetProvider)(nil)
	_ domain.MarketHoursChecker = (*MockMarketHours)(nil)
)
