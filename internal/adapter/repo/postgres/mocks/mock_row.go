// Package mocks provides testify-based test doubles for the postgres package's
// narrow pgx interfaces, so repo logic can be unit tested without a live
// connection.
package mocks

import "github.com/stretchr/testify/mock"

// MockRow is a testify mock implementing pgx.Row.
type MockRow struct {
	mock.Mock
}

// Scan implements pgx.Row.
func (m *MockRow) Scan(dest ...any) error {
	args := m.Called(dest)
	return args.Error(0)
}
