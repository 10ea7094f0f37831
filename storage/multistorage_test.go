package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/master-key-backup/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockExportBackend implements interfaces.ExportBackend for testing
type MockExportBackend struct {
	mock.Mock
	name string
}

func (m *MockExportBackend) Fetch(ctx context.Context, location string) ([]byte, error) {
	args := m.Called(ctx, location)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockExportBackend) Store(ctx context.Context, name string, data []byte) (string, error) {
	args := m.Called(ctx, name, data)
	return args.String(0), args.Error(1)
}

func (m *MockExportBackend) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockExportBackend) Name() string {
	return m.name
}

func (m *MockExportBackend) LocationURI() string {
	return "mock://" + m.name
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMultiExportBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{
			name:     "all backends available",
			backends: []bool{true, true, true},
			expected: true,
		},
		{
			name:     "some backends available",
			backends: []bool{false, true, false},
			expected: true,
		},
		{
			name:     "no backends available",
			backends: []bool{false, false, false},
			expected: false,
		},
		{
			name:     "no backends",
			backends: []bool{},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.ExportBackend
			for i, available := range tt.backends {
				mockBackend := &MockExportBackend{name: fmt.Sprintf("mock-A%x", i)}
				mockBackend.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, mockBackend)
			}

			multi := NewMultiExportBackend(backends, discardLogger())
			assert.Equal(t, tt.expected, multi.Available(context.Background()))

			for _, backend := range backends {
				backend.(*MockExportBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiExportBackend_Fetch(t *testing.T) {
	location := "mock://somewhere/master_key_backup_20240101_000000_000000.enc"
	testData := []byte("test data")
	testErr := errors.New("test error")

	tests := []struct {
		name          string
		setupMocks    func() []interfaces.ExportBackend
		expectedData  []byte
		expectedError error
	}{
		{
			name: "first backend successful",
			setupMocks: func() []interfaces.ExportBackend {
				mock1 := &MockExportBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, location).Return(testData, nil)

				// Not called, the first backend succeeds
				mock2 := &MockExportBackend{name: "mock-B"}

				return []interfaces.ExportBackend{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "first backend does not know the location",
			setupMocks: func() []interfaces.ExportBackend {
				mock1 := &MockExportBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, location).Return(nil, interfaces.ErrContentNotFound)

				mock2 := &MockExportBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, location).Return(testData, nil)

				return []interfaces.ExportBackend{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.ExportBackend {
				mock1 := &MockExportBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, location).Return(nil, testErr)

				mock2 := &MockExportBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, location).Return(nil, interfaces.ErrContentNotFound)

				return []interfaces.ExportBackend{mock1, mock2}
			},
			expectedError: interfaces.ErrContentNotFound,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.ExportBackend {
				mock1 := &MockExportBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)

				mock2 := &MockExportBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, location).Return(testData, nil)

				return []interfaces.ExportBackend{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "nothing available",
			setupMocks: func() []interfaces.ExportBackend {
				mock1 := &MockExportBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)
				return []interfaces.ExportBackend{mock1}
			},
			expectedError: interfaces.ErrBackendUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiExportBackend(backends, discardLogger())

			data, err := multi.Fetch(context.Background(), location)

			if tt.expectedError != nil {
				assert.ErrorIs(t, err, tt.expectedError)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expectedData, data)

			for _, backend := range backends {
				backend.(*MockExportBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiExportBackend_Store(t *testing.T) {
	name := "master_key_backup_20240101_000000_000000.enc"
	testData := []byte("test data")
	testErr := errors.New("test error")

	tests := []struct {
		name             string
		setupMocks       func() []interfaces.ExportBackend
		expectedLocation string
		expectedError    bool
	}{
		{
			name: "all backends successful",
			setupMocks: func() []interfaces.ExportBackend {
				mock1 := &MockExportBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Store", mock.Anything, name, testData).Return("mock://a/"+name, nil)

				mock2 := &MockExportBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, name, testData).Return("mock://b/"+name, nil)

				return []interfaces.ExportBackend{mock1, mock2}
			},
			expectedLocation: "mock://a/" + name,
		},
		{
			name: "some backends fail",
			setupMocks: func() []interfaces.ExportBackend {
				mock1 := &MockExportBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Store", mock.Anything, name, testData).Return("", testErr)

				mock2 := &MockExportBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, name, testData).Return("mock://b/"+name, nil)

				return []interfaces.ExportBackend{mock1, mock2}
			},
			expectedLocation: "mock://b/" + name,
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.ExportBackend {
				mock1 := &MockExportBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Store", mock.Anything, name, testData).Return("", testErr)

				mock2 := &MockExportBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, name, testData).Return("", testErr)

				return []interfaces.ExportBackend{mock1, mock2}
			},
			expectedError: true,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.ExportBackend {
				mock1 := &MockExportBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)

				mock2 := &MockExportBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, name, testData).Return("mock://b/"+name, nil)

				return []interfaces.ExportBackend{mock1, mock2}
			},
			expectedLocation: "mock://b/" + name,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiExportBackend(backends, discardLogger())

			location, err := multi.Store(context.Background(), name, testData)

			if tt.expectedError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expectedLocation, location)

			for _, backend := range backends {
				backend.(*MockExportBackend).AssertExpectations(t)
			}
		})
	}
}
