package models

import (
	"fmt"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testModule struct {
	Width int `json:"width"`
}

func (m *testModule) Name() string { return "TestNet" }

func (m *testModule) MetaData() MetaData {
	return MetaData{Name: "TestNet", AMPGPU: true, BF16: true}
}

func registerTestModule(t *testing.T, arch string) {
	t.Helper()
	Register(arch, func(config json.RawMessage) (Module, error) {
		m := &testModule{}
		if len(config) > 0 {
			if err := json.Unmarshal(config, m); err != nil {
				return nil, err
			}
		}
		if m.Width < 0 {
			return nil, fmt.Errorf("width must be non-negative, got %d", m.Width)
		}
		return m, nil
	})
}

func TestRegistry(t *testing.T) {
	registerTestModule(t, "TestNet")

	// Duplicate registration is a programming error.
	require.Panics(t, func() { registerTestModule(t, "TestNet") })

	require.Contains(t, Architectures(), "TestNet")

	module, err := New("TestNet", json.RawMessage(`{"width": 7}`))
	require.NoError(t, err)
	require.Equal(t, "TestNet", module.Name())
	require.Equal(t, 7, module.(*testModule).Width)

	// Nil config means defaults.
	module, err = New("TestNet", nil)
	require.NoError(t, err)
	require.Equal(t, 0, module.(*testModule).Width)

	// Builder errors are propagated with the architecture name attached.
	_, err = New("TestNet", json.RawMessage(`{"width": -1}`))
	require.ErrorContains(t, err, "TestNet")

	_, err = New("NoSuchNet", nil)
	require.ErrorContains(t, err, "NoSuchNet")
}

func TestConfigRoundTrip(t *testing.T) {
	registerTestModule(t, "RoundTripNet")

	data, err := EncodeConfig("RoundTripNet", &testModule{Width: 11})
	require.NoError(t, err)

	module, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, 11, module.(*testModule).Width)

	// Envelope without an architecture name is rejected.
	_, err = Decode([]byte(`{"config": {}}`))
	require.ErrorContains(t, err, "arch")

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestMetaData(t *testing.T) {
	meta := MetaData{Name: "TestNet", AMPGPU: true, BF16: true}
	assert.Equal(t, dtypes.Float32, meta.ComputeDType(false))
	assert.Equal(t, dtypes.BFloat16, meta.ComputeDType(true))
	assert.True(t, meta.SupportsMixedPrecision())
	assert.False(t, meta.SupportsGraphCapture())

	meta = MetaData{Name: "Other", JIT: true}
	assert.Equal(t, dtypes.Float32, meta.ComputeDType(true))
	assert.True(t, meta.SupportsGraphCapture())
	assert.False(t, meta.SupportsMixedPrecision())
}
