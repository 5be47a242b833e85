package transform

import (
	"github.com/dlnraja/com.tuya.zigbee-sub048/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func chain(t *testing.T, steps ...manifest.TransformStep) *Chain {
	c, err := Compile(steps)
	require.NoError(t, err)
	return c
}

func TestChain_Apply(t *testing.T) {
	t.Run("empty chain passes values through", func(t *testing.T) {
		c := chain(t)

		v, err := c.Apply(uint64(7))
		assert.NoError(t, err)
		assert.Equal(t, uint64(7), v)
		assert.Equal(t, 0, c.Len())
	})

	t.Run("scale applies factor, divisor and offset", func(t *testing.T) {
		c := chain(t, manifest.TransformStep{Kind: manifest.TransformScale, Params: map[string]any{"factor": 2, "divisor": 10, "offset": 1.5}})

		v, err := c.Apply(uint64(50))
		assert.NoError(t, err)
		assert.InDelta(t, 11.5, v, 0.0001)
	})

	t.Run("clamp saturates and reports it", func(t *testing.T) {
		c := chain(t, manifest.TransformStep{Kind: manifest.TransformClamp, Params: map[string]any{"min": 0, "max": 100}})

		v, err := c.Apply(int64(150))
		assert.Error(t, err)
		assert.Equal(t, 100.0, v)

		v, err = c.Apply(int64(-3))
		assert.Error(t, err)
		assert.Equal(t, 0.0, v)

		v, err = c.Apply(uint8(42))
		assert.NoError(t, err)
		assert.Equal(t, 42.0, v)
	})

	t.Run("battery half converts half percent units and is flagged as battery", func(t *testing.T) {
		c := chain(t, manifest.TransformStep{Kind: manifest.TransformBatteryHalf})

		assert.True(t, c.Battery())

		v, err := c.Apply(uint64(150))
		assert.NoError(t, err)
		assert.Equal(t, 75.0, v)

		v, err = c.Apply(uint64(255))
		assert.Error(t, err)
		assert.Equal(t, 100.0, v)
	})

	t.Run("battery voltage maps decivolts onto a percentage", func(t *testing.T) {
		c := chain(t, manifest.TransformStep{Kind: manifest.TransformBatteryVoltage, Params: map[string]any{"min": 2.0, "max": 3.0}})

		v, err := c.Apply(uint64(25))
		assert.NoError(t, err)
		assert.InDelta(t, 50.0, v, 0.0001)

		v, err = c.Apply(uint64(35))
		assert.Error(t, err)
		assert.Equal(t, 100.0, v)
	})

	t.Run("illuminance converts the logarithmic encoding to lux", func(t *testing.T) {
		c := chain(t, manifest.TransformStep{Kind: manifest.TransformIlluminanceLog})

		v, err := c.Apply(uint64(10001))
		assert.NoError(t, err)
		assert.Equal(t, 10.0, v)

		v, err = c.Apply(uint64(0))
		assert.NoError(t, err)
		assert.Equal(t, 0.0, v)
	})

	t.Run("temperature converts centidegrees and flags the invalid marker", func(t *testing.T) {
		c := chain(t, manifest.TransformStep{Kind: manifest.TransformTemperatureCenti})

		v, err := c.Apply(int64(2150))
		assert.NoError(t, err)
		assert.Equal(t, 21.5, v)

		_, err = c.Apply(int64(-32768))
		assert.Error(t, err)
	})

	t.Run("boolean invert handles booleans and numbers", func(t *testing.T) {
		c := chain(t, manifest.TransformStep{Kind: manifest.TransformBooleanInvert})

		v, _ := c.Apply(true)
		assert.Equal(t, false, v)

		v, _ = c.Apply(uint64(0))
		assert.Equal(t, true, v)
	})

	t.Run("lookup maps raw values and falls back to the default", func(t *testing.T) {
		c := chain(t, manifest.TransformStep{Kind: manifest.TransformLookup, Params: map[string]any{
			"table":   map[string]any{"0": "closed", "1": "open"},
			"default": "unknown",
		}})

		v, err := c.Apply(uint64(1))
		assert.NoError(t, err)
		assert.Equal(t, "open", v)

		v, err = c.Apply(uint64(9))
		assert.Error(t, err)
		assert.Equal(t, "unknown", v)
	})

	t.Run("lookup accepts tables with non-string keys", func(t *testing.T) {
		c := chain(t, manifest.TransformStep{Kind: manifest.TransformLookup, Params: map[string]any{
			"table": map[any]any{0: "off", 1: "on"},
		}})

		v, err := c.Apply(uint8(0))
		assert.NoError(t, err)
		assert.Equal(t, "off", v)

		v, err = c.Apply(uint8(4))
		assert.Error(t, err)
		assert.Equal(t, uint8(4), v)
	})

	t.Run("expression evaluates against value", func(t *testing.T) {
		c := chain(t, manifest.TransformStep{Kind: manifest.TransformExpression, Params: map[string]any{"expression": "value * 0.1 + 1"}})

		v, err := c.Apply(uint64(200))
		assert.NoError(t, err)
		assert.InDelta(t, 21.0, v, 0.0001)
	})

	t.Run("numeric transforms pass non-numeric values through with a diagnostic", func(t *testing.T) {
		c := chain(t, manifest.TransformStep{Kind: manifest.TransformScale, Params: map[string]any{"factor": 2}})

		v, err := c.Apply("hello")
		assert.ErrorIs(t, err, ErrNotNumeric)
		assert.Equal(t, "hello", v)
	})

	t.Run("steps keep running after a diagnostic", func(t *testing.T) {
		c := chain(t,
			manifest.TransformStep{Kind: manifest.TransformClamp, Params: map[string]any{"min": 0, "max": 100}},
			manifest.TransformStep{Kind: manifest.TransformScale, Params: map[string]any{"factor": 0.5}},
		)

		v, err := c.Apply(uint64(300))
		assert.Error(t, err)
		assert.Equal(t, 50.0, v)
	})
}

func TestCompile(t *testing.T) {
	t.Run("rejects an expression which does not compile", func(t *testing.T) {
		_, err := Compile([]manifest.TransformStep{{Kind: manifest.TransformExpression, Params: map[string]any{"expression": "value +"}}})
		assert.Error(t, err)
	})

	t.Run("rejects a missing expression", func(t *testing.T) {
		_, err := Compile([]manifest.TransformStep{{Kind: manifest.TransformExpression}})
		assert.Error(t, err)
	})

	t.Run("rejects a zero divisor", func(t *testing.T) {
		_, err := Compile([]manifest.TransformStep{{Kind: manifest.TransformScale, Params: map[string]any{"divisor": 0}}})
		assert.Error(t, err)
	})

	t.Run("rejects an inverted clamp", func(t *testing.T) {
		_, err := Compile([]manifest.TransformStep{{Kind: manifest.TransformClamp, Params: map[string]any{"min": 10, "max": 0}}})
		assert.Error(t, err)
	})

	t.Run("rejects a lookup without table", func(t *testing.T) {
		_, err := Compile([]manifest.TransformStep{{Kind: manifest.TransformLookup}})
		assert.Error(t, err)
	})

	t.Run("rejects an unknown kind", func(t *testing.T) {
		_, err := Compile([]manifest.TransformStep{{Kind: "sqrt"}})
		assert.Error(t, err)
	})
}

func TestGet(t *testing.T) {
	m := map[string]any{"s": "text", "i": 3}

	assert.Equal(t, "text", Get(m, "s", "def"))
	assert.Equal(t, "def", Get(m, "missing", "def"))
	assert.Equal(t, "def", Get(m, "i", "def"))
	assert.Equal(t, 3.0, Float(m, "i", 1))
	assert.Equal(t, 1.0, Float(m, "s", 1))
}
