package transform

import (
	"errors"
	"fmt"
	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/dlnraja/com.tuya.zigbee-sub048/manifest"
	"math"
)

var ErrNotNumeric = errors.New("value is not numeric")

// step is a pure, total function. It always returns a usable value, the error is diagnostic
// and reports saturation or unusable input.
type step func(v any) (any, error)

// Chain is a compiled value transform, safe for concurrent use.
type Chain struct {
	kinds   []string
	steps   []step
	battery bool
}

// Compile prepares a chain of transform steps. It fails only on parameters which can never
// work, such as an expression which does not compile.
func Compile(steps []manifest.TransformStep) (*Chain, error) {
	c := &Chain{}

	for n, s := range steps {
		fn, err := compileStep(s)
		if err != nil {
			return nil, fmt.Errorf("transform %d (%s): %w", n, s.Kind, err)
		}

		c.kinds = append(c.kinds, s.Kind)
		c.steps = append(c.steps, fn)

		if s.Kind == manifest.TransformBatteryHalf || s.Kind == manifest.TransformBatteryVoltage {
			c.battery = true
		}
	}

	return c, nil
}

// Apply runs every step in order, a diagnostic from one step does not stop the chain.
func (c *Chain) Apply(raw any) (any, error) {
	v := raw
	var diags []error

	for n, s := range c.steps {
		out, err := s(v)
		if err != nil {
			diags = append(diags, fmt.Errorf("%s: %w", c.kinds[n], err))
		}
		v = out
	}

	return v, errors.Join(diags...)
}

// Battery reports whether the chain produces a battery percentage.
func (c *Chain) Battery() bool {
	return c.battery
}

func (c *Chain) Len() int {
	return len(c.steps)
}

func compileStep(s manifest.TransformStep) (step, error) {
	p := s.Params

	switch s.Kind {
	case manifest.TransformScale:
		factor := Float(p, "factor", 1)
		offset := Float(p, "offset", 0)
		if d := Float(p, "divisor", 1); d != 0 {
			factor = factor / d
		} else {
			return nil, fmt.Errorf("divisor must not be zero")
		}
		return numeric(func(f float64) (float64, error) { return f*factor + offset, nil }), nil

	case manifest.TransformClamp:
		lo := Float(p, "min", math.Inf(-1))
		hi := Float(p, "max", math.Inf(1))
		if lo > hi {
			return nil, fmt.Errorf("min %v above max %v", lo, hi)
		}
		return numeric(func(f float64) (float64, error) { return Clamp(f, lo, hi) }), nil

	case manifest.TransformLookup:
		return lookup(p)

	case manifest.TransformBatteryHalf:
		return numeric(func(f float64) (float64, error) { return Clamp(f/2, 0, 100) }), nil

	case manifest.TransformBatteryVoltage:
		lo := Float(p, "min", 2.5)
		hi := Float(p, "max", 3.0)
		if lo >= hi {
			return nil, fmt.Errorf("min %v not below max %v", lo, hi)
		}
		return numeric(func(f float64) (float64, error) {
			volts := f / 10
			return Clamp((volts-lo)/(hi-lo)*100, 0, 100)
		}), nil

	case manifest.TransformIlluminanceLog:
		return numeric(func(f float64) (float64, error) {
			if f <= 0 {
				return 0, nil
			}
			return math.Round(math.Pow(10, (f-1)/10000)), nil
		}), nil

	case manifest.TransformTemperatureCenti:
		return numeric(func(f float64) (float64, error) {
			if f == -32768 {
				return 0, fmt.Errorf("invalid measurement")
			}
			return f / 100, nil
		}), nil

	case manifest.TransformBooleanInvert:
		return invert, nil

	case manifest.TransformExpression:
		return expression(Get(p, "expression", ""))

	default:
		return nil, fmt.Errorf("unknown transform")
	}
}

func numeric(fn func(float64) (float64, error)) step {
	return func(v any) (any, error) {
		f, ok := Numeric(v)
		if !ok {
			return v, fmt.Errorf("%w: %v", ErrNotNumeric, v)
		}

		return fn(f)
	}
}

// Clamp saturates f to [lo, hi], returning a diagnostic when it had to.
func Clamp(f, lo, hi float64) (float64, error) {
	if f < lo {
		return lo, fmt.Errorf("value %v saturated to %v", f, lo)
	} else if f > hi {
		return hi, fmt.Errorf("value %v saturated to %v", f, hi)
	}

	return f, nil
}

func invert(v any) (any, error) {
	switch b := v.(type) {
	case bool:
		return !b, nil
	default:
		f, ok := Numeric(v)
		if !ok {
			return v, fmt.Errorf("%w: %v", ErrNotNumeric, v)
		}

		return f == 0, nil
	}
}

func lookup(p map[string]any) (step, error) {
	table := map[string]any{}

	switch t := p["table"].(type) {
	case map[string]any:
		for k, v := range t {
			table[k] = v
		}
	case map[any]any:
		for k, v := range t {
			table[fmt.Sprint(k)] = v
		}
	default:
		return nil, fmt.Errorf("table missing")
	}

	if len(table) == 0 {
		return nil, fmt.Errorf("table empty")
	}

	def, hasDefault := p["default"]

	return func(v any) (any, error) {
		if out, found := table[lookupKey(v)]; found {
			return out, nil
		}

		if hasDefault {
			return def, fmt.Errorf("value %v not in table", v)
		}

		return v, fmt.Errorf("value %v not in table", v)
	}, nil
}

func lookupKey(v any) string {
	if f, ok := Numeric(v); ok && f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return fmt.Sprint(int64(f))
	}

	return fmt.Sprint(v)
}

func expression(src string) (step, error) {
	if src == "" {
		return nil, fmt.Errorf("expression missing")
	}

	program, err := expr.Compile(src, expr.Env(map[string]any{"value": 0.0}), expr.AsFloat64())
	if err != nil {
		return nil, err
	}

	return func(v any) (any, error) {
		f, ok := Numeric(v)
		if !ok {
			return v, fmt.Errorf("%w: %v", ErrNotNumeric, v)
		}

		return run(program, f)
	}, nil
}

func run(program *vm.Program, f float64) (any, error) {
	out, err := expr.Run(program, map[string]any{"value": f})
	if err != nil {
		return f, err
	}

	r, ok := out.(float64)
	if !ok || math.IsNaN(r) || math.IsInf(r, 0) {
		return f, fmt.Errorf("expression result unusable: %v", out)
	}

	return r, nil
}
