package plan

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/skein/pkg/fiber"
	"github.com/openfroyo/skein/pkg/result"
)

// futureValue exposes a background block to plan code.
type futureValue struct {
	future *fiber.PlanFuture
}

var (
	_ starlark.Value    = (*futureValue)(nil)
	_ starlark.HasAttrs = (*futureValue)(nil)
)

func (f *futureValue) String() string        { return fmt.Sprintf("<Future %s>", f.future) }
func (f *futureValue) Type() string          { return "Future" }
func (f *futureValue) Freeze()               {}
func (f *futureValue) Truth() starlark.Bool  { return starlark.True }
func (f *futureValue) Hash() (uint32, error) { return uint32(f.future.ID()), nil }

func (f *futureValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "id":
		return starlark.MakeInt(f.future.ID()), nil
	case "name":
		return starlark.String(f.future.Name()), nil
	case "state":
		return starlark.String(f.future.State()), nil
	case "alive":
		return starlark.Bool(f.future.Alive()), nil
	}
	return nil, nil
}

func (f *futureValue) AttrNames() []string {
	return []string{"alive", "id", "name", "state"}
}

// resultSetValue converts a ResultSet into a Starlark struct:
//
//	ResultSet(ok, count, names, failed, results)
func resultSetValue(rs *result.ResultSet) (starlark.Value, error) {
	results := make([]starlark.Value, 0, rs.Count())
	for _, r := range rs.Results() {
		v, err := resultValue(r)
		if err != nil {
			return nil, err
		}
		results = append(results, v)
	}

	names, _ := toStarlarkValue(rs.Names())
	failed, _ := toStarlarkValue(rs.ErrorSet().Names())

	return starlarkstruct.FromStringDict(starlark.String("ResultSet"), starlark.StringDict{
		"ok":      starlark.Bool(rs.OK()),
		"count":   starlark.MakeInt(rs.Count()),
		"names":   names,
		"failed":  failed,
		"results": starlark.NewList(results),
	}), nil
}

func resultValue(r *result.Result) (starlark.Value, error) {
	value, err := toStarlarkValue(r.Value())
	if err != nil {
		return nil, fmt.Errorf("result for %s: %w", r.Target().Name(), err)
	}

	var errValue starlark.Value = starlark.None
	if r.Err() != nil {
		if errValue, err = toStarlarkValue(r.Err()); err != nil {
			return nil, fmt.Errorf("result for %s: %w", r.Target().Name(), err)
		}
	}

	return starlarkstruct.FromStringDict(starlark.String("Result"), starlark.StringDict{
		"target":  starlark.String(r.Target().Name()),
		"ok":      starlark.Bool(r.OK()),
		"status":  starlark.String(r.Status()),
		"action":  starlark.String(r.Action()),
		"object":  starlark.String(r.Object()),
		"message": starlark.String(r.Message()),
		"value":   value,
		"error":   errValue,
	}), nil
}
