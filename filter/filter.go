package filter

import (
	"strconv"
	"strings"
	"time"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/sparksocial/spark-rtm/globals"
	"github.com/sparksocial/spark-rtm/types"
)

// AsInt parses the tag value as an int, 0 on error
func AsInt(v string) int64 {
	val, _ := strconv.ParseInt(v, 0, 64)
	return val
}

// AsFloat parses the tag value as a float64, 0.0 on error
func AsFloat(v string) float64 {
	val, _ := strconv.ParseFloat(v, 64)
	return val
}

// AsIntSlice parses the tag value as a comma-separated slice of int64s (0 in every unparsable item)
func AsIntSlice(v string) []int64 {
	parts := strings.Split(v, ",")
	res := make([]int64, len(parts))
	for i, part := range parts {
		val, _ := strconv.ParseInt(part, 0, 64)
		res[i] = val
	}
	return res
}

// AsFloatSlice parses the tag value as a comma-separated slice of float64s (0.0 in every unparsable item)
func AsFloatSlice(v string) []float64 {
	parts := strings.Split(v, ",")
	res := make([]float64, len(parts))
	for i, part := range parts {
		val, _ := strconv.ParseFloat(part, 64)
		res[i] = val
	}
	return res
}

// AsStringSlice parses the tag value as a comma-separated slice of strings
func AsStringSlice(v string) []string {
	return strings.Split(v, ",")
}

// Compile compiles a target filter expression, nil program for an empty one.
func Compile(filterExpr string) (*vm.Program, error) {
	if filterExpr == "" {
		return nil, nil
	}
	return expr.Compile(filterExpr, expr.Env(Env{}))
}

// Run evaluates a compiled target filter for one candidate recipient. A nil
// program admits everyone; evaluation errors exclude the recipient.
func Run(prog *vm.Program, room *types.Room, source, target *types.User, name string, created time.Time) bool {
	if prog == nil {
		return true
	}
	env := Env{
		Source:  Source{User: envUser(source)},
		Target:  Target{User: envUser(target)},
		Created: created.Unix(),
		Name:    name,

		AsInt:         AsInt,
		AsFloat:       AsFloat,
		AsStringSlice: AsStringSlice,
		AsIntSlice:    AsIntSlice,
		AsFloatSlice:  AsFloatSlice,
	}
	if room != nil {
		env.Room = Room{Id: room.Id, Type: room.Type, Tags: room.Tags}
	}
	res, err := expr.Run(prog, env)
	if err != nil {
		globals.AppLogger.Error("could not run filter", "error", err)
		return false
	}
	if bRes, ok := res.(bool); ok && bRes {
		return true
	}
	return false
}

func envUser(u *types.User) User {
	if u == nil {
		return User{}
	}
	return User{
		Id:         u.Id,
		Nick:       u.Nick,
		Language:   u.Language,
		Tags:       u.Tags,
		LastOnline: u.LastOnline.Unix(),
	}
}
