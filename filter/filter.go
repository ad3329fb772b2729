package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tcriess/lightspeed-live/globals"
)

// Filters compiles target filters once and evaluates them per receiving connection.
type Filters struct {
	programs *lru.Cache[string, *vm.Program]
}

func NewFilters(size int) (*Filters, error) {
	if size <= 0 {
		size = 256
	}
	programs, err := lru.New[string, *vm.Program](size)
	if err != nil {
		return nil, err
	}
	return &Filters{programs: programs}, nil
}

func (f *Filters) Compile(targetFilter string) (*vm.Program, error) {
	if prog, ok := f.programs.Get(targetFilter); ok {
		return prog, nil
	}
	prog, err := expr.Compile(targetFilter, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, err
	}
	f.programs.Add(targetFilter, prog)
	return prog, nil
}

// Match reports whether an event with targetFilter should be delivered to the target described in
// env. An empty filter matches everybody, a broken one nobody.
func (f *Filters) Match(targetFilter string, env Env) bool {
	if targetFilter == "" {
		return true
	}
	prog, err := f.Compile(targetFilter)
	if err != nil {
		globals.AppLogger.Error("could not compile target filter", "filter", targetFilter, "error", err)
		return false
	}
	res, err := expr.Run(prog, env)
	if err != nil {
		globals.AppLogger.Error("could not run target filter", "filter", targetFilter, "error", err)
		return false
	}
	ok, _ := res.(bool)
	return ok
}

// ExcludeSocket builds a filter that skips the given connection.
func ExcludeSocket(socketId string) string {
	return fmt.Sprintf("Target.Socket != %s", strconv.Quote(socketId))
}

// OnlyUsers builds a filter that matches the given users only.
func OnlyUsers(userIds ...string) string {
	quoted := make([]string, len(userIds))
	for i, id := range userIds {
		quoted[i] = strconv.Quote(id)
	}
	return fmt.Sprintf("Target.User.Id in [%s]", strings.Join(quoted, ", "))
}

// And combines filters, skipping empty ones.
func And(filters ...string) string {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		if f != "" {
			parts = append(parts, "("+f+")")
		}
	}
	return strings.Join(parts, " && ")
}
