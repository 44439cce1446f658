package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Level names accepted on the command line, in decreasing verbosity.
var levelNames = []string{"debug", "info", "notice", "warning", "error", "critical", "alert", "emergency"}

// ParseLevel converts a named log level to its single-letter form.
// Returns an error for unknown names.
func ParseLevel(name string) (byte, error) {
	switch strings.ToLower(name) {
	case "debug":
		return 'D', nil
	case "info":
		return 'I', nil
	case "notice":
		return 'N', nil
	case "warning":
		return 'W', nil
	case "error":
		return 'E', nil
	case "critical", "alert", "emergency":
		return 'F', nil
	}
	return 0, fmt.Errorf("invalid value for loglevel: %s (choose from %s)", name, strings.Join(levelNames, ", "))
}

// PkgLevel represents log level of a package.
type PkgLevel struct {
	pkg string
	lvl byte
	al  zap.AtomicLevel
	cb  func()
}

// Package returns package name.
func (pl PkgLevel) Package() string {
	return pl.pkg
}

// Level returns log level.
func (pl PkgLevel) Level() byte {
	return pl.lvl
}

// SetCallback sets a callback for level changing.
func (pl *PkgLevel) SetCallback(cb func()) {
	pl.cb = cb
}

// SetLevel assigns log level from a single-letter form.
func (pl *PkgLevel) SetLevel(input string) {
	defer pl.cb()

	if len(input) == 0 {
		pl.lvl = 'I'
		pl.al.SetLevel(zap.InfoLevel)
		return
	}

	switch input[0] {
	case 'V', 'D':
		pl.al.SetLevel(zap.DebugLevel)
	case 'I', 'N':
		pl.al.SetLevel(zap.InfoLevel)
	case 'W':
		pl.al.SetLevel(zap.WarnLevel)
	case 'E':
		pl.al.SetLevel(zap.ErrorLevel)
	case 'F':
		pl.al.SetLevel(zap.DPanicLevel)
	default:
		pl.lvl = 'I'
		pl.al.SetLevel(zap.InfoLevel)
		return
	}
	pl.lvl = input[0]
}

var pkgLevels = map[string]*PkgLevel{}

// ListLevels returns all package levels.
func ListLevels() (list []PkgLevel) {
	for _, pl := range pkgLevels {
		list = append(list, *pl)
	}
	return list
}

// FindLevel returns package log level object.
func FindLevel(pkg string) (pl *PkgLevel) {
	return pkgLevels[pkg]
}

// GetLevel finds or creates package log level object.
func GetLevel(pkg string) (pl *PkgLevel) {
	pl = pkgLevels[pkg]
	if pl == nil {
		pl = &PkgLevel{
			pkg: pkg,
			al:  zap.NewAtomicLevel(),
			cb:  func() {},
		}
		pl.SetLevel(envLevel(pkg))
		pkgLevels[pkg] = pl
	}
	return pl
}

// SetGlobalLevel assigns the same log level to every known package and
// becomes the default for packages seen later.
func SetGlobalLevel(letter byte) {
	os.Setenv("NBA_LOG", string(letter))
	for _, pl := range pkgLevels {
		pl.SetLevel(string(letter))
	}
}

func envLevel(pkg string) string {
	v, ok := os.LookupEnv("NBA_LOG_" + pkg)
	if !ok {
		v = os.Getenv("NBA_LOG")
	}
	return v
}
