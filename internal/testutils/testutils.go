package testutils

import (
	"os"
	"path/filepath"
	"strings"
)

var ProjectRoot string

func init() {
	ProjectRoot = findRoot()
}

func findRoot() string {
	cwd, err := os.Getwd()
	cwdOrig := cwd
	if err != nil {
		panic(err)
	}
	sep := string(filepath.Separator)
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		lastSlashIndex := strings.LastIndex(cwd, sep)
		if lastSlashIndex == -1 {
			panic(cwdOrig + ` did not contain a go.mod`)
		}
		cwd = cwd[0:lastSlashIndex]
	}
}
