package worker

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/bibexport/errors"
	"github.com/teranos/bibexport/internal/util"
)

// DefaultArgs are appended to this binary when no worker command is configured
var DefaultArgs = []string{"worker"}

// ResolveCommand turns the configured worker command into argv. An empty
// command runs this binary's hidden worker subcommand. A program given as a
// path is expanded (~, relative) and must exist.
func ResolveCommand(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "failed to locate own executable")
		}
		return append([]string{self}, DefaultArgs...), nil
	}

	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid worker command %q", command)
	}
	if len(argv) == 0 {
		return nil, errors.Newf("invalid worker command %q", command)
	}

	if strings.ContainsRune(argv[0], filepath.Separator) || strings.HasPrefix(argv[0], "~") {
		program, err := util.ExpandPath(argv[0])
		if err != nil {
			return nil, errors.Wrapf(err, "invalid worker program %s", argv[0])
		}
		if _, err := os.Stat(program); err != nil {
			return nil, errors.Wrapf(err, "worker program %s", program)
		}
		argv[0] = program
	}
	return argv, nil
}
