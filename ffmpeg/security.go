package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// SplitExtraArgs securely splits a user-supplied extra-arguments string into
// a slice. No shell is involved, so quoting is honored but nothing is
// interpreted.
func SplitExtraArgs(extra string) ([]string, error) {
	args, err := shlex.Split(extra)
	if err != nil {
		return nil, fmt.Errorf("invalid extra arguments syntax: %w", err)
	}
	return args, nil
}

// ValidateExtraArgs checks user-supplied arguments for options that would let
// a caller escape the managed input/output handling. exec.Command already
// prevents shell interpretation; the metacharacter check is for arguments
// that would confuse ffmpeg's own option parsing.
func ValidateExtraArgs(args []string) error {
	for _, arg := range args {
		if arg == "-i" {
			return fmt.Errorf("extra arguments must not add inputs (-i)")
		}
		if arg == "-progress" || arg == "-nostats" {
			return fmt.Errorf("extra arguments must not override progress reporting: %s", arg)
		}
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}
