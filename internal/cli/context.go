package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ckpt-project/ckpt/internal/repo"
	"github.com/ckpt-project/ckpt/pkg/ckpt"
	"github.com/ckpt-project/ckpt/pkg/config"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/logging"
)

// RootEnv names the environment variable holding the storage root.
const RootEnv = "CKPT_ROOT"

// errNotInRoot is returned when no storage root can be located.
var errNotInRoot = errors.New("not inside a ckpt storage root")

// resolveRoot finds the storage root from --root, $CKPT_ROOT or the
// nearest .ckpt/ above the working directory.
func resolveRoot() (string, error) {
	if rootFlag != "" {
		return rootFlag, nil
	}
	if env := os.Getenv(RootEnv); env != "" {
		return env, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("cannot get current directory: %w", err)
	}
	r, err := repo.Discover(cwd)
	if err != nil {
		return "", errNotInRoot
	}
	return r.Root, nil
}

// clientOptions builds facade options from --config and --log-level.
func clientOptions() (ckpt.Options, error) {
	var opts ckpt.Options
	if configFlag != "" {
		cfg, err := config.Load(configFlag)
		if err != nil {
			return opts, err
		}
		opts.Config = cfg
	}
	if logLevel != "" {
		if _, err := logging.ParseLevel(logLevel); err != nil {
			return opts, errclass.ErrConfigInvalid.WithMessage(err.Error())
		}
		format := logging.FormatText
		if opts.Config != nil {
			format = logging.Format(opts.Config.Logging.Format)
		}
		opts.Logger = logging.New(logging.Options{Level: logging.Level(logLevel), Format: format})
	}
	return opts, nil
}

// openClient opens the storage root. Callers must Close the client.
func openClient() (*ckpt.Client, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, err
	}
	opts, err := clientOptions()
	if err != nil {
		return nil, err
	}
	c, err := ckpt.Open(root, opts)
	if err != nil {
		if errclass.CodeOf(err) == errclass.ErrConfigInvalid.Code && !isRoot(root) {
			return nil, errNotInRoot
		}
		return nil, err
	}
	return c, nil
}

func isRoot(path string) bool {
	_, err := os.Stat(filepath.Join(path, repo.FormatVersionFile))
	return err == nil
}

// withClient opens the storage root, runs fn and closes the client.
func withClient(fn func(c *ckpt.Client) error) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}
