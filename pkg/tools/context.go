package tools

import (
	"os"
	"path/filepath"
	"strings"
)

// Permissions defines what operations the workspace tools may perform.
type Permissions struct {
	// AllowBash allows executing bash commands.
	AllowBash bool

	// AllowFileRead allows reading files.
	AllowFileRead bool

	// AllowFileWrite allows writing files.
	AllowFileWrite bool

	// AllowOperator allows sending commands to the operator's machine.
	AllowOperator bool
}

// DefaultPermissions returns permissions with all operations allowed.
func DefaultPermissions() Permissions {
	return Permissions{
		AllowBash:      true,
		AllowFileRead:  true,
		AllowFileWrite: true,
		AllowOperator:  true,
	}
}

// RestrictedPermissions returns permissions with only read operations allowed.
func RestrictedPermissions() Permissions {
	return Permissions{
		AllowFileRead: true,
	}
}

// ToolContext is the session workspace shared by the built-in tools.
type ToolContext struct {
	// WorkDir is the session workspace. File operations are confined to it.
	WorkDir string

	// Permissions defines what operations are allowed.
	Permissions Permissions

	// Env contains extra environment variables for bash.
	Env map[string]string

	// BashTimeout is the timeout for bash command execution in seconds.
	BashTimeout int
}

// NewToolContext creates a new tool context with the given working directory.
func NewToolContext(workDir string) *ToolContext {
	return &ToolContext{
		WorkDir:     workDir,
		Permissions: DefaultPermissions(),
		Env:         make(map[string]string),
		BashTimeout: 60,
	}
}

// WithPermissions sets the permissions and returns the context for chaining.
func (c *ToolContext) WithPermissions(p Permissions) *ToolContext {
	c.Permissions = p
	return c
}

// WithEnv sets an environment variable and returns the context for chaining.
func (c *ToolContext) WithEnv(key, value string) *ToolContext {
	if c.Env == nil {
		c.Env = make(map[string]string)
	}
	c.Env[key] = value
	return c
}

// WithBashTimeout sets the bash timeout and returns the context for chaining.
func (c *ToolContext) WithBashTimeout(seconds int) *ToolContext {
	c.BashTimeout = seconds
	return c
}

// ValidatePath returns the cleaned absolute form of path, or
// ErrPathOutsideWorkDir if it resolves outside the workspace.
func (c *ToolContext) ValidatePath(path string) (string, error) {
	if c.WorkDir == "" {
		return "", ErrNoWorkDir
	}

	absWorkDir, err := filepath.Abs(c.WorkDir)
	if err != nil {
		return "", err
	}
	absWorkDir = filepath.Clean(absWorkDir)

	var absPath string
	if filepath.IsAbs(path) {
		absPath = filepath.Clean(path)
	} else {
		absPath = filepath.Clean(filepath.Join(absWorkDir, path))
	}

	rel, err := filepath.Rel(absWorkDir, absPath)
	if err != nil {
		return "", ErrPathOutsideWorkDir
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathOutsideWorkDir
	}
	return absPath, nil
}

// RelPath returns path relative to the workspace, for operator-facing text.
func (c *ToolContext) RelPath(absPath string) string {
	absWorkDir, err := filepath.Abs(c.WorkDir)
	if err != nil {
		return absPath
	}
	rel, err := filepath.Rel(absWorkDir, absPath)
	if err != nil {
		return absPath
	}
	return filepath.ToSlash(rel)
}

// FileExists checks if a file exists at the given path.
func (c *ToolContext) FileExists(path string) bool {
	absPath, err := c.ValidatePath(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(absPath)
	return err == nil
}

// IsDir checks if the path is a directory.
func (c *ToolContext) IsDir(path string) bool {
	absPath, err := c.ValidatePath(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return false
	}
	return info.IsDir()
}

type toolError string

func (e toolError) Error() string { return string(e) }

const (
	ErrNoWorkDir           toolError = "working directory not set"
	ErrPathOutsideWorkDir  toolError = "path is outside working directory"
	ErrBashNotAllowed      toolError = "bash execution not allowed"
	ErrFileReadNotAllowed  toolError = "file read not allowed"
	ErrFileWriteNotAllowed toolError = "file write not allowed"
	ErrOperatorNotAllowed  toolError = "operator commands not allowed"
)

// CheckBash checks if bash execution is allowed.
func (c *ToolContext) CheckBash() error {
	if !c.Permissions.AllowBash {
		return ErrBashNotAllowed
	}
	return nil
}

// CheckFileRead checks if file read operations are allowed.
func (c *ToolContext) CheckFileRead() error {
	if !c.Permissions.AllowFileRead {
		return ErrFileReadNotAllowed
	}
	return nil
}

// CheckFileWrite checks if file write operations are allowed.
func (c *ToolContext) CheckFileWrite() error {
	if !c.Permissions.AllowFileWrite {
		return ErrFileWriteNotAllowed
	}
	return nil
}

// CheckOperator checks if operator commands are allowed.
func (c *ToolContext) CheckOperator() error {
	if !c.Permissions.AllowOperator {
		return ErrOperatorNotAllowed
	}
	return nil
}
