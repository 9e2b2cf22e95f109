package workflow

import "fmt"

// ConfigurationError reports a template and its parameters falling out of
// sync: an override path, parameter, role or reference that does not exist.
type ConfigurationError struct {
	Template string
	Path     string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Template == "" {
		return fmt.Sprintf("workflow configuration: %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("workflow %s configuration: %s: %s", e.Template, e.Path, e.Reason)
}

func configErr(tpl, path, format string, args ...any) error {
	return &ConfigurationError{Template: tpl, Path: path, Reason: fmt.Sprintf(format, args...)}
}
