package driver

import "fmt"

// Credentials are the login inputs. They are only ever typed into the login
// form; String and GoString redact them so they cannot leak through logs.
type Credentials struct {
	Username     string
	Password     string
	Verification string // optional secondary identifier (phone or handle)
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username:%s Password:%s Verification:%s}",
		maskIdentifier(c.Username), redact(c.Password), redact(c.Verification))
}

func (c Credentials) GoString() string { return c.String() }

// Complete reports whether the required fields are present.
func (c Credentials) Complete() bool {
	return c.Username != "" && c.Password != ""
}

func redact(s string) string {
	if s == "" {
		return "<unset>"
	}
	return "[REDACTED]"
}

func maskIdentifier(s string) string {
	switch len(s) {
	case 0:
		return "<unset>"
	case 1, 2:
		return "**"
	default:
		return s[:1] + "***"
	}
}
