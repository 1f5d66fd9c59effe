package partition

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultPrefix is prepended to every partition name.
const DefaultPrefix = "t"

// ErrInvalidKey is returned for empty keys or names that do not decode.
var ErrInvalidKey = errors.New("partition: invalid key")

// Mapper converts conversation keys to namespace names.
//
// Encoding: lower-case ASCII letters and digits pass through, an upper-case
// letter becomes "_u" followed by its lower-case form, '-' becomes "_m", '_'
// becomes "__" and any other byte becomes "_x" followed by two lower-case hex
// digits. A Telegram group id "-1001789876771" therefore maps to
// "t_m1001789876771". Names never contain upper-case letters, so keys that
// differ only in case stay distinct under SQLite's case-insensitive
// identifiers.
type Mapper struct {
	prefix string
}

// NewMapper creates a Mapper. An empty prefix selects DefaultPrefix. The
// prefix must start with a letter and contain only lower-case letters and
// digits.
func NewMapper(prefix string) (*Mapper, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if !isLowerAlnum(c) || (i == 0 && !isLower(c)) {
			return nil, fmt.Errorf("partition: invalid prefix %q", prefix)
		}
	}
	return &Mapper{prefix: prefix}, nil
}

// Prefix returns the configured prefix.
func (m *Mapper) Prefix() string { return m.prefix }

// Name maps a conversation key to its namespace name.
func (m *Mapper) Name(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	var sb strings.Builder
	sb.Grow(len(m.prefix) + len(key) + 4)
	sb.WriteString(m.prefix)
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case isLowerAlnum(c):
			sb.WriteByte(c)
		case isUpper(c):
			sb.WriteString("_u")
			sb.WriteByte(c + 'a' - 'A')
		case c == '-':
			sb.WriteString("_m")
		case c == '_':
			sb.WriteString("__")
		default:
			sb.WriteString("_x")
			sb.WriteString(fmt.Sprintf("%02x", c))
		}
	}
	return sb.String(), nil
}

// Key reverses Name.
func (m *Mapper) Key(name string) (string, error) {
	if !strings.HasPrefix(name, m.prefix) || len(name) == len(m.prefix) {
		return "", fmt.Errorf("%w: %q does not carry prefix %q", ErrInvalidKey, name, m.prefix)
	}
	enc := name[len(m.prefix):]
	var sb strings.Builder
	for i := 0; i < len(enc); i++ {
		c := enc[i]
		if c != '_' {
			if !isLowerAlnum(c) {
				return "", fmt.Errorf("%w: %q", ErrInvalidKey, name)
			}
			sb.WriteByte(c)
			continue
		}
		if i+1 >= len(enc) {
			return "", fmt.Errorf("%w: dangling escape in %q", ErrInvalidKey, name)
		}
		i++
		switch enc[i] {
		case 'u':
			if i+1 >= len(enc) || !isLower(enc[i+1]) {
				return "", fmt.Errorf("%w: bad upper-case escape in %q", ErrInvalidKey, name)
			}
			i++
			sb.WriteByte(enc[i] - 'a' + 'A')
		case 'm':
			sb.WriteByte('-')
		case '_':
			sb.WriteByte('_')
		case 'x':
			if i+3 > len(enc) {
				return "", fmt.Errorf("%w: short hex escape in %q", ErrInvalidKey, name)
			}
			hex := enc[i+1 : i+3]
			v, err := strconv.ParseUint(hex, 16, 8)
			if err != nil || strings.ToLower(hex) != hex {
				return "", fmt.Errorf("%w: %q", ErrInvalidKey, name)
			}
			sb.WriteByte(byte(v))
			i += 2
		default:
			return "", fmt.Errorf("%w: unknown escape in %q", ErrInvalidKey, name)
		}
	}
	return sb.String(), nil
}

// Quote returns name as a double-quoted SQL identifier.
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func isLower(c byte) bool { return c >= 'a' && c <= 'z' }

func isUpper(c byte) bool { return c >= 'A' && c <= 'Z' }

func isLowerAlnum(c byte) bool { return isLower(c) || (c >= '0' && c <= '9') }
