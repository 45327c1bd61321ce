package storage

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type dialect struct {
	name string
	// dollar placeholders ($1, $2) instead of ?.
	dollar bool
	// lockRow is appended to single-row selects made inside a transaction.
	lockRow string
	// skipLocked is appended to the claim subquery.
	skipLocked string
	// unixMillis stores times as integer epoch milliseconds.
	unixMillis bool
}

var (
	sqliteDialect   = dialect{name: "sqlite", unixMillis: true}
	postgresDialect = dialect{name: "postgres", dollar: true, lockRow: " FOR UPDATE", skipLocked: " FOR UPDATE SKIP LOCKED"}
)

// rebind rewrites ? placeholders for drivers that use $n.
func (d dialect) rebind(q string) string {
	if !d.dollar {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (d dialect) time(t time.Time) any {
	if d.unixMillis {
		return t.UnixMilli()
	}
	return t.Truncate(time.Millisecond)
}

func (d dialect) timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.time(*t)
}

// dbTime scans either an epoch-millisecond integer or a native timestamp.
type dbTime struct {
	T     time.Time
	Valid bool
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.T, t.Valid = time.Time{}, false
	case int64:
		t.T, t.Valid = time.UnixMilli(v), true
	case time.Time:
		t.T, t.Valid = v, true
	case []byte:
		return t.Scan(string(v))
	case string:
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("scan time %q: %w", v, err)
		}
		t.T, t.Valid = time.UnixMilli(ms), true
	default:
		return fmt.Errorf("scan time: unsupported type %T", src)
	}
	return nil
}

func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.T
	return &v
}

var _ driver.Valuer = intList(nil)

// intList is stored as comma separated text ("0,2,4").
type intList []int

func (l intList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "", nil
	}
	parts := make([]string, len(l))
	for i, v := range l {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ","), nil
}

func parseIntList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("parse list %q: %w", s, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
