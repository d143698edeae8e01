package adapter

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration decodes adapter JSON settings such as "5s" or a plain number of
// nanoseconds.
type Duration time.Duration

// UnmarshalJSON accepts "5s" style strings and plain nanosecond numbers.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", b)
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
