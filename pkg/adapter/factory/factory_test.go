package factory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewByType(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cases := []struct {
		typ    string
		config string
	}{
		{"memory", ``},
		{"local", `{"root_path":` + quote(dir) + `}`},
		{"sqlite", `{"dsn":":memory:"}`},
		{"sqlstore", `{"driver":"sqlite","dsn":":memory:"}`},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			a, err := New(ctx, tc.typ, json.RawMessage(tc.config))
			require.NoError(t, err)
			defer a.Close()

			want := tc.typ
			if tc.typ == "sqlite" {
				want = "sqlstore"
			}
			assert.Equal(t, want, a.Type())
		})
	}
}

func TestNewErrors(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, "ftp", nil)
	assert.ErrorContains(t, err, "unknown backend type")

	_, err = New(ctx, "local", json.RawMessage(`{}`))
	assert.Error(t, err)

	_, err = New(ctx, "s3", json.RawMessage(`{"endpoint":"localhost:9000"}`))
	assert.ErrorContains(t, err, "bucket")

	_, err = New(ctx, "postgres", json.RawMessage(`not json`))
	assert.Error(t, err)
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
