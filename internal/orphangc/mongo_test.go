package orphangc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forgepad/nodeagent/internal/procrun"
)

func TestLastNonEmptyLine(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"single line", `["a","b"]`, `["a","b"]`},
		{"trailing newline", "[\"a\"]\n", `["a"]`},
		{"banner then json", "Connecting to mongodb\nmongosh 2.0.0\n[\"a\",\"b\"]\n", `["a","b"]`},
		{"blank lines between", "[\"a\"]\n\n\n", `["a"]`},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, lastNonEmptyLine(tc.in))
		})
	}
}

func TestMongoDropper_ListDatabases_NonZeroExitIsError(t *testing.T) {
	d := NewMongoDropper(procrun.New(), "false", "mongodb://localhost/ignored")
	_, err := d.ListDatabases(context.Background())
	assert.Error(t, err)
}

func TestMongoDropper_DropDatabase_NonZeroExitIsError(t *testing.T) {
	d := NewMongoDropper(procrun.New(), "false", "mongodb://localhost/ignored")
	err := d.DropDatabase(context.Background(), "app-1")
	assert.Error(t, err)
}

func TestMongoDropper_DropDatabase_SpawnFailureIsError(t *testing.T) {
	d := NewMongoDropper(procrun.New(), "/no/such/mongosh-binary-xyz", "mongodb://localhost/ignored")
	err := d.DropDatabase(context.Background(), "app-1")
	assert.Error(t, err)
}

