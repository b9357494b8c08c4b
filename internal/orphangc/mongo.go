package orphangc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/forgepad/nodeagent/internal/procrun"
)

// mongoTimeout bounds a single mongosh invocation.
const mongoTimeout = 15 * time.Second

// MongoDropper drops per-app Mongo databases via the `mongosh` shell
// (spec.md §4.8: "drops orphaned databases via an external shell"),
// grounded on internal/runner/docker_volume.go's shell-out-and-capture idiom.
type MongoDropper struct {
	runner *procrun.Runner
	binary string
	uri    string
}

// NewMongoDropper creates a MongoDropper. binary is typically "mongosh";
// uri is the connection string (without a database name) mongosh connects
// to before switching databases.
func NewMongoDropper(runner *procrun.Runner, binary, uri string) *MongoDropper {
	return &MongoDropper{runner: runner, binary: binary, uri: uri}
}

// ListDatabases implements DatabaseDropper.
func (m *MongoDropper) ListDatabases(ctx context.Context) ([]string, error) {
	script := "JSON.stringify(db.adminCommand({listDatabases: 1, nameOnly: true}).databases.map(d => d.name))"
	res, err := m.runner.Run(ctx, []string{m.binary, m.uri, "--quiet", "--eval", script}, nil, mongoTimeout)
	if err != nil {
		return nil, fmt.Errorf("orphangc: mongosh listDatabases: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("orphangc: mongosh listDatabases exited %d: %s", res.ExitCode, res.Output)
	}

	line := lastNonEmptyLine(string(res.Output))
	var names []string
	if err := json.Unmarshal([]byte(line), &names); err != nil {
		return nil, fmt.Errorf("orphangc: parse listDatabases output: %w", err)
	}
	return names, nil
}

// DropDatabase implements DatabaseDropper.
func (m *MongoDropper) DropDatabase(ctx context.Context, appID string) error {
	dbName := "db_" + appID
	script := fmt.Sprintf("db.getSiblingDB(%q).dropDatabase()", dbName)
	res, err := m.runner.Run(ctx, []string{m.binary, m.uri, "--quiet", "--eval", script}, nil, mongoTimeout)
	if err != nil {
		return fmt.Errorf("orphangc: mongosh dropDatabase %s: %w", dbName, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("orphangc: mongosh dropDatabase %s exited %d: %s", dbName, res.ExitCode, res.Output)
	}
	return nil
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			return line
		}
	}
	return ""
}
